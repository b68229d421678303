//go:build !noavx

package bitcoin

import simdsha "github.com/minio/sha256-simd"

func init() {
	sha256Sum = simdsha.Sum256
}

// SHA256Implementation names the SHA-256 backend compiled in.
func SHA256Implementation() string {
	return "sha256-simd"
}
