//go:build !nojsonsimd

// Package jsonx is the JSON codec for Stratum lines and bridge frames.
package jsonx

import "github.com/bytedance/sonic"

var fastJSON = sonic.ConfigDefault

// Marshal encodes v.
func Marshal(v any) ([]byte, error) {
	return fastJSON.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return fastJSON.Unmarshal(data, v)
}
