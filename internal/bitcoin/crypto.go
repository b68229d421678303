// Package bitcoin provides the block header primitives a Stratum miner needs:
// double SHA-256, merkle root folding, header word layout, coinbase height
// extraction and difficulty/target conversion.
package bitcoin

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Header word layout. The header is kept as 32-bit words; the hashed byte
// stream is each word encoded big-endian.
const (
	HeaderWords   = 48
	VersionIndex  = 0
	PrevHashIndex = 1
	MerkleIndex   = 9
	NTimeIndex    = 17
	NBitsIndex    = 18
	NonceIndex    = 19
	// JobWords is the number of leading words that identify a job generation.
	JobWords = NonceIndex
)

// merkleBufPool holds the 64-byte root||branch scratch buffers.
var merkleBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 64)
		return &b
	},
}

// DoubleSHA256 returns sha256(sha256(b)).
func DoubleSHA256(b []byte) chainhash.Hash {
	first := sha256Sum(b)
	return chainhash.Hash(sha256Sum(first[:]))
}

// MerkleRoot folds the coinbase hash with each branch in order:
// root = sha256d(coinbase), then root = sha256d(root || branch).
func MerkleRoot(coinbase []byte, branches []chainhash.Hash) chainhash.Hash {
	root := DoubleSHA256(coinbase)
	if len(branches) == 0 {
		return root
	}

	bufp := merkleBufPool.Get().(*[]byte)
	defer merkleBufPool.Put(bufp)
	buf := *bufp

	for i := range branches {
		copy(buf[:32], root[:])
		copy(buf[32:], branches[i][:])
		root = DoubleSHA256(buf)
	}
	return root
}

// HeaderFields are the pool-supplied header inputs in wire byte order.
type HeaderFields struct {
	Version  [4]byte
	PrevHash [32]byte
	NBits    [4]byte
	NTime    [4]byte
}

// AssembleHeader writes the header words into dst, which must hold
// HeaderWords words. Words past the nonce carry the fixed padding and the
// bit length of an 80-byte message.
func AssembleHeader(dst []uint32, f *HeaderFields, merkleRoot chainhash.Hash) {
	clear(dst[:HeaderWords])
	dst[VersionIndex] = binary.LittleEndian.Uint32(f.Version[:])
	for i := 0; i < 8; i++ {
		dst[PrevHashIndex+i] = binary.LittleEndian.Uint32(f.PrevHash[i*4:])
	}
	for i := 0; i < 8; i++ {
		dst[MerkleIndex+i] = binary.BigEndian.Uint32(merkleRoot[i*4:])
	}
	dst[NTimeIndex] = binary.LittleEndian.Uint32(f.NTime[:])
	dst[NBitsIndex] = binary.LittleEndian.Uint32(f.NBits[:])
	dst[20] = 0x80000000
	dst[31] = 0x00000280
}

// HeaderBytes encodes the first 20 header words as the 80 bytes that are hashed.
func HeaderBytes(words []uint32) []byte {
	out := make([]byte, 80)
	for i := 0; i < 20; i++ {
		binary.BigEndian.PutUint32(out[i*4:], words[i])
	}
	return out
}

// DecodeHexFixed decodes s into dst and requires an exact length match.
func DecodeHexFixed(dst []byte, s string) error {
	if len(s) != 2*len(dst) {
		return fmt.Errorf("invalid hex length: expected %d characters, got %d", 2*len(dst), len(s))
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return fmt.Errorf("failed to decode hex string: %w", err)
	}
	return nil
}

// WordHex returns the hex of w encoded little-endian, the form pools expect
// for ntime and nonce in mining.submit.
func WordHex(w uint32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w)
	return hex.EncodeToString(b[:])
}
