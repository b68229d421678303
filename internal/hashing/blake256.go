// Package hashing holds the host side hash primitives used to prepare kernel
// input and to re-check device candidates.
package hashing

import "math/bits"

// Blake256IV is the BLAKE-256 initial chaining value.
var Blake256IV = [8]uint32{
	0x6A09E667, 0xBB67AE85, 0x3C6EF372, 0xA54FF53A,
	0x510E527F, 0x9B05688C, 0x1F83D9AB, 0x5BE0CD19,
}

var blakeSigma = [16][16]uint8{
	{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
	{14, 10, 4, 8, 9, 15, 13, 6, 1, 12, 0, 2, 11, 7, 5, 3},
	{11, 8, 12, 0, 5, 2, 15, 13, 10, 14, 3, 6, 7, 1, 9, 4},
	{7, 9, 3, 1, 13, 12, 11, 14, 2, 6, 5, 10, 4, 0, 15, 8},
	{9, 0, 5, 7, 2, 4, 10, 15, 14, 1, 11, 12, 6, 8, 3, 13},
	{2, 12, 6, 10, 0, 11, 8, 3, 4, 13, 7, 5, 15, 14, 1, 9},
	{12, 5, 1, 15, 14, 13, 4, 10, 0, 7, 6, 3, 9, 2, 8, 11},
	{13, 11, 7, 14, 12, 1, 3, 9, 5, 0, 15, 4, 8, 6, 2, 10},
	{6, 15, 14, 9, 11, 3, 0, 8, 12, 2, 13, 7, 1, 4, 10, 5},
	{10, 2, 8, 4, 7, 6, 1, 5, 15, 11, 9, 14, 3, 12, 13, 0},
	{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
	{14, 10, 4, 8, 9, 15, 13, 6, 1, 12, 0, 2, 11, 7, 5, 3},
	{11, 8, 12, 0, 5, 2, 15, 13, 10, 14, 3, 6, 7, 1, 9, 4},
	{7, 9, 3, 1, 13, 12, 11, 14, 2, 6, 5, 10, 4, 0, 15, 8},
	{9, 0, 5, 7, 2, 4, 10, 15, 14, 1, 11, 12, 6, 8, 3, 13},
	{2, 12, 6, 10, 0, 11, 8, 3, 4, 13, 7, 5, 15, 14, 1, 9},
}

var blakeU256 = [16]uint32{
	0x243F6A88, 0x85A308D3, 0x13198A2E, 0x03707344,
	0xA4093822, 0x299F31D0, 0x082EFA98, 0xEC4E6C89,
	0x452821E6, 0x38D01377, 0xBE5466CF, 0x34E90C6C,
	0xC0AC29B7, 0xC97C50DD, 0x3F84D5B5, 0xB5470917,
}

// Blake256Compress runs the 14 round BLAKE-256 compression of one 64-byte
// block into h. counter is the number of message bits hashed so far,
// including this block.
func Blake256Compress(h *[8]uint32, block []uint32, counter uint64) {
	var m [16]uint32
	copy(m[:], block[:16])

	var v [16]uint32
	copy(v[:8], h[:])
	copy(v[8:], blakeU256[:8])
	lo, hi := uint32(counter), uint32(counter>>32)
	v[12] ^= lo
	v[13] ^= lo
	v[14] ^= hi
	v[15] ^= hi

	g := func(r, a, b, c, d, x int) {
		i1, i2 := blakeSigma[r][x], blakeSigma[r][x+1]
		v[a] += (m[i1] ^ blakeU256[i2]) + v[b]
		v[d] = bits.RotateLeft32(v[d]^v[a], -16)
		v[c] += v[d]
		v[b] = bits.RotateLeft32(v[b]^v[c], -12)
		v[a] += (m[i2] ^ blakeU256[i1]) + v[b]
		v[d] = bits.RotateLeft32(v[d]^v[a], -8)
		v[c] += v[d]
		v[b] = bits.RotateLeft32(v[b]^v[c], -7)
	}

	for r := 0; r < 14; r++ {
		g(r, 0, 4, 8, 12, 0x0)
		g(r, 1, 5, 9, 13, 0x2)
		g(r, 2, 6, 10, 14, 0x4)
		g(r, 3, 7, 11, 15, 0x6)
		g(r, 0, 5, 10, 15, 0x8)
		g(r, 1, 6, 11, 12, 0xA)
		g(r, 2, 7, 8, 13, 0xC)
		g(r, 3, 4, 9, 14, 0xE)
	}

	for i := 0; i < 8; i++ {
		h[i] ^= v[i] ^ v[i+8]
	}
}

// Midstate returns the chaining value after the first 64 bytes of an 80-byte
// block header given as 32-bit words. The device finishes the remaining 16 bytes.
func Midstate(header []uint32) [8]uint32 {
	h := Blake256IV
	Blake256Compress(&h, header[:16], 512)
	return h
}

// Blake256Header hashes a full 80-byte header (20 words) and returns the
// chaining value as words.
func Blake256Header(header []uint32) [8]uint32 {
	h := Midstate(header)
	var tail [16]uint32
	copy(tail[:4], header[16:20])
	tail[4] = 0x80000000
	tail[13] = 1
	tail[15] = 640
	Blake256Compress(&h, tail[:], 640)
	return h
}
