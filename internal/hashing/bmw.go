package hashing

import "math/bits"

func rotl(x uint32, n int) uint32 { return bits.RotateLeft32(x, n) }

func bmwS0(x uint32) uint32 { return x>>1 ^ x<<3 ^ rotl(x, 4) ^ rotl(x, 19) }
func bmwS1(x uint32) uint32 { return x>>1 ^ x<<2 ^ rotl(x, 8) ^ rotl(x, 23) }
func bmwS2(x uint32) uint32 { return x>>2 ^ x<<1 ^ rotl(x, 12) ^ rotl(x, 25) }
func bmwS3(x uint32) uint32 { return x>>2 ^ x<<2 ^ rotl(x, 15) ^ rotl(x, 29) }
func bmwS4(x uint32) uint32 { return x>>1 ^ x }
func bmwS5(x uint32) uint32 { return x>>2 ^ x }

var bmwSS = [5]func(uint32) uint32{bmwS0, bmwS1, bmwS2, bmwS3, bmwS4}

// bmwF0 lists, per Q word, the five (M^H) indices and their signs.
var bmwF0 = [16][5]struct {
	i   int
	neg bool
}{
	{{5, false}, {7, true}, {10, false}, {13, false}, {14, false}},
	{{6, false}, {8, true}, {11, false}, {14, false}, {15, true}},
	{{0, false}, {7, false}, {9, false}, {12, true}, {15, false}},
	{{0, false}, {1, true}, {8, false}, {10, true}, {13, false}},
	{{1, false}, {2, false}, {9, false}, {11, true}, {14, true}},
	{{3, false}, {2, true}, {10, false}, {12, true}, {15, false}},
	{{4, false}, {0, true}, {3, true}, {11, true}, {13, false}},
	{{1, false}, {4, true}, {5, true}, {12, true}, {14, true}},
	{{2, false}, {5, true}, {6, true}, {13, false}, {15, true}},
	{{0, false}, {3, true}, {6, false}, {7, true}, {14, false}},
	{{8, false}, {1, true}, {4, true}, {7, true}, {15, false}},
	{{8, false}, {0, true}, {2, true}, {5, true}, {9, false}},
	{{1, false}, {3, false}, {6, true}, {9, true}, {10, false}},
	{{2, false}, {4, false}, {7, false}, {10, false}, {11, false}},
	{{3, false}, {5, true}, {8, false}, {11, true}, {12, true}},
	{{12, false}, {4, true}, {6, true}, {9, true}, {13, false}},
}

func bmwAddElement(i int, m, h *[16]uint32) uint32 {
	j := func(k int) uint32 { return rotl(m[k%16], k%16+1) }
	return (uint32(i)*0x05555555 + j(i-16) + j(i-13) - j(i-6)) ^ h[(i-16+7)%16]
}

// bmwCompress is the BMW-256 compression function f0, f1 and f2 applied to h.
func bmwCompress(m, h *[16]uint32) {
	var q [32]uint32

	for i := 0; i < 16; i++ {
		var w uint32
		for _, t := range bmwF0[i] {
			if t.neg {
				w -= m[t.i] ^ h[t.i]
			} else {
				w += m[t.i] ^ h[t.i]
			}
		}
		q[i] = bmwSS[i%5](w) + h[(i+1)%16]
	}

	expand1 := [4]func(uint32) uint32{bmwS1, bmwS2, bmwS3, bmwS0}
	for i := 16; i < 18; i++ {
		var s uint32
		for k := 0; k < 16; k++ {
			s += expand1[k%4](q[i-16+k])
		}
		q[i] = s + bmwAddElement(i, m, h)
	}
	for i := 18; i < 32; i++ {
		q[i] = q[i-16] + rotl(q[i-15], 3) + q[i-14] + rotl(q[i-13], 7) +
			q[i-12] + rotl(q[i-11], 13) + q[i-10] + rotl(q[i-9], 16) +
			q[i-8] + rotl(q[i-7], 19) + q[i-6] + rotl(q[i-5], 23) +
			q[i-4] + rotl(q[i-3], 27) + bmwS4(q[i-2]) + bmwS5(q[i-1]) +
			bmwAddElement(i, m, h)
	}

	xl := q[16] ^ q[17] ^ q[18] ^ q[19] ^ q[20] ^ q[21] ^ q[22] ^ q[23]
	xh := xl ^ q[24] ^ q[25] ^ q[26] ^ q[27] ^ q[28] ^ q[29] ^ q[30] ^ q[31]

	h[0] = (xh<<5 ^ q[16]>>5 ^ m[0]) + (xl ^ q[24] ^ q[0])
	h[1] = (xh>>7 ^ q[17]<<8 ^ m[1]) + (xl ^ q[25] ^ q[1])
	h[2] = (xh>>5 ^ q[18]<<5 ^ m[2]) + (xl ^ q[26] ^ q[2])
	h[3] = (xh>>1 ^ q[19]<<5 ^ m[3]) + (xl ^ q[27] ^ q[3])
	h[4] = (xh>>3 ^ q[20] ^ m[4]) + (xl ^ q[28] ^ q[4])
	h[5] = (xh<<6 ^ q[21]>>6 ^ m[5]) + (xl ^ q[29] ^ q[5])
	h[6] = (xh>>4 ^ q[22]<<6 ^ m[6]) + (xl ^ q[30] ^ q[6])
	h[7] = (xh>>11 ^ q[23]<<2 ^ m[7]) + (xl ^ q[31] ^ q[7])

	h[8] = rotl(h[4], 9) + (xh ^ q[24] ^ m[8]) + (xl<<8 ^ q[23] ^ q[8])
	h[9] = rotl(h[5], 10) + (xh ^ q[25] ^ m[9]) + (xl>>6 ^ q[16] ^ q[9])
	h[10] = rotl(h[6], 11) + (xh ^ q[26] ^ m[10]) + (xl<<6 ^ q[17] ^ q[10])
	h[11] = rotl(h[7], 12) + (xh ^ q[27] ^ m[11]) + (xl<<4 ^ q[18] ^ q[11])
	h[12] = rotl(h[0], 13) + (xh ^ q[28] ^ m[12]) + (xl>>3 ^ q[19] ^ q[12])
	h[13] = rotl(h[1], 14) + (xh ^ q[29] ^ m[13]) + (xl>>4 ^ q[20] ^ q[13])
	h[14] = rotl(h[2], 15) + (xh ^ q[30] ^ m[14]) + (xl>>7 ^ q[21] ^ q[14])
	h[15] = rotl(h[3], 16) + (xh ^ q[31] ^ m[15]) + (xl>>2 ^ q[22] ^ q[15])
}

var bmwIV = [16]uint32{
	0x40414243, 0x44454647, 0x48494A4B, 0x4C4D4E4F,
	0x50515253, 0x54555657, 0x58595A5B, 0x5C5D5E5F,
	0x60616263, 0x64656667, 0x68696A6B, 0x6C6D6E6F,
	0x70717273, 0x74757677, 0x78797A7B, 0x7C7D7E7F,
}

var bmwFinal = [16]uint32{
	0xaaaaaaa0, 0xaaaaaaa1, 0xaaaaaaa2, 0xaaaaaaa3,
	0xaaaaaaa4, 0xaaaaaaa5, 0xaaaaaaa6, 0xaaaaaaa7,
	0xaaaaaaa8, 0xaaaaaaa9, 0xaaaaaaaa, 0xaaaaaaab,
	0xaaaaaaac, 0xaaaaaaad, 0xaaaaaaae, 0xaaaaaaaf,
}

// BMW256 hashes a 32-byte value given as eight little-endian words. It is the
// last stage of the Lyra2REv2/v3 chain; the device returns its input.
func BMW256(in [8]uint32) [8]uint32 {
	var msg [16]uint32
	copy(msg[:8], in[:])
	msg[8] = 0x80
	msg[14] = 0x100

	h := bmwIV
	bmwCompress(&msg, &h)
	final := bmwFinal
	bmwCompress(&h, &final)

	var out [8]uint32
	copy(out[:], final[8:])
	return out
}
