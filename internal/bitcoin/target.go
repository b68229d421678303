package bitcoin

import (
	"math"
	"math/big"
	"math/bits"
)

// Target is a 256-bit threshold as eight 32-bit words, word 7 most significant.
type Target [8]uint32

// maxMantissa is the difficulty-1 target mantissa, 0xFFFF0000.
const maxMantissa = 4294901760.0

// DiffToTarget converts a share difficulty to a target. The 64-bit mantissa
// 0xFFFF0000/diff is placed at the word offset that keeps it in range.
func DiffToTarget(diff float64) Target {
	var t Target

	k := 6
	for ; k > 0 && diff > 1.0; k-- {
		diff /= 4294967296.0
	}

	var m uint64 = math.MaxUint64
	if q := maxMantissa / diff; q < 0x1p64 {
		m = uint64(q)
	}

	if m == 0 && k == 6 {
		for i := range t {
			t[i] = math.MaxUint32
		}
		return t
	}
	t[k] = uint32(m)
	t[k+1] = uint32(m >> 32)
	return t
}

// Big returns the target as an integer.
func (t Target) Big() *big.Int {
	v := new(big.Int)
	for i := 7; i >= 0; i-- {
		v.Lsh(v, 32)
		v.Or(v, new(big.Int).SetUint64(uint64(t[i])))
	}
	return v
}

// Float returns the target as a double.
func (t Target) Float() float64 {
	var f float64
	for i := 7; i >= 0; i-- {
		f = f*4294967296.0 + float64(t[i])
	}
	return f
}

// TargetToDiff is the inverse of DiffToTarget:
// diff = 0xFFFF0000 * 2^192 / target. A zero target yields +Inf.
func TargetToDiff(t Target) float64 {
	v := t.Big()
	if v.Sign() == 0 {
		return math.Inf(1)
	}
	num := new(big.Float).SetFloat64(maxMantissa)
	num.SetMantExp(num, 192)
	d, _ := new(big.Float).Quo(num, new(big.Float).SetInt(v)).Float64()
	return d
}

// NetworkDifficulty estimates the network difficulty from the nbits header
// word as stored in the header buffer.
func NetworkDifficulty(nbitsWord uint32) float64 {
	nbits := bits.ReverseBytes32(nbitsWord)
	mantissa := nbits & 0xffffff
	if mantissa == 0 {
		return 0
	}
	shift := int(nbitsWord & 0xff)

	d := float64(0xffff) / float64(mantissa)
	for m := shift; m < 29; m++ {
		d *= 256.0
	}
	for m := 29; m < shift; m++ {
		d /= 256.0
	}
	return d
}

// MeetsTarget reports whether hash <= target, comparing from the most
// significant word down. Equal values meet the target.
func MeetsTarget(hash, target [8]uint32) bool {
	for i := 7; i >= 0; i-- {
		if hash[i] > target[i] {
			return false
		}
		if hash[i] < target[i] {
			return true
		}
	}
	return true
}

// HashTargetRatio returns target/hash as doubles; share difficulty is the
// work difficulty times this ratio.
func HashTargetRatio(hash [8]uint32, target Target) float64 {
	h := Target(hash).Float()
	if h <= 0 {
		return 0
	}
	return target.Float() / h
}
