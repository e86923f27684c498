package float16

import (
	"encoding/binary"
	"math"
)

// Saturation bounds for the float32 -> float16 conversion.
//
// MinPositive is the smallest magnitude a finite non-zero float32 is allowed
// to shrink to: anything between zero and this value is flushed up to it
// instead of underflowing to zero. MaxFinite is the largest finite float16
// value; larger finite float32 values clamp to it instead of overflowing
// to infinity.
const (
	MinPositive = 5.96e-8
	MaxFinite   = 65504.0
)

// Float16 bit patterns.
const (
	signMask16     = 0x8000
	expMask16      = 0x7C00
	mantMask16     = 0x03FF
	quietNaN16     = 0x7E00
	positiveInf16  = 0x7C00
	maxFiniteBits  = 0x7BFF
	exponentBias16 = 15
	exponentBias32 = 127
)

// FromFloat32 converts a float32 to float16 bits, preserving sign and
// finiteness. Zero, NaN and the infinities pass through unchanged (modulo
// width). Finite values below MinPositive in magnitude are flushed to
// ±MinPositive, finite values above MaxFinite clamp to ±MaxFinite, and
// everything else rounds to nearest-even.
func FromFloat32(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & signMask16

	switch {
	case f != f:
		return sign | quietNaN16
	case math.IsInf(float64(f), 0):
		return sign | positiveInf16
	case f == 0:
		// Preserves -0.
		return sign
	}

	abs := math.Float32frombits(bits &^ (1 << 31))
	switch {
	case abs > MaxFinite:
		return sign | maxFiniteBits
	case abs < MinPositive:
		abs = MinPositive
	}

	bits = math.Float32bits(abs)
	exp := int32(bits>>23&0xFF) - exponentBias32 + exponentBias16
	mant := bits & 0x7FFFFF

	if exp <= 0 {
		// Subnormal float16. The flush above guarantees the value is at
		// least ~2^-25, so at most one extra shift position is needed.
		if exp < -10 {
			return sign
		}
		mant |= 1 << 23
		shift := uint32(14 - exp) //nolint:gosec // exp in [-10, 0], shift in [14, 24].
		half := uint16(mant >> shift)
		rem := mant & (1<<shift - 1)
		halfway := uint32(1) << (shift - 1)
		if rem > halfway || (rem == halfway && half&1 == 1) {
			half++
		}
		return sign | half
	}

	half := uint16(exp)<<10 | uint16(mant>>13) //nolint:gosec // exp < 31 for clamped finite input.
	rem := mant & 0x1FFF
	if rem > 0x1000 || (rem == 0x1000 && half&1 == 1) {
		// Mantissa carry may ripple into the exponent; the clamp above
		// keeps the result below infinity.
		half++
	}
	return sign | half
}

// ToFloat32 converts half precision (IEEE 754) bits to float32.
func ToFloat32(h uint16) float32 {
	sign := (h >> 15) & 0x1
	exp := (h >> 10) & 0x1F
	mant := h & mantMask16

	var result uint32

	switch exp {
	case 0:
		if mant == 0 {
			// Zero.
			result = uint32(sign) << 31
		} else {
			// Subnormal number - normalize it.
			exp = 1
			for (mant & 0x400) == 0 {
				mant <<= 1
				exp--
			}
			mant &= mantMask16
			result = (uint32(sign) << 31) | (uint32(exp+exponentBias32-exponentBias16) << 23) | (uint32(mant) << 13)
		}
	case 0x1F:
		// Inf or NaN.
		result = (uint32(sign) << 31) | 0x7F800000 | (uint32(mant) << 13)
	default:
		// Normal number.
		result = (uint32(sign) << 31) | (uint32(exp+exponentBias32-exponentBias16) << 23) | (uint32(mant) << 13)
	}

	return math.Float32frombits(result)
}

// EncodeSlice converts float32 values to packed little-endian float16 bytes.
func EncodeSlice(values []float32) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[i*2:], FromFloat32(v))
	}
	return out
}

// DecodeSlice converts packed little-endian float16 bytes back to float32.
// Trailing odd bytes are ignored.
func DecodeSlice(data []byte) []float32 {
	out := make([]float32, 0, len(data)/2)
	for i := 0; i+2 <= len(data); i += 2 {
		out = append(out, ToFloat32(binary.LittleEndian.Uint16(data[i:])))
	}
	return out
}
