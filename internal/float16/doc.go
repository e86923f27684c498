// Package float16 implements the float32 to float16 numeric codec used by the
// precision-downcast pass.
//
// The conversion is sign- and finiteness-preserving: zero, NaN and the
// infinities map to their half-precision counterparts unchanged. Finite values
// too small for float16 flush to the minimum positive magnitude instead of
// underflowing to zero, and finite values too large clamp to the maximum
// finite half value instead of overflowing to infinity. All other values
// round to nearest-even.
package float16
