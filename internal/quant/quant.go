// Package quant implements group-affine quantization of float32 values to
// 8-bit unsigned codes.
//
// A group of values with range [lo, hi] is encoded with
//
//	scale = (hi - lo) / 255
//	zp    = lo
//	code  = round((v - zp) / scale)   clamped to [0, 255]
//
// and decoded as v = code*scale + zp, so the reconstruction error of any value
// inside the group is at most scale/2. Scales and zero points are returned to
// the caller, which keeps them in a separate float32 buffer.
package quant

import "math"

// MaxCode is the largest 8-bit code.
const MaxCode = 255

// minScale replaces a zero scale for constant groups so decoding stays finite.
const minScale = 0.0001

// Params derives the scale and zero point for the range [lo, hi].
func Params(lo, hi float32) (scale, zp float32) {
	scale = (hi - lo) / MaxCode
	if scale == 0 {
		scale = minScale
	}
	return scale, lo
}

func encode(v, scale, zp float32) uint8 {
	q := (v - zp) / scale
	if q != q || q <= 0 {
		return 0
	}
	if q >= MaxCode {
		return MaxCode
	}
	return uint8(q + 0.5)
}

func minMax(src []float32) (lo, hi float32) {
	lo, hi = float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range src {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// QuantizeU8 encodes one contiguous group. dst must hold len(src) codes.
func QuantizeU8(src []float32, dst []uint8) (scale, zp float32) {
	if len(src) == 0 {
		return minScale, 0
	}
	scale, zp = Params(minMax(src))
	dst = dst[:len(src)]
	for i, v := range src {
		dst[i] = encode(v, scale, zp)
	}
	return scale, zp
}

// DequantizeU8 decodes one contiguous group.
func DequantizeU8(src []uint8, dst []float32, scale, zp float32) {
	dst = dst[:len(src)]
	for i, q := range src {
		dst[i] = float32(q)*scale + zp
	}
}

// QuantizeByChannelU8 encodes a rows x cols block where every column is its
// own group. Row r of the input starts at src[r*srcStride] and row r of the
// output at dst[r*dstStride]. scale and zp receive one entry per column.
func QuantizeByChannelU8(src []float32, dst []uint8, rows, cols, srcStride, dstStride int, scale, zp []float32) {
	if rows <= 0 || cols <= 0 {
		return
	}
	lo := make([]float32, cols)
	hi := make([]float32, cols)
	copy(lo, src[:cols])
	copy(hi, src[:cols])
	for r := 1; r < rows; r++ {
		row := src[r*srcStride : r*srcStride+cols]
		for c, v := range row {
			if v < lo[c] {
				lo[c] = v
			}
			if v > hi[c] {
				hi[c] = v
			}
		}
	}
	for c := 0; c < cols; c++ {
		scale[c], zp[c] = Params(lo[c], hi[c])
	}
	for r := 0; r < rows; r++ {
		row := src[r*srcStride : r*srcStride+cols]
		out := dst[r*dstStride : r*dstStride+cols]
		for c, v := range row {
			out[c] = encode(v, scale[c], zp[c])
		}
	}
}

// DequantizeByChannelU8 is the inverse of QuantizeByChannelU8.
func DequantizeByChannelU8(src []uint8, dst []float32, rows, cols, srcStride, dstStride int, scale, zp []float32) {
	for r := 0; r < rows; r++ {
		in := src[r*srcStride : r*srcStride+cols]
		out := dst[r*dstStride : r*dstStride+cols]
		for c, q := range in {
			out[c] = float32(q)*scale[c] + zp[c]
		}
	}
}

// MaxAbsError returns max |a[i]-b[i]| over the common prefix.
func MaxAbsError(a, b []float32) float32 {
	var m float32
	for i := range min(len(a), len(b)) {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		if d > m {
			m = d
		}
	}
	return m
}
