package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DecodeFloat32 widens len(dst) elements of precision p from src into dst.
func DecodeFloat32(dst []float32, src []byte, p Precision) {
	n := len(dst)
	switch p {
	case F32:
		for i := 0; i < n; i++ {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
	case F16:
		for i := 0; i < n; i++ {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(src[i*2:])).Float32()
		}
	case BF16:
		copy(dst, bfloat16.DecodeFloat32(src[:n*2]))
	case U8:
		for i := 0; i < n; i++ {
			dst[i] = float32(src[i])
		}
	case I32:
		for i := 0; i < n; i++ {
			dst[i] = float32(int32(binary.LittleEndian.Uint32(src[i*4:])))
		}
	default:
		panic(fmt.Sprintf("DecodeFloat32: %v", p))
	}
}

// EncodeFloat32 narrows src into dst using precision p. Integer targets are
// rounded half away from zero and saturated.
func EncodeFloat32(dst []byte, p Precision, src []float32) {
	switch p {
	case F32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	case F16:
		for i, v := range src {
			binary.LittleEndian.PutUint16(dst[i*2:], float16.Fromfloat32(v).Bits())
		}
	case BF16:
		rounded := make([]float32, len(src))
		for i, v := range src {
			rounded[i] = roundBF16(v)
		}
		copy(dst, bfloat16.EncodeFloat32(rounded))
	case U8:
		for i, v := range src {
			dst[i] = saturateU8(v)
		}
	case I32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(dst[i*4:], uint32(saturateI32(v)))
		}
	default:
		panic(fmt.Sprintf("EncodeFloat32: %v", p))
	}
}

// Convert copies n elements from src (precision srcP) to dst (precision dstP).
func Convert(dst []byte, dstP Precision, src []byte, srcP Precision, n int) {
	if n == 0 {
		return
	}
	if dstP == srcP {
		copy(dst[:n*dstP.Size()], src[:n*srcP.Size()])
		return
	}
	// chunked to bound the scratch size on large buffers
	const chunk = 4096
	tmp := make([]float32, min(n, chunk))
	for start := 0; start < n; start += chunk {
		m := min(chunk, n-start)
		DecodeFloat32(tmp[:m], src[start*srcP.Size():], srcP)
		EncodeFloat32(dst[start*dstP.Size():], dstP, tmp[:m])
	}
}

// roundBF16 rounds v to nearest even at bfloat16 precision, so the
// truncating encoder keeps the correctly rounded upper half.
func roundBF16(v float32) float32 {
	if v != v {
		return math.Float32frombits(0x7fc00000)
	}
	bits := math.Float32bits(v)
	bits += 0x7fff + ((bits >> 16) & 1)
	return math.Float32frombits(bits)
}

func saturateU8(v float32) uint8 {
	if v != v || v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}

func saturateI32(v float32) int32 {
	if v != v {
		return 0
	}
	r := math.Round(float64(v))
	if r >= math.MaxInt32 {
		return math.MaxInt32
	}
	if r <= math.MinInt32 {
		return math.MinInt32
	}
	return int32(r)
}
