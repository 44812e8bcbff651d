package quant

import (
	"math"
	"math/rand"
	"testing"
)

// tolerance for float rounding on top of the scale/2 bound
const eps = 1e-5

func TestParams(t *testing.T) {
	scale, zp := Params(-1, 1)
	if math.Abs(float64(scale-2.0/255)) > 1e-9 {
		t.Errorf("expected scale 2/255, got %v", scale)
	}
	if zp != -1 {
		t.Errorf("expected zero point -1, got %v", zp)
	}

	scale, zp = Params(3, 3)
	if scale != minScale || zp != 3 {
		t.Errorf("constant range: got scale=%v zp=%v", scale, zp)
	}
}

func TestQuantizeU8TwoGroups(t *testing.T) {
	const groupSize = 8
	src := make([]float32, 16)
	for i := range src {
		src[i] = float32(i)
	}
	codes := make([]uint8, len(src))
	out := make([]float32, len(src))

	for g := 0; g < len(src)/groupSize; g++ {
		in := src[g*groupSize : (g+1)*groupSize]
		scale, zp := QuantizeU8(in, codes[g*groupSize:])

		wantScale, wantZP := Params(in[0], in[groupSize-1])
		if scale != wantScale || zp != wantZP {
			t.Fatalf("group %d: params (%v,%v), want (%v,%v)", g, scale, zp, wantScale, wantZP)
		}
		if zp != float32(g*groupSize) {
			t.Errorf("group %d: zero point should be the group minimum, got %v", g, zp)
		}
		if math.Abs(float64(scale-7.0/255)) > 1e-7 {
			t.Errorf("group %d: expected scale 7/255, got %v", g, scale)
		}

		DequantizeU8(codes[g*groupSize:(g+1)*groupSize], out[g*groupSize:], scale, zp)
		for i, v := range in {
			got := out[g*groupSize+i]
			if d := math.Abs(float64(got - v)); d > float64(scale)/2+eps {
				t.Errorf("value %v decoded as %v (err %v > %v)", v, got, d, scale/2)
			}
		}
	}

	if codes[0] != 0 || codes[7] != MaxCode || codes[8] != 0 || codes[15] != MaxCode {
		t.Errorf("group extremes should map to 0 and 255: %v", codes)
	}
}

func TestQuantizeU8BoundedError(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for trial := 0; trial < 50; trial++ {
		n := 1 + r.Intn(128)
		src := make([]float32, n)
		for i := range src {
			src[i] = (r.Float32()*2 - 1) * float32(1+trial)
		}
		codes := make([]uint8, n)
		out := make([]float32, n)
		scale, zp := QuantizeU8(src, codes)
		DequantizeU8(codes, out, scale, zp)
		if e := MaxAbsError(src, out); float64(e) > float64(scale)/2+eps*float64(1+trial) {
			t.Fatalf("trial %d: max error %v exceeds scale/2 = %v", trial, e, scale/2)
		}
	}
}

func TestQuantizeU8ConstantGroup(t *testing.T) {
	src := []float32{2.5, 2.5, 2.5, 2.5}
	codes := make([]uint8, 4)
	out := make([]float32, 4)
	scale, zp := QuantizeU8(src, codes)
	DequantizeU8(codes, out, scale, zp)
	for i, v := range out {
		if v != 2.5 {
			t.Errorf("index %d: constant group decoded as %v", i, v)
		}
		if codes[i] != 0 {
			t.Errorf("index %d: expected code 0, got %d", i, codes[i])
		}
	}
}

func TestQuantizeU8Empty(t *testing.T) {
	scale, _ := QuantizeU8(nil, nil)
	if scale == 0 {
		t.Error("empty group must still return a usable scale")
	}
}

func TestByChannelBoundedError(t *testing.T) {
	const rows, cols = 5, 6
	const srcStride, dstStride = cols, cols + 3 // padded output rows
	r := rand.New(rand.NewSource(7))
	src := make([]float32, rows*srcStride)
	for i := range src {
		// column c lives around 10*c so every column needs its own range
		src[i] = float32(10*(i%cols)) + r.Float32()
	}
	codes := make([]uint8, rows*dstStride)
	scale := make([]float32, cols)
	zp := make([]float32, cols)
	QuantizeByChannelU8(src, codes, rows, cols, srcStride, dstStride, scale, zp)

	for c := 0; c < cols; c++ {
		if zp[c] < float32(10*c) || zp[c] > float32(10*c+1) {
			t.Errorf("column %d: zero point %v outside the column range", c, zp[c])
		}
	}

	out := make([]float32, rows*cols)
	DequantizeByChannelU8(codes, out, rows, cols, dstStride, cols, scale, zp)
	for row := 0; row < rows; row++ {
		for c := 0; c < cols; c++ {
			want := src[row*srcStride+c]
			got := out[row*cols+c]
			if d := math.Abs(float64(got - want)); d > float64(scale[c])/2+eps {
				t.Errorf("[%d,%d]: %v decoded as %v (scale %v)", row, c, want, got, scale[c])
			}
		}
	}
}

func TestByChannelSingleRow(t *testing.T) {
	src := []float32{-3, 0, 7}
	codes := make([]uint8, 3)
	scale := make([]float32, 3)
	zp := make([]float32, 3)
	QuantizeByChannelU8(src, codes, 1, 3, 3, 3, scale, zp)

	out := make([]float32, 3)
	DequantizeByChannelU8(codes, out, 1, 3, 3, 3, scale, zp)
	for i := range src {
		if out[i] != src[i] {
			t.Errorf("single-row channel %d: got %v want %v", i, out[i], src[i])
		}
	}
}

func TestEncodeSaturates(t *testing.T) {
	if got := encode(-5, 1, 0); got != 0 {
		t.Errorf("below range: got %d", got)
	}
	if got := encode(1000, 1, 0); got != MaxCode {
		t.Errorf("above range: got %d", got)
	}
	if got := encode(float32(math.NaN()), 1, 0); got != 0 {
		t.Errorf("NaN: got %d", got)
	}
}

func BenchmarkQuantizeU8(b *testing.B) {
	src := make([]float32, 128)
	for i := range src {
		src[i] = float32(i) * 0.1
	}
	dst := make([]uint8, 128)
	b.SetBytes(int64(len(src) * 4))
	for i := 0; i < b.N; i++ {
		QuantizeU8(src, dst)
	}
}
