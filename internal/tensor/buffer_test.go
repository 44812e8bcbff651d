package tensor

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestNewBufferRejectsUndefined(t *testing.T) {
	if _, err := NewBuffer(MustDescriptor([]int{UndefinedDim, 4}, F32, nil)); !errors.Is(err, ErrUndefinedDims) {
		t.Fatalf("expected ErrUndefinedDims, got %v", err)
	}
	if _, err := NewBuffer(nil); err == nil {
		t.Fatal("expected error for nil descriptor")
	}
}

func TestFromFloat32Layouts(t *testing.T) {
	values := []float32{0, 1, 2, 3, 4, 5}
	tests := []struct {
		name  string
		p     Precision
		order []int
		raw   func(*Buffer) []float32
		want  []float32
	}{
		{"row major f32", F32, nil, (*Buffer).Float32s, values},
		{"column major f32", F32, []int{1, 0}, (*Buffer).Float32s, []float32{0, 3, 1, 4, 2, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := FromFloat32(MustDescriptor([]int{2, 3}, tt.p, tt.order), values)
			if err != nil {
				t.Fatalf("FromFloat32: %v", err)
			}
			if diff := cmp.Diff(tt.want, tt.raw(b)); diff != "" {
				t.Errorf("storage (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(values, b.ToFloat32()); diff != "" {
				t.Errorf("logical values (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := FromFloat32(MustDescriptor([]int{2, 3}, F32, nil), values[:4]); err == nil {
		t.Error("expected length mismatch error")
	}
}

func TestLoadConvertsPrecision(t *testing.T) {
	values := []float32{-2, -0.5, 0, 0.25, 1.5, 3}
	for _, p := range []Precision{F16, BF16} {
		src, err := FromFloat32(MustDescriptor([]int{6}, F32, nil), values)
		if err != nil {
			t.Fatal(err)
		}
		dst, err := NewBuffer(MustDescriptor([]int{6}, p, nil))
		if err != nil {
			t.Fatal(err)
		}
		if err := dst.Load(src); err != nil {
			t.Fatalf("%v Load: %v", p, err)
		}
		// all values are exactly representable in both half formats
		if diff := cmp.Diff(values, dst.ToFloat32()); diff != "" {
			t.Errorf("%v round trip (-want +got):\n%s", p, diff)
		}
	}
}

func TestLoadSaturatesIntegers(t *testing.T) {
	src, err := FromFloat32(MustDescriptor([]int{4}, F32, nil), []float32{-3, 1.4, 1.6, 300})
	if err != nil {
		t.Fatal(err)
	}
	dst, err := NewBuffer(MustDescriptor([]int{4}, U8, nil))
	if err != nil {
		t.Fatal(err)
	}
	if err := dst.Load(src); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint8{0, 1, 2, 255}, dst.Uint8s()); diff != "" {
		t.Errorf("u8 saturation (-want +got):\n%s", diff)
	}
}

func TestLoadReordersAndConverts(t *testing.T) {
	values := make([]float32, 24)
	for i := range values {
		values[i] = float32(i) / 4
	}
	src, err := FromFloat32(MustDescriptor([]int{2, 3, 4}, F32, nil), values)
	if err != nil {
		t.Fatal(err)
	}
	dst, err := NewBuffer(MustDescriptor([]int{2, 3, 4}, F16, []int{2, 0, 1}))
	if err != nil {
		t.Fatal(err)
	}
	if err := dst.Load(src); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(values, dst.ToFloat32(), cmpopts.EquateApprox(1e-3, 0)); diff != "" {
		t.Errorf("reordered values (-want +got):\n%s", diff)
	}

	bad, _ := NewBuffer(MustDescriptor([]int{4, 3, 2}, F32, nil))
	if err := bad.Load(src); err == nil {
		t.Error("expected shape mismatch error")
	}
}

func TestLoadReorderKeepsIntegers(t *testing.T) {
	src, err := NewBuffer(MustDescriptor([]int{2, 3}, I32, nil))
	if err != nil {
		t.Fatal(err)
	}
	want := []int32{1<<24 + 1, -(1<<30 + 3), 7, 1<<31 - 1, 16777217, -1}
	copy(src.Int32s(), want)

	dst, err := NewBuffer(MustDescriptor([]int{2, 3}, I32, []int{1, 0}))
	if err != nil {
		t.Fatal(err)
	}
	if err := dst.Load(src); err != nil {
		t.Fatalf("Load: %v", err)
	}
	// column major
	colMajor := []int32{want[0], want[3], want[1], want[4], want[2], want[5]}
	if diff := cmp.Diff(colMajor, dst.Int32s()); diff != "" {
		t.Errorf("reordered i32 (-want +got):\n%s", diff)
	}
}

func TestRedefineReusesStorage(t *testing.T) {
	b, err := NewBuffer(MustDescriptor([]int{4, 4}, F32, nil))
	if err != nil {
		t.Fatal(err)
	}
	before := &b.Bytes()[0]

	if err := b.Redefine(MustDescriptor([]int{2, 4}, F32, nil)); err != nil {
		t.Fatal(err)
	}
	if len(b.Bytes()) != 32 || &b.Bytes()[0] != before {
		t.Error("shrinking should reuse storage")
	}

	if err := b.Redefine(MustDescriptor([]int{8, 4}, F32, nil)); err != nil {
		t.Fatal(err)
	}
	if len(b.Bytes()) != 128 {
		t.Errorf("grown buffer has %d bytes", len(b.Bytes()))
	}

	if err := b.Redefine(MustDescriptor([]int{UndefinedDim, 4}, F32, nil)); !errors.Is(err, ErrUndefinedDims) {
		t.Errorf("expected ErrUndefinedDims, got %v", err)
	}
	b.Release()
}

func TestLiveBytesTracking(t *testing.T) {
	start := LiveBytes()

	b, err := NewBuffer(MustDescriptor([]int{16}, F32, nil))
	if err != nil {
		t.Fatal(err)
	}
	if got := LiveBytes() - start; got != 64 {
		t.Errorf("after alloc: %d live bytes, want 64", got)
	}

	alias := b.Alias()
	alias.Release()
	if got := LiveBytes() - start; got != 64 {
		t.Errorf("releasing an alias changed live bytes to %d", got)
	}

	c := b.Clone()
	if got := LiveBytes() - start; got != 128 {
		t.Errorf("after clone: %d live bytes, want 128", got)
	}

	if err := b.Redefine(MustDescriptor([]int{32}, F32, nil)); err != nil {
		t.Fatal(err)
	}
	if got := LiveBytes() - start; got != 192 {
		t.Errorf("after grow: %d live bytes, want 192", got)
	}

	b.Release()
	c.Release()
	c.Release()
	if got := LiveBytes() - start; got != 0 {
		t.Errorf("after release: %d live bytes, want 0", got)
	}
}

func TestNullifyAndAlias(t *testing.T) {
	b, err := FromFloat32(MustDescriptor([]int{3}, F32, nil), []float32{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	a := b.Alias()
	b.Nullify()
	if diff := cmp.Diff([]float32{0, 0, 0}, a.Float32s()); diff != "" {
		t.Errorf("alias should observe Nullify (-want +got):\n%s", diff)
	}

	c := b.Clone()
	c.Float32s()[0] = 9
	if b.Float32s()[0] != 0 {
		t.Error("Clone must not share storage")
	}
}

func TestFromBytes(t *testing.T) {
	desc := MustDescriptor([]int{2}, I32, nil)
	if _, err := FromBytes(desc, make([]byte, 4)); err == nil {
		t.Error("expected short buffer error")
	}
	raw := make([]byte, 8)
	b, err := FromBytes(desc, raw)
	if err != nil {
		t.Fatal(err)
	}
	b.Int32s()[1] = -7
	if raw[4] != 0xf9 {
		t.Errorf("FromBytes must wrap caller storage, raw = %v", raw)
	}
}
