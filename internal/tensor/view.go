package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
)

// View is a strided window over a buffer's storage. Permuting a view only
// reorders its dims and strides; the bytes are shared.
type View struct {
	data      []byte
	precision Precision
	dims      []int
	strides   []int // in elements
}

// NewView exposes b with the strides implied by its descriptor's order.
func NewView(b *Buffer) View {
	return View{
		data:      b.data,
		precision: b.desc.precision,
		dims:      b.desc.Dims(),
		strides:   b.desc.Strides(),
	}
}

// Permute returns a view whose axis i is the receiver's axis order[i].
func (v View) Permute(order []int) (View, error) {
	if err := validateOrder(order, len(v.dims)); err != nil {
		return View{}, err
	}
	out := View{
		data:      v.data,
		precision: v.precision,
		dims:      make([]int, len(order)),
		strides:   make([]int, len(order)),
	}
	for i, o := range order {
		out.dims[i] = v.dims[o]
		out.strides[i] = v.strides[o]
	}
	return out, nil
}

func (v View) Rank() int            { return len(v.dims) }
func (v View) Size(i int) int       { return v.dims[i] }
func (v View) Stride(i int) int     { return v.strides[i] }
func (v View) Dims() []int          { return slices.Clone(v.dims) }
func (v View) Precision() Precision { return v.precision }

// Offset returns the element offset of a (possibly partial) index.
func (v View) Offset(idx ...int) int {
	if len(idx) > len(v.dims) {
		panic(fmt.Sprintf("index %v exceeds rank %d", idx, len(v.dims)))
	}
	off := 0
	for i, x := range idx {
		off += x * v.strides[i]
	}
	return off
}

// Span returns the bytes of n contiguous elements starting at idx.
func (v View) Span(n int, idx ...int) []byte {
	es := v.precision.Size()
	start := v.Offset(idx...) * es
	return v.data[start : start+n*es]
}

// Row returns the bytes of the last axis at the given leading index. The last
// axis must be unit-stride.
func (v View) Row(idx ...int) []byte {
	last := len(v.dims) - 1
	if v.strides[last] != 1 {
		panic(fmt.Sprintf("row access on non-contiguous axis (stride %d)", v.strides[last]))
	}
	return v.Span(v.dims[last], idx...)
}

func (v View) Int32At(idx ...int) int32 {
	if v.precision != I32 {
		panic(fmt.Sprintf("Int32At on %s view", v.precision))
	}
	return int32(binary.LittleEndian.Uint32(v.Span(1, idx...)))
}

func (v View) SetInt32(x int32, idx ...int) {
	if v.precision != I32 {
		panic(fmt.Sprintf("SetInt32 on %s view", v.precision))
	}
	binary.LittleEndian.PutUint32(v.Span(1, idx...), uint32(x))
}

// Float32At reads one element of any float-convertible precision.
func (v View) Float32At(idx ...int) float32 {
	if v.precision == F32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(v.Span(1, idx...)))
	}
	var out [1]float32
	DecodeFloat32(out[:], v.Span(1, idx...), v.precision)
	return out[0]
}
