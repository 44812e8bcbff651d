package tensor

import (
	"fmt"
	"slices"
	"sync/atomic"
	"unsafe"

	"github.com/23skdu/quarrel-varstate/internal/metrics"
)

var liveBytes int64

func traceAlloc(delta int64) {
	if delta == 0 {
		return
	}
	metrics.RecordBufferBytes(atomic.AddInt64(&liveBytes, delta))
}

// LiveBytes returns the bytes currently held by buffers that own their storage.
func LiveBytes() int64 {
	return atomic.LoadInt64(&liveBytes)
}

// Buffer is a block of host memory plus the descriptor that interprets it.
type Buffer struct {
	desc  *Descriptor
	data  []byte
	alias bool
}

// NewBuffer allocates a zero-filled buffer for a fully defined descriptor.
func NewBuffer(desc *Descriptor) (*Buffer, error) {
	if desc == nil {
		return nil, fmt.Errorf("nil descriptor")
	}
	if !desc.IsDefined() {
		return nil, fmt.Errorf("%w: %v", ErrUndefinedDims, desc.Dims())
	}
	size := desc.ByteSize()
	traceAlloc(int64(size))
	return &Buffer{desc: desc, data: make([]byte, size)}, nil
}

// FromBytes wraps caller-provided storage without copying.
func FromBytes(desc *Descriptor, data []byte) (*Buffer, error) {
	if !desc.IsDefined() {
		return nil, fmt.Errorf("%w: %v", ErrUndefinedDims, desc.Dims())
	}
	if len(data) < desc.ByteSize() {
		return nil, fmt.Errorf("buffer too small: %d bytes for %v (need %d)", len(data), desc, desc.ByteSize())
	}
	return &Buffer{desc: desc, data: data[:desc.ByteSize()], alias: true}, nil
}

// FromFloat32 builds an F32 (or converted) buffer from values in logical row-major order.
func FromFloat32(desc *Descriptor, values []float32) (*Buffer, error) {
	if len(values) != desc.NumElements() {
		return nil, fmt.Errorf("got %d values for %v", len(values), desc)
	}
	plain, err := NewDescriptor(desc.Dims(), desc.Precision(), nil)
	if err != nil {
		return nil, err
	}
	tmp, err := NewBuffer(plain)
	if err != nil {
		return nil, err
	}
	defer tmp.Release()
	EncodeFloat32(tmp.data, plain.Precision(), values)
	if plain.IsCompatible(desc) {
		return tmp.Clone(), nil
	}
	out, err := NewBuffer(desc)
	if err != nil {
		return nil, err
	}
	if err := out.Load(tmp); err != nil {
		out.Release()
		return nil, err
	}
	return out, nil
}

func (b *Buffer) Desc() *Descriptor { return b.desc }
func (b *Buffer) Dims() []int       { return b.desc.Dims() }
func (b *Buffer) Bytes() []byte     { return b.data }

// ElementCount is the number of elements the current descriptor covers.
func (b *Buffer) ElementCount() int { return b.desc.NumElements() }

// Redefine swaps the descriptor. Contents are undefined afterwards; storage
// is reused when it is large enough.
func (b *Buffer) Redefine(desc *Descriptor) error {
	if !desc.IsDefined() {
		return fmt.Errorf("%w: %v", ErrUndefinedDims, desc.Dims())
	}
	size := desc.ByteSize()
	if size <= cap(b.data) {
		b.data = b.data[:size]
	} else {
		delta := int64(size)
		if !b.alias {
			delta -= int64(cap(b.data))
		}
		traceAlloc(delta)
		b.data = make([]byte, size)
		b.alias = false
	}
	b.desc = desc
	return nil
}

// Nullify zero-fills the buffer.
func (b *Buffer) Nullify() {
	clear(b.data)
}

// Alias returns a second handle over the same storage.
func (b *Buffer) Alias() *Buffer {
	return &Buffer{desc: b.desc, data: b.data, alias: true}
}

// Clone deep-copies the buffer.
func (b *Buffer) Clone() *Buffer {
	data := make([]byte, len(b.data))
	copy(data, b.data)
	traceAlloc(int64(len(data)))
	return &Buffer{desc: b.desc, data: data}
}

// Release drops the storage. The buffer must not be used afterwards.
func (b *Buffer) Release() {
	if b == nil || b.data == nil {
		return
	}
	if !b.alias {
		traceAlloc(-int64(cap(b.data)))
	}
	b.data = nil
}

// Load copies src into b, converting precision and reordering layout as
// needed. Both buffers must have the same logical dims.
func (b *Buffer) Load(src *Buffer) error {
	if !slices.Equal(b.desc.dims, src.desc.dims) {
		return fmt.Errorf("load shape mismatch: %v into %v", src.desc.dims, b.desc.dims)
	}
	n := b.desc.NumElements()
	if n == 0 {
		return nil
	}
	if slices.Equal(b.desc.order, src.desc.order) {
		Convert(b.data, b.desc.precision, src.data, src.desc.precision, n)
		return nil
	}
	reorder(b, src)
	return nil
}

// reorder walks the destination in physical order and gathers each element
// from the source's strides. Equal precisions copy raw element bytes so
// integer values are not rounded through float32.
func reorder(dst, src *Buffer) {
	rank := dst.desc.Rank()
	dims := dst.desc.dims
	srcStrides := src.desc.Strides()
	dstStrides := dst.desc.Strides()
	inner := dst.desc.order[rank-1]
	rowLen := dims[inner]

	es := src.desc.precision.Size()
	ds := dst.desc.precision.Size()
	sameP := src.desc.precision == dst.desc.precision
	var row []float32
	if !sameP {
		row = make([]float32, rowLen)
	}
	srcRow := make([]byte, rowLen*es)
	idx := make([]int, rank)
	for {
		srcOff, dstOff := 0, 0
		for axis, i := range idx {
			srcOff += i * srcStrides[axis]
			dstOff += i * dstStrides[axis]
		}
		for k := 0; k < rowLen; k++ {
			o := (srcOff + k*srcStrides[inner]) * es
			copy(srcRow[k*es:(k+1)*es], src.data[o:o+es])
		}
		if sameP {
			copy(dst.data[dstOff*ds:(dstOff+rowLen)*ds], srcRow)
		} else {
			DecodeFloat32(row, srcRow, src.desc.precision)
			EncodeFloat32(dst.data[dstOff*ds:], dst.desc.precision, row)
		}

		// advance every axis except the innermost physical one
		p := rank - 2
		for ; p >= 0; p-- {
			axis := dst.desc.order[p]
			idx[axis]++
			if idx[axis] < dims[axis] {
				break
			}
			idx[axis] = 0
		}
		if p < 0 {
			return
		}
	}
}

// Float32s views the storage as float32. Panics on other precisions.
func (b *Buffer) Float32s() []float32 {
	if b.desc.precision != F32 {
		panic(fmt.Sprintf("buffer precision is %s, not f32", b.desc.precision))
	}
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b.data[0])), len(b.data)/4)
}

// Int32s views the storage as int32. Panics on other precisions.
func (b *Buffer) Int32s() []int32 {
	if b.desc.precision != I32 {
		panic(fmt.Sprintf("buffer precision is %s, not i32", b.desc.precision))
	}
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&b.data[0])), len(b.data)/4)
}

// Uint8s views the storage as uint8. Panics on other precisions.
func (b *Buffer) Uint8s() []uint8 {
	if b.desc.precision != U8 {
		panic(fmt.Sprintf("buffer precision is %s, not u8", b.desc.precision))
	}
	return b.data
}

// ToFloat32 returns the contents widened to float32 in logical row-major order.
func (b *Buffer) ToFloat32() []float32 {
	plain := MustDescriptor(b.desc.dims, F32, nil)
	out := &Buffer{desc: plain, data: make([]byte, plain.ByteSize()), alias: true}
	if err := out.Load(b); err != nil {
		panic(err)
	}
	return out.Float32s()
}
