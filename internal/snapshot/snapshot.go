// Package snapshot flattens KV-shaped state tensors into Arrow records so
// they can be inspected or handed to Arrow tooling, and rebuilds tensors
// from such records.
//
// A record has one row per (l, b, h) position and carries the head-size
// vector as a fixed_size_list<float32>.
package snapshot

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/quarrel-varstate/internal/tensor"
)

const precisionKey = "varstate.precision"

// Schema returns the record schema for head size s.
func Schema(s int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "l", Type: arrow.PrimitiveTypes.Int32},
		{Name: "b", Type: arrow.PrimitiveTypes.Int32},
		{Name: "h", Type: arrow.PrimitiveTypes.Int32},
		{Name: "row", Type: arrow.FixedSizeListOf(int32(s), arrow.PrimitiveTypes.Float32)},
	}, nil)
}

// ToRecord exports buf. order maps the buffer's logical axes to
// (L0, B, H, S) the same way a KV cache's dense order does. A nil alloc
// uses the Go allocator. The caller releases the record.
func ToRecord(alloc memory.Allocator, buf *tensor.Buffer, order []int) (arrow.Record, error) {
	if buf == nil {
		return nil, fmt.Errorf("nil buffer")
	}
	if buf.Desc().Rank() != 4 {
		return nil, fmt.Errorf("snapshot needs a rank 4 tensor, got %v", buf.Dims())
	}
	if alloc == nil {
		alloc = memory.NewGoAllocator()
	}
	v, err := tensor.NewView(buf).Permute(order)
	if err != nil {
		return nil, fmt.Errorf("invalid order: %w", err)
	}
	seqLen, batch, heads, headSize := v.Size(0), v.Size(1), v.Size(2), v.Size(3)

	md := arrow.NewMetadata([]string{precisionKey}, []string{buf.Desc().Precision().String()})
	schema := arrow.NewSchema(Schema(headSize).Fields(), &md)
	b := array.NewRecordBuilder(alloc, schema)
	defer b.Release()

	lb := b.Field(0).(*array.Int32Builder)
	bb := b.Field(1).(*array.Int32Builder)
	hb := b.Field(2).(*array.Int32Builder)
	rb := b.Field(3).(*array.FixedSizeListBuilder)
	vb := rb.ValueBuilder().(*array.Float32Builder)

	n := seqLen * batch * heads
	lb.Reserve(n)
	bb.Reserve(n)
	hb.Reserve(n)
	rb.Reserve(n)
	vb.Reserve(n * headSize)

	row := make([]float32, headSize)
	for l := 0; l < seqLen; l++ {
		for bi := 0; bi < batch; bi++ {
			for h := 0; h < heads; h++ {
				readRow(v, row, l, bi, h)
				lb.Append(int32(l))
				bb.Append(int32(bi))
				hb.Append(int32(h))
				rb.Append(true)
				vb.AppendValues(row, nil)
			}
		}
	}
	return b.NewRecord(), nil
}

// FromRecord rebuilds a tensor laid out by desc from a record produced by
// ToRecord. desc must be fully defined and order must match the export.
func FromRecord(rec arrow.Record, desc *tensor.Descriptor, order []int) (*tensor.Buffer, error) {
	if rec == nil || desc == nil {
		return nil, fmt.Errorf("nil record or descriptor")
	}
	width := rowWidth(rec)
	if width < 0 || !rec.Schema().Equal(Schema(int(width))) {
		return nil, fmt.Errorf("unexpected snapshot schema: %v", rec.Schema())
	}
	dense, err := tensor.NewDescriptor(desc.Dims(), tensor.F32, order)
	if err != nil {
		return nil, err
	}
	tmp, err := tensor.NewBuffer(dense)
	if err != nil {
		return nil, err
	}
	v, err := tensor.NewView(tmp).Permute(order)
	if err != nil {
		tmp.Release()
		return nil, err
	}
	seqLen, batch, heads, headSize := v.Size(0), v.Size(1), v.Size(2), v.Size(3)
	if int(width) != headSize || rec.NumRows() != int64(seqLen*batch*heads) {
		tmp.Release()
		return nil, fmt.Errorf("snapshot has %d rows of width %d, descriptor %v needs %d of width %d",
			rec.NumRows(), width, desc, seqLen*batch*heads, headSize)
	}

	ls := rec.Column(0).(*array.Int32)
	bs := rec.Column(1).(*array.Int32)
	hs := rec.Column(2).(*array.Int32)
	rows := rec.Column(3).(*array.FixedSizeList)
	values := rows.ListValues().(*array.Float32).Float32Values()
	dst := tmp.Float32s()
	for i := 0; i < int(rec.NumRows()); i++ {
		l, b, h := int(ls.Value(i)), int(bs.Value(i)), int(hs.Value(i))
		if l >= seqLen || b >= batch || h >= heads || l < 0 || b < 0 || h < 0 {
			tmp.Release()
			return nil, fmt.Errorf("row %d position (%d, %d, %d) outside %v", i, l, b, h, desc.Dims())
		}
		start, end := rows.ValueOffsets(i)
		off := v.Offset(l, b, h)
		copy(dst[off:off+headSize], values[start:end])
	}

	if dense.IsCompatible(desc) {
		return tmp, nil
	}
	out, err := tensor.NewBuffer(desc)
	if err != nil {
		tmp.Release()
		return nil, err
	}
	err = out.Load(tmp)
	tmp.Release()
	if err != nil {
		out.Release()
		return nil, err
	}
	return out, nil
}

// Precision reports the source precision stored in the record metadata.
func Precision(rec arrow.Record) (tensor.Precision, error) {
	md := rec.Schema().Metadata()
	idx := md.FindKey(precisionKey)
	if idx < 0 {
		return 0, fmt.Errorf("snapshot has no %s metadata", precisionKey)
	}
	return tensor.ParsePrecision(md.Values()[idx])
}

func rowWidth(rec arrow.Record) int32 {
	if rec.NumCols() != 4 {
		return -1
	}
	t, ok := rec.Schema().Field(3).Type.(*arrow.FixedSizeListType)
	if !ok {
		return -1
	}
	return t.Len()
}

func readRow(v tensor.View, dst []float32, l, b, h int) {
	if v.Stride(3) == 1 {
		tensor.DecodeFloat32(dst, v.Row(l, b, h), v.Precision())
		return
	}
	for i := range dst {
		dst[i] = v.Float32At(l, b, h, i)
	}
}
