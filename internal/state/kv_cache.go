package state

import (
	"fmt"
	"slices"
	"time"

	"github.com/23skdu/quarrel-varstate/internal/logger"
	"github.com/23skdu/quarrel-varstate/internal/metrics"
	"github.com/23skdu/quarrel-varstate/internal/parallel"
	"github.com/23skdu/quarrel-varstate/internal/quant"
	"github.com/23skdu/quarrel-varstate/internal/tensor"
)

// KVCache stores attention key or value history.
//
// The dense internal descriptor's order names the four KV axes: order[0] is
// the sequence axis (L0), then batch (B), heads (H) and head size (S), so a
// view permuted by that order is always indexed [L0, B, H, S]. With a u8
// internal precision every value is stored as an 8-bit code next to f32
// scale/zero-point pairs:
//
//	by channel: [2*ceil(L0/G), B, H, S], scale at row 2g, zero point at 2g+1
//	by group:   [L0, B, H, 2*S/G], scale at 2g, zero point at 2g+1
//
// The beam table is an i32 [B, L0] matrix. When State assembles output row
// (m, b, h) it reads internal row (m, beam[b][m], h).
type KVCache struct {
	base
	dense          *tensor.Descriptor
	quantByChannel bool
	groupSize      int
	pool           *parallel.Pool

	internal  *tensor.Buffer
	beamTable *tensor.Buffer
	scaleZP   *tensor.Buffer

	// buffers installed by SetState are ours to release
	ownsInternal bool
	ownsBeam     bool
	ownsScaleZP  bool

	internalMaxSize int
	hiddenMaxSize   int
}

// DenseKVOrder is the internal order for an external [B, H, L, S] layout:
// sequence outermost, then batch, heads and head size.
func DenseKVOrder() []int { return []int{2, 0, 1, 3} }

// NewKVCache creates an empty cache. external must have at least one
// undefined dim and both descriptors must be rank 4. A nil pool runs
// sequentially.
func NewKVCache(name string, external, dense *tensor.Descriptor, quantByChannel bool, groupSize int, pool *parallel.Pool) (*KVCache, error) {
	if external == nil || dense == nil {
		return nil, fmt.Errorf("%w: kv cache %q needs external and internal descriptors", ErrPrecondition, name)
	}
	if external.IsDefined() {
		return nil, fmt.Errorf("%w: %q has %v", ErrStaticDescriptor, name, external.Dims())
	}
	if external.Rank() != 4 || dense.Rank() != 4 {
		return nil, fmt.Errorf("%w: kv cache %q needs rank 4, got external %d internal %d", ErrRank, name, external.Rank(), dense.Rank())
	}
	if dense.Precision() == tensor.U8 && groupSize <= 0 {
		return nil, fmt.Errorf("%w: %d for %q", ErrGroupSize, groupSize, name)
	}
	if pool == nil {
		pool = parallel.Sequential()
	}
	k := &KVCache{
		base:           newBase(name, KindKVCache, external),
		dense:          dense,
		quantByChannel: quantByChannel,
		groupSize:      groupSize,
		pool:           pool,
	}
	k.impl = k
	return k, nil
}

func (k *KVCache) InternalDesc() *tensor.Descriptor { return k.dense }
func (k *KVCache) InputMem() *tensor.Buffer         { return k.internal }
func (k *KVCache) OutputMem() *tensor.Buffer        { return k.internal }
func (k *KVCache) InternalStateMem() *tensor.Buffer { return k.internal }

// HiddenStateMem returns the beam table.
func (k *KVCache) HiddenStateMem() *tensor.Buffer { return k.beamTable }
func (k *KVCache) ScaleZeroPoint() *tensor.Buffer { return k.scaleZP }

func (k *KVCache) GroupSize() int          { return k.groupSize }
func (k *KVCache) QuantByChannel() bool    { return k.quantByChannel }
func (k *KVCache) InternalMemMaxSize() int { return k.internalMaxSize }
func (k *KVCache) HiddenStateMaxSize() int { return k.hiddenMaxSize }

// SetInternalMemMaxSize records the element capacity of the internal buffer
// after the framework grew it in place.
func (k *KVCache) SetInternalMemMaxSize(n int) {
	k.internalMaxSize = n
	metrics.RecordCapacity(k.name, "internal", n)
}

func (k *KVCache) SetHiddenStateMaxSize(n int) {
	k.hiddenMaxSize = n
	metrics.RecordCapacity(k.name, "beam_table", n)
}

// AssignInternalState binds a buffer the framework wrote KV data into.
func (k *KVCache) AssignInternalState(buf *tensor.Buffer) {
	k.releaseInternal()
	k.internal = buf
	k.ownsInternal = false
	if buf != nil {
		k.SetInternalMemMaxSize(buf.ElementCount())
	}
}

// AssignHiddenState binds an externally maintained beam table.
func (k *KVCache) AssignHiddenState(buf *tensor.Buffer) {
	k.releaseBeam()
	k.beamTable = buf
	k.ownsBeam = false
	if buf != nil {
		k.SetHiddenStateMaxSize(buf.ElementCount())
	}
}

// AssignScaleZeroPoint binds an externally maintained scale/zero-point buffer.
func (k *KVCache) AssignScaleZeroPoint(buf *tensor.Buffer) {
	if k.ownsScaleZP {
		k.scaleZP.Release()
	}
	k.scaleZP = buf
	k.ownsScaleZP = false
}

func (k *KVCache) releaseInternal() {
	if k.ownsInternal {
		k.internal.Release()
	}
}

func (k *KVCache) releaseBeam() {
	if k.ownsBeam {
		k.beamTable.Release()
	}
}

// the KV cache keeps its data across Reset; IsResetState alone hides it
func (k *KVCache) resetImpl()  {}
func (k *KVCache) commitImpl() {}

func (k *KVCache) quantMode() string {
	if k.quantByChannel {
		return "by_channel"
	}
	return "by_group"
}

// kvDims maps logical dims to (L0, B, H, S) through the dense order.
func kvDims(dims, order []int) (seqLen, batch, heads, headSize int) {
	return dims[order[0]], dims[order[1]], dims[order[2]], dims[order[3]]
}

// scaleZPDesc is the f32 layout of the scale/zero-point buffer for a cache
// of the given size.
func (k *KVCache) scaleZPDesc(seqLen, batch, heads, headSize int) (*tensor.Descriptor, error) {
	if k.quantByChannel {
		groups := (seqLen + k.groupSize - 1) / k.groupSize
		return tensor.NewDescriptor([]int{2 * groups, batch, heads, headSize}, tensor.F32, nil)
	}
	return tensor.NewDescriptor([]int{seqLen, batch, heads, 2 * headSize / k.groupSize}, tensor.F32, nil)
}

func (k *KVCache) SetState(src *tensor.Buffer) error {
	const op = "set_state"
	if src == nil {
		return k.reject(op, fmt.Errorf("%w: nil input for %q", ErrNilBuffer, k.name))
	}
	if src.Desc().Rank() != 4 {
		return k.reject(op, fmt.Errorf("%w: kv input must be rank 4, got %d", ErrRank, src.Desc().Rank()))
	}
	dense, err := k.dense.CloneWithNewDims(src.Dims())
	if err != nil {
		return k.reject(op, fmt.Errorf("%w: %v", ErrPrecondition, err))
	}
	order := k.dense.Order()
	seqLen, batch, heads, headSize := kvDims(src.Dims(), order)
	quantized := dense.Precision() == tensor.U8
	if quantized && !k.quantByChannel && headSize%k.groupSize != 0 {
		return k.reject(op, fmt.Errorf("%w: head size %d is not a multiple of %d", ErrGroupSize, headSize, k.groupSize))
	}

	// everything is built before the old buffers are replaced so a failed
	// call leaves the cache untouched
	internal, err := tensor.NewBuffer(dense)
	if err != nil {
		return k.reject(op, fmt.Errorf("%w: %v", ErrPrecondition, err))
	}
	var scaleZP *tensor.Buffer
	if quantized {
		scaleZP, err = k.quantize(src, internal, order)
	} else {
		err = internal.Load(src)
	}
	if err != nil {
		internal.Release()
		return k.reject(op, fmt.Errorf("%w: %v", ErrPrecondition, err))
	}
	beam, err := identityBeamTable(batch, seqLen)
	if err != nil {
		internal.Release()
		scaleZP.Release()
		return k.reject(op, fmt.Errorf("%w: %v", ErrPrecondition, err))
	}

	k.releaseInternal()
	k.releaseBeam()
	if k.ownsScaleZP {
		k.scaleZP.Release()
	}
	k.internal, k.ownsInternal = internal, true
	k.beamTable, k.ownsBeam = beam, true
	k.scaleZP, k.ownsScaleZP = scaleZP, scaleZP != nil
	k.SetInternalMemMaxSize(internal.ElementCount())
	k.SetHiddenStateMaxSize(beam.ElementCount())

	k.resetFlag = false
	metrics.RecordStateOp(k.kind.String(), op)
	logger.Log.Debug("kv state set",
		"state", k.name,
		"seq_len", seqLen,
		"batch", batch,
		"heads", heads,
		"head_size", headSize,
		"precision", dense.Precision().String())
	return nil
}

// quantize encodes src into the u8 buffer dst and returns the matching
// scale/zero-point buffer.
func (k *KVCache) quantize(src, dst *tensor.Buffer, order []int) (*tensor.Buffer, error) {
	srcView, err := tensor.NewView(src).Permute(order)
	if err != nil {
		return nil, err
	}
	dstView, err := tensor.NewView(dst).Permute(order)
	if err != nil {
		return nil, err
	}
	seqLen, batch, heads, headSize := dstView.Size(0), dstView.Size(1), dstView.Size(2), dstView.Size(3)

	szDesc, err := k.scaleZPDesc(seqLen, batch, heads, headSize)
	if err != nil {
		return nil, err
	}
	scaleZP, err := tensor.NewBuffer(szDesc)
	if err != nil {
		return nil, err
	}
	sz := scaleZP.Float32s()
	szView := tensor.NewView(scaleZP)
	codes := dst.Uint8s()
	scratch := make([][]float32, k.pool.NumWorkers())
	g := k.groupSize
	start := time.Now()

	if k.quantByChannel {
		groups := (seqLen + g - 1) / g
		k.pool.For3D(groups, batch, heads, func(w, grp, b, h int) {
			rows := min(g, seqLen-grp*g)
			buf := scratchRow(scratch, w, rows*headSize)
			for r := 0; r < rows; r++ {
				readRow(srcView, buf[r*headSize:(r+1)*headSize], grp*g+r, b, h)
			}
			sOff := szView.Offset(2*grp, b, h)
			zOff := szView.Offset(2*grp+1, b, h)
			quant.QuantizeByChannelU8(buf, codes[dstView.Offset(grp*g, b, h):], rows, headSize,
				headSize, dstView.Stride(0), sz[sOff:sOff+headSize], sz[zOff:zOff+headSize])
		})
	} else {
		groups := headSize / g
		k.pool.For3D(batch, heads, seqLen, func(w, b, h, m int) {
			buf := scratchRow(scratch, w, headSize)
			readRow(srcView, buf, m, b, h)
			off := dstView.Offset(m, b, h)
			row := codes[off : off+headSize]
			szOff := szView.Offset(m, b, h)
			for i := 0; i < groups; i++ {
				sz[szOff+2*i], sz[szOff+2*i+1] = quant.QuantizeU8(buf[i*g:(i+1)*g], row[i*g:])
			}
		})
	}
	metrics.RecordQuantize(k.quantMode(), seqLen, time.Since(start))
	return scaleZP, nil
}

func (k *KVCache) State() (*tensor.Buffer, error) {
	const op = "get_state"
	metrics.RecordStateOp(k.kind.String(), op)

	if k.internal == nil || k.beamTable == nil || k.resetFlag {
		out, err := tensor.NewBuffer(ToStatic(k.external))
		if err != nil {
			return nil, k.reject(op, fmt.Errorf("%w: %v", ErrPrecondition, err))
		}
		return out, nil
	}

	internalDesc := k.internal.Desc()
	if internalDesc.Rank() != 4 {
		return nil, k.reject(op, fmt.Errorf("%w: internal buffer has rank %d", ErrRank, internalDesc.Rank()))
	}
	order := k.dense.Order()
	if !slices.Equal(internalDesc.Order(), order) {
		return nil, k.reject(op, fmt.Errorf("%w: internal %v, expected %v", ErrOrderMismatch, internalDesc.Order(), order))
	}
	ext, err := k.external.CloneWithNewDims(k.internal.Dims())
	if err != nil {
		return nil, k.reject(op, fmt.Errorf("%w: %v", ErrRank, err))
	}
	if ext.Order()[3] != order[3] {
		return nil, k.reject(op, fmt.Errorf("%w: external layout %v must keep head size innermost", ErrOrderMismatch, ext.Order()))
	}

	pastView, err := tensor.NewView(k.internal).Permute(order)
	if err != nil {
		return nil, k.reject(op, fmt.Errorf("%w: %v", ErrPrecondition, err))
	}
	seqLen, batch, heads, headSize := pastView.Size(0), pastView.Size(1), pastView.Size(2), pastView.Size(3)
	beamView, err := k.checkBeamTable(batch, seqLen)
	if err != nil {
		return nil, k.reject(op, err)
	}

	quantized := internalDesc.Precision() == tensor.U8
	if quantized {
		if k.scaleZP == nil {
			return nil, k.reject(op, fmt.Errorf("%w: u8 cache %q has no scale/zero-point buffer", ErrNilBuffer, k.name))
		}
		want, err := k.scaleZPDesc(seqLen, batch, heads, headSize)
		if err != nil {
			return nil, k.reject(op, fmt.Errorf("%w: %v", ErrPrecondition, err))
		}
		if !slices.Equal(k.scaleZP.Dims(), want.Dims()) || k.scaleZP.Desc().Precision() != tensor.F32 {
			return nil, k.reject(op, fmt.Errorf("%w: scale/zero-point buffer is %v, expected %v", ErrPrecondition, k.scaleZP.Desc(), want))
		}
	}

	out, err := tensor.NewBuffer(ext)
	if err != nil {
		return nil, k.reject(op, fmt.Errorf("%w: %v", ErrPrecondition, err))
	}
	outView, err := tensor.NewView(out).Permute(order)
	if err != nil {
		out.Release()
		return nil, k.reject(op, fmt.Errorf("%w: %v", ErrPrecondition, err))
	}
	outPrec := ext.Precision()

	if !quantized {
		metrics.RecordConversion("gather")
		pastPrec := internalDesc.Precision()
		k.pool.For3D(seqLen, batch, heads, func(_, m, b, h int) {
			bkv := int(beamView.Int32At(b, m))
			tensor.Convert(outView.Row(m, b, h), outPrec, pastView.Row(m, bkv, h), pastPrec, headSize)
		})
		return out, nil
	}

	metrics.RecordConversion("dequantize")
	sz := k.scaleZP.Float32s()
	szView := tensor.NewView(k.scaleZP)
	scratch := make([][]float32, k.pool.NumWorkers())
	g := k.groupSize
	start := time.Now()
	if k.quantByChannel {
		k.pool.For3D(seqLen, batch, heads, func(w, m, b, h int) {
			bkv := int(beamView.Int32At(b, m))
			grp := m / g
			buf := scratchRow(scratch, w, headSize)
			sOff := szView.Offset(2*grp, bkv, h)
			zOff := szView.Offset(2*grp+1, bkv, h)
			quant.DequantizeByChannelU8(pastView.Row(m, bkv, h), buf, 1, headSize, headSize, headSize,
				sz[sOff:sOff+headSize], sz[zOff:zOff+headSize])
			tensor.EncodeFloat32(outView.Row(m, b, h), outPrec, buf)
		})
	} else {
		groups := headSize / g
		k.pool.For3D(seqLen, batch, heads, func(w, m, b, h int) {
			bkv := int(beamView.Int32At(b, m))
			buf := scratchRow(scratch, w, headSize)
			row := pastView.Row(m, bkv, h)
			szOff := szView.Offset(m, bkv, h)
			for i := 0; i < groups; i++ {
				quant.DequantizeU8(row[i*g:(i+1)*g], buf[i*g:], sz[szOff+2*i], sz[szOff+2*i+1])
			}
			tensor.EncodeFloat32(outView.Row(m, b, h), outPrec, buf)
		})
	}
	metrics.RecordDequantize(k.quantMode(), time.Since(start))
	return out, nil
}

// checkBeamTable validates the beam table against the cache size and
// returns a view over it.
func (k *KVCache) checkBeamTable(batch, seqLen int) (tensor.View, error) {
	desc := k.beamTable.Desc()
	if desc.Rank() != 2 || desc.Precision() != tensor.I32 {
		return tensor.View{}, fmt.Errorf("%w: beam table must be i32 rank 2, got %v", ErrPrecondition, desc)
	}
	if desc.Dim(0) < batch || desc.Dim(1) < seqLen {
		return tensor.View{}, fmt.Errorf("%w: beam table %v too small for batch %d and length %d", ErrPrecondition, desc.Dims(), batch, seqLen)
	}
	v := tensor.NewView(k.beamTable)
	for b := 0; b < batch; b++ {
		for m := 0; m < seqLen; m++ {
			if idx := v.Int32At(b, m); idx < 0 || int(idx) >= batch {
				return tensor.View{}, fmt.Errorf("%w: beam[%d][%d] = %d with batch %d", ErrBeamIndex, b, m, idx, batch)
			}
		}
	}
	return v, nil
}

// identityBeamTable builds beam[b][m] = b.
func identityBeamTable(batch, seqLen int) (*tensor.Buffer, error) {
	desc, err := tensor.NewDescriptor([]int{batch, seqLen}, tensor.I32, nil)
	if err != nil {
		return nil, err
	}
	buf, err := tensor.NewBuffer(desc)
	if err != nil {
		return nil, err
	}
	ids := buf.Int32s()
	for b := 0; b < batch; b++ {
		row := ids[b*seqLen : (b+1)*seqLen]
		for m := range row {
			row[m] = int32(b)
		}
	}
	metrics.RecordBeamTableRebuild()
	return buf, nil
}

// scratchRow returns worker w's scratch slice with length n. A worker index
// is never shared by two running chunks.
func scratchRow(scratch [][]float32, w, n int) []float32 {
	if cap(scratch[w]) < n {
		scratch[w] = make([]float32, n)
	}
	return scratch[w][:n]
}

// readRow widens the head-size row at (m, b, h) of a [L0, B, H, S] view.
func readRow(v tensor.View, dst []float32, m, b, h int) {
	if v.Stride(3) == 1 {
		tensor.DecodeFloat32(dst, v.Row(m, b, h), v.Precision())
		return
	}
	for i := range dst {
		dst[i] = v.Float32At(m, b, h, i)
	}
}
