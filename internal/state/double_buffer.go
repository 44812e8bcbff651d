package state

import (
	"fmt"

	"github.com/23skdu/quarrel-varstate/internal/tensor"
)

// DoubleBuffer keeps two buffers with the same layout. Writes land in the
// input buffer, the step reads the other one, and Commit swaps their roles.
type DoubleBuffer struct {
	base
	mem          [2]*tensor.Buffer
	bufferNum    int
	internalDesc *tensor.Descriptor
}

// NewDoubleBuffer allocates both buffers from internal, replacing undefined
// dims with 0.
func NewDoubleBuffer(name string, internal, external *tensor.Descriptor) (*DoubleBuffer, error) {
	first, err := tensor.NewBuffer(ToStatic(internal))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	second, err := tensor.NewBuffer(ToStatic(internal))
	if err != nil {
		first.Release()
		return nil, fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	return newDoubleBuffer(name, first, second, internal, external), nil
}

// NewDoubleBufferFrom wraps two caller-provided buffers. The internal layout
// is taken from first.
func NewDoubleBufferFrom(name string, first, second *tensor.Buffer, external *tensor.Descriptor) (*DoubleBuffer, error) {
	if first == nil || second == nil {
		return nil, fmt.Errorf("%w: double buffer %q needs two buffers", ErrNilBuffer, name)
	}
	return newDoubleBuffer(name, first, second, first.Desc(), external), nil
}

func newDoubleBuffer(name string, first, second *tensor.Buffer, internal, external *tensor.Descriptor) *DoubleBuffer {
	d := &DoubleBuffer{
		base:         newBase(name, KindDoubleBuffer, external),
		mem:          [2]*tensor.Buffer{first, second},
		internalDesc: internal,
	}
	d.impl = d
	if internal.IsDefined() {
		d.prime().Nullify()
	}
	return d
}

func (d *DoubleBuffer) prime() *tensor.Buffer  { return d.mem[d.bufferNum] }
func (d *DoubleBuffer) second() *tensor.Buffer { return d.mem[d.bufferNum^1] }

func (d *DoubleBuffer) InternalDesc() *tensor.Descriptor { return d.internalDesc }
func (d *DoubleBuffer) InputMem() *tensor.Buffer         { return d.prime() }
func (d *DoubleBuffer) OutputMem() *tensor.Buffer        { return d.second() }
func (d *DoubleBuffer) InternalStateMem() *tensor.Buffer { return d.prime() }

func (d *DoubleBuffer) resetImpl() {
	for _, m := range d.mem {
		redefineAndZero(m, d.internalDesc)
	}
}

func (d *DoubleBuffer) commitImpl() {
	d.bufferNum ^= 1
}
