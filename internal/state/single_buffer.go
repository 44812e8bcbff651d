package state

import (
	"fmt"

	"github.com/23skdu/quarrel-varstate/internal/tensor"
)

// SingleBuffer is a recurrent state read and written in place.
type SingleBuffer struct {
	base
	mem          *tensor.Buffer
	internalDesc *tensor.Descriptor
}

func NewSingleBuffer(name string, internal, external *tensor.Descriptor) (*SingleBuffer, error) {
	mem, err := tensor.NewBuffer(ToStatic(internal))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	return newSingleBuffer(name, mem, internal, external), nil
}

// NewSingleBufferFrom wraps a caller-provided buffer.
func NewSingleBufferFrom(name string, mem *tensor.Buffer, external *tensor.Descriptor) (*SingleBuffer, error) {
	if mem == nil {
		return nil, fmt.Errorf("%w: single buffer %q needs a buffer", ErrNilBuffer, name)
	}
	return newSingleBuffer(name, mem, mem.Desc(), external), nil
}

func newSingleBuffer(name string, mem *tensor.Buffer, internal, external *tensor.Descriptor) *SingleBuffer {
	s := &SingleBuffer{
		base:         newBase(name, KindSingleBuffer, external),
		mem:          mem,
		internalDesc: internal,
	}
	s.impl = s
	if internal.IsDefined() {
		mem.Nullify()
	}
	return s
}

func (s *SingleBuffer) InternalDesc() *tensor.Descriptor { return s.internalDesc }
func (s *SingleBuffer) InputMem() *tensor.Buffer         { return s.mem }
func (s *SingleBuffer) OutputMem() *tensor.Buffer        { return s.mem }
func (s *SingleBuffer) InternalStateMem() *tensor.Buffer { return s.mem }

func (s *SingleBuffer) resetImpl() {
	redefineAndZero(s.mem, s.internalDesc)
}

func (s *SingleBuffer) commitImpl() {}
