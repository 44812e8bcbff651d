// Package state holds per-sequence inference state across steps.
//
// Three variants share the VariableState contract: DoubleBuffer (ping-pong
// recurrent state), SingleBuffer (in-place recurrent state) and KVCache
// (growing key/value history with optional u8 quantization and a beam
// table). The execution framework calls SetState, State, Reset and Commit
// once per step; calls on one state object must not overlap, different
// state objects are independent.
package state

import (
	"fmt"

	"github.com/23skdu/quarrel-varstate/internal/logger"
	"github.com/23skdu/quarrel-varstate/internal/metrics"
	"github.com/23skdu/quarrel-varstate/internal/tensor"
)

// VariableState is the contract between the execution framework and one
// piece of persistent state.
type VariableState interface {
	Name() string
	Kind() Kind

	// ExternalDesc is the shape/precision contract seen by the framework.
	// It may contain undefined dims.
	ExternalDesc() *tensor.Descriptor
	// InternalDesc is the layout the state stores data in.
	InternalDesc() *tensor.Descriptor

	InputMem() *tensor.Buffer
	OutputMem() *tensor.Buffer
	InternalStateMem() *tensor.Buffer

	// SetState copies src into internal storage, resizing it if needed.
	SetState(src *tensor.Buffer) error
	// State returns the current contents in the external layout and precision.
	State() (*tensor.Buffer, error)
	Reset()
	Commit()
	IsResetState() bool
}

// storage is what each variant plugs into base.
type storage interface {
	InputMem() *tensor.Buffer
	InternalDesc() *tensor.Descriptor
	InternalStateMem() *tensor.Buffer
	resetImpl()
	commitImpl()
}

// base implements the variant-independent parts of VariableState.
type base struct {
	name      string
	kind      Kind
	external  *tensor.Descriptor
	resetFlag bool
	impl      storage
}

func newBase(name string, kind Kind, external *tensor.Descriptor) base {
	return base{name: name, kind: kind, external: external, resetFlag: true}
}

func (s *base) Name() string                     { return s.name }
func (s *base) Kind() Kind                       { return s.kind }
func (s *base) ExternalDesc() *tensor.Descriptor { return s.external }
func (s *base) IsResetState() bool               { return s.resetFlag }

// ToStatic replaces every undefined dimension with 0 so a placeholder buffer
// can be allocated before any data exists. Defined descriptors are returned
// unchanged.
func ToStatic(desc *tensor.Descriptor) *tensor.Descriptor {
	if desc.IsDefined() {
		return desc
	}
	dims := desc.Dims()
	for i, d := range dims {
		if d == tensor.UndefinedDim {
			dims[i] = 0
		}
	}
	out, err := desc.CloneWithNewDims(dims)
	if err != nil {
		// same rank and non-negative dims cannot fail
		panic(err)
	}
	return out
}

func (s *base) reject(op string, err error) error {
	metrics.RecordPreconditionFailure(op)
	logger.Log.Warn("state operation rejected", "state", s.name, "kind", s.kind.String(), "op", op, "err", err)
	return err
}

func (s *base) SetState(src *tensor.Buffer) error {
	if src == nil {
		return s.reject("set_state", fmt.Errorf("%w: nil input for %q", ErrNilBuffer, s.name))
	}
	in := s.impl.InputMem()
	if in == nil {
		return s.reject("set_state", fmt.Errorf("%w: no input buffer for %q", ErrNilBuffer, s.name))
	}
	internal := s.impl.InternalDesc()
	if src.Desc().Rank() != internal.Rank() {
		return s.reject("set_state", fmt.Errorf("%w: got %d, state %q has %d", ErrRank, src.Desc().Rank(), s.name, internal.Rank()))
	}

	if !equalDims(in.Dims(), src.Dims()) {
		desc, err := internal.CloneWithNewDims(src.Dims())
		if err != nil {
			return s.reject("set_state", fmt.Errorf("%w: %v", ErrPrecondition, err))
		}
		if err := in.Redefine(desc); err != nil {
			return s.reject("set_state", fmt.Errorf("%w: %v", ErrPrecondition, err))
		}
		logger.Log.Debug("state redefined", "state", s.name, "dims", desc.Dims())
	}
	if err := in.Load(src); err != nil {
		return s.reject("set_state", fmt.Errorf("%w: %v", ErrPrecondition, err))
	}

	s.resetFlag = false
	metrics.RecordStateOp(s.kind.String(), "set_state")
	return nil
}

func (s *base) State() (*tensor.Buffer, error) {
	mem := s.impl.InternalStateMem()
	if mem == nil {
		return nil, s.reject("get_state", fmt.Errorf("%w: no internal buffer for %q", ErrNilBuffer, s.name))
	}
	metrics.RecordStateOp(s.kind.String(), "get_state")

	internal := mem.Desc()
	ext, err := s.external.CloneWithNewDims(mem.Dims())
	if err != nil {
		return nil, s.reject("get_state", fmt.Errorf("%w: %v", ErrRank, err))
	}

	if ext.IsCompatible(internal) {
		metrics.RecordConversion("view")
		return mem.Alias(), nil
	}

	out, err := tensor.NewBuffer(ext)
	if err != nil {
		return nil, s.reject("get_state", fmt.Errorf("%w: %v", ErrPrecondition, err))
	}

	samePrecisionDesc, err := ext.CloneWithNewPrecision(internal.Precision())
	if err == nil && samePrecisionDesc.IsCompatible(internal) {
		metrics.RecordConversion("convert")
		tensor.Convert(out.Bytes(), ext.Precision(), mem.Bytes(), internal.Precision(), internal.NumElements())
		return out, nil
	}

	metrics.RecordConversion("reorder")
	if err := out.Load(mem); err != nil {
		out.Release()
		return nil, s.reject("get_state", fmt.Errorf("%w: %v", ErrPrecondition, err))
	}
	return out, nil
}

func (s *base) Reset() {
	s.impl.resetImpl()
	s.resetFlag = true
	metrics.RecordStateOp(s.kind.String(), "reset")
}

func (s *base) Commit() {
	s.impl.commitImpl()
	s.resetFlag = false
	metrics.RecordStateOp(s.kind.String(), "commit")
}

func equalDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// redefineAndZero rebinds mem to the static form of desc and zero-fills it.
func redefineAndZero(mem *tensor.Buffer, desc *tensor.Descriptor) {
	if mem == nil {
		return
	}
	if err := mem.Redefine(ToStatic(desc)); err != nil {
		panic(err)
	}
	mem.Nullify()
}
