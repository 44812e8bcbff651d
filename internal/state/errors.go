package state

import (
	"errors"
	"fmt"
)

// ErrPrecondition marks a contract violation by the caller: malformed
// descriptors, wrong rank, missing buffers. These are not retryable.
var ErrPrecondition = errors.New("varstate: precondition violation")

var (
	ErrStaticDescriptor = fmt.Errorf("%w: kv cache requires a dynamic external descriptor", ErrPrecondition)
	ErrRank             = fmt.Errorf("%w: unexpected rank", ErrPrecondition)
	ErrOrderMismatch    = fmt.Errorf("%w: internal and external axis orders disagree", ErrPrecondition)
	ErrNilBuffer        = fmt.Errorf("%w: buffer is not bound", ErrPrecondition)
	ErrGroupSize        = fmt.Errorf("%w: invalid quantization group size", ErrPrecondition)
	ErrBeamIndex        = fmt.Errorf("%w: beam table entry out of range", ErrPrecondition)
	ErrDuplicateState   = fmt.Errorf("%w: state already declared", ErrPrecondition)
	ErrUnknownKind      = fmt.Errorf("%w: unknown state kind", ErrPrecondition)
)
