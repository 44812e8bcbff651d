// Package tensor provides the host-side tensor primitives used by the state
// cache: descriptors, owned buffers, precision conversion and strided views.
package tensor

import (
	"errors"
	"fmt"
)

// Precision is the element type of a buffer.
type Precision int

const (
	F32 Precision = iota
	F16
	BF16
	U8
	I32
)

var ErrPrecision = errors.New("tensor: unsupported precision")

// Size returns the byte size of one element.
func (p Precision) Size() int {
	switch p {
	case F32, I32:
		return 4
	case F16, BF16:
		return 2
	case U8:
		return 1
	default:
		return 0
	}
}

func (p Precision) String() string {
	switch p {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	case U8:
		return "u8"
	case I32:
		return "i32"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the known precisions.
func (p Precision) Valid() bool {
	return p.Size() > 0
}

// ParsePrecision maps a precision name (as printed by String) back to a Precision.
func ParsePrecision(s string) (Precision, error) {
	switch s {
	case "f32", "fp32", "float32":
		return F32, nil
	case "f16", "fp16", "float16":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	case "u8", "uint8":
		return U8, nil
	case "i32", "int32":
		return I32, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrPrecision, s)
}
