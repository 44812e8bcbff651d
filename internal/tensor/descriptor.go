package tensor

import (
	"errors"
	"fmt"
	"slices"
)

// UndefinedDim marks a dimension whose extent is only known at run time.
const UndefinedDim = -1

var ErrUndefinedDims = errors.New("tensor: descriptor has undefined dimensions")

// Descriptor describes the logical shape, precision and memory order of a tensor.
//
// Order is a permutation of the logical axes: physical position i holds
// logical axis Order[i], so Order = [0 1 ... n-1] is plain row-major.
type Descriptor struct {
	dims      []int
	precision Precision
	order     []int
}

// NewDescriptor builds a descriptor. A nil order means row-major.
func NewDescriptor(dims []int, precision Precision, order []int) (*Descriptor, error) {
	if !precision.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrPrecision, precision)
	}
	for i, d := range dims {
		if d < 0 && d != UndefinedDim {
			return nil, fmt.Errorf("invalid dimension at index %d: %d", i, d)
		}
	}
	if order == nil {
		order = make([]int, len(dims))
		for i := range order {
			order[i] = i
		}
	}
	if err := validateOrder(order, len(dims)); err != nil {
		return nil, err
	}
	return &Descriptor{
		dims:      slices.Clone(dims),
		precision: precision,
		order:     slices.Clone(order),
	}, nil
}

// MustDescriptor is NewDescriptor for static tables and tests.
func MustDescriptor(dims []int, precision Precision, order []int) *Descriptor {
	d, err := NewDescriptor(dims, precision, order)
	if err != nil {
		panic(err)
	}
	return d
}

func validateOrder(order []int, rank int) error {
	if len(order) != rank {
		return fmt.Errorf("order length %d does not match rank %d", len(order), rank)
	}
	seen := make([]bool, rank)
	for _, o := range order {
		if o < 0 || o >= rank || seen[o] {
			return fmt.Errorf("order %v is not a permutation of rank %d", order, rank)
		}
		seen[o] = true
	}
	return nil
}

func (d *Descriptor) Rank() int            { return len(d.dims) }
func (d *Descriptor) Dims() []int          { return slices.Clone(d.dims) }
func (d *Descriptor) Dim(i int) int        { return d.dims[i] }
func (d *Descriptor) Order() []int         { return slices.Clone(d.order) }
func (d *Descriptor) Precision() Precision { return d.precision }

// IsDefined reports whether every dimension is known.
func (d *Descriptor) IsDefined() bool {
	return !slices.Contains(d.dims, UndefinedDim)
}

// CloneWithNewDims keeps precision and order but swaps the dims.
func (d *Descriptor) CloneWithNewDims(dims []int) (*Descriptor, error) {
	if len(dims) != len(d.dims) {
		return nil, fmt.Errorf("cannot clone rank %d descriptor with dims %v", len(d.dims), dims)
	}
	return NewDescriptor(dims, d.precision, d.order)
}

// CloneWithNewPrecision keeps dims and order but swaps the precision.
func (d *Descriptor) CloneWithNewPrecision(p Precision) (*Descriptor, error) {
	return NewDescriptor(d.dims, p, d.order)
}

// IsCompatible reports whether a buffer laid out by d can be read as other
// without any conversion.
func (d *Descriptor) IsCompatible(other *Descriptor) bool {
	if d == nil || other == nil {
		return false
	}
	return d.precision == other.precision &&
		slices.Equal(d.dims, other.dims) &&
		slices.Equal(d.order, other.order)
}

// NumElements returns the element count. Undefined dims count as zero.
func (d *Descriptor) NumElements() int {
	n := 1
	for _, dim := range d.dims {
		if dim == UndefinedDim {
			return 0
		}
		n *= dim
	}
	return n
}

func (d *Descriptor) ByteSize() int {
	return d.NumElements() * d.precision.Size()
}

// Strides returns the element stride of every logical axis for a dense
// buffer laid out in d's order.
func (d *Descriptor) Strides() []int {
	strides := make([]int, len(d.dims))
	acc := 1
	for i := len(d.order) - 1; i >= 0; i-- {
		axis := d.order[i]
		strides[axis] = acc
		dim := d.dims[axis]
		if dim < 0 {
			dim = 0
		}
		acc *= dim
	}
	return strides
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s%v order=%v", d.precision, d.dims, d.order)
}
