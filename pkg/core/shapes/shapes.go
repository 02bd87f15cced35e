// Package shapes defines Shape, the description of a dense multi-dimensional
// array: a data type (DType, from github.com/gomlx/gopjrt/dtypes) and its
// axes dimensions.
//
// Shapes are cheap value types passed around by everything that allocates or
// transfers buffers: tensors, device buffers, arena spans and parameter
// declarations. A Shape carries no data.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape represents the shape of a tensor or device buffer.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// HasShape is implemented by anything that can report its Shape, including
// Shape itself.
type HasShape interface {
	Shape() Shape
}

// Make returns the Shape with the given dtype and axes dimensions. No
// dimensions make a scalar. It panics on dimensions <= 0.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	for axis, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s, %v): axis %d has dimension %d, it must be positive",
				dtype, dimensions, axis, dim)
		}
	}
	return Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
}

// Scalar returns a scalar Shape for the given type.
func Scalar[T dtypes.NumberNotComplex]() Shape {
	return Shape{DType: dtypes.FromGenericsType[T]()}
}

// Invalid returns an invalid shape. Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A zero-initialized Shape is
// invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar: no dimensions
// (rank 0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative
// numbers, in which case it counts from the end -- axis=-1 is the last axis.
// It panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	rank := s.Rank()
	if axis < -rank || axis >= rank {
		exceptions.Panicf("Shape.Dim(%d): shape %s has rank %d", axis, s, rank)
	}
	if axis < 0 {
		axis += rank
	}
	return s.Dimensions[axis]
}

// Shape returns a shallow copy of itself. It implements the HasShape
// interface.
func (s Shape) Shape() Shape { return s }

// String implements fmt.Stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType needed for this shape: the
// product of all dimensions. A scalar has size 1.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes used to store an array of the given
// shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions compares two shapes for equality of dimensions only, the
// dtypes may differ.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone makes a deep copy (dimensions included) of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}
