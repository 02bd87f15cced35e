// Package tensors implements host tensors: a shapes.Shape and the actual
// data stored as a flat (1D) slice of the shape's DType.
//
// Tensors here are deliberately simple containers. The one non-trivial
// feature is views: a tensor may share its flat storage with another tensor
// (see Tensor.SliceRows) or with a device arena (see pkg/core/arena), so a
// write through one is immediately visible through the others. Views are how
// whole-model flat buffers and per-parameter tensors stay in sync without
// copies.
//
// Access to the data is done via accessor functions (ConstFlatData,
// MutableFlatData and the generic variants), which hold the tensor's lock for
// the duration of the access. The lock is per tensor: coordinating accesses
// through different views of the same storage is up to the caller.
package tensors

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/tandem/pkg/core/shapes"
	"github.com/gomlx/tandem/pkg/support/xslices"
)

// Tensor is a host multidimensional array: a shape and a flat slice of the
// corresponding Go type holding the data in row-major order.
//
// Create them with FromShape, FromFlatDataAndDimensions, FromScalar or
// FromScalarAndDimensions. The zero value is invalid.
type Tensor struct {
	// shape is immutable after construction.
	shape shapes.Shape

	// mu protects flat against concurrent accessor calls on this tensor.
	mu sync.Mutex

	// flat is a slice of the Go type for shape.DType, length shape.Size().
	// nil after Finalize.
	flat any

	// isView marks tensors whose flat slice aliases storage owned elsewhere
	// (a parent tensor or an arena buffer).
	isView bool
}

// FromShape returns a Tensor with the given shape, with the data initialized
// to zeros.
//
// It panics if the shape is invalid.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		panic(errors.New("tensors.FromShape: invalid shape"))
	}
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size())
	return &Tensor{
		shape: shape,
		flat:  flatV.Interface(),
	}
}

// FromScalar creates a scalar tensor from the given value. The DType is
// inferred from the value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromScalarAndDimensions(value)
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled
// with the given scalar value replicated everywhere. The DType is inferred
// from the value.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	t := FromShape(shape)
	MustMutableFlatData(t, func(flat []T) {
		xslices.FillSlice(flat, value)
	})
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions,
// filled with the flat values given in data, which are copied. The DType is
// inferred from the data type.
//
// It panics if the size of data doesn't match the dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	MustMutableFlatData(t, func(flat []T) {
		copy(flat, data)
	})
	return t
}

// FromFlatAsView creates a tensor of the given shape whose storage is the
// given flat slice itself, not a copy. The caller keeps ownership of the
// slice; writes on either side are visible on the other.
//
// This is the primitive behind arena spans and row slices. It panics if the
// flat type doesn't match the shape's DType or the length doesn't match the
// shape's size.
func FromFlatAsView[T dtypes.Supported](flat []T, shape shapes.Shape) *Tensor {
	if shape.DType != dtypes.FromGenericsType[T]() {
		exceptions.Panicf("tensors.FromFlatAsView[%T] is incompatible with shape %s", flat, shape)
	}
	if len(flat) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatAsView(%s): flat has %d elements, shape wants %d",
			shape, len(flat), shape.Size())
	}
	return &Tensor{
		shape:  shape,
		flat:   flat,
		isView: true,
	}
}

// FromAnyFlatAsView is the non-generics version of FromFlatAsView: flat must
// be a slice of the Go type corresponding to shape.DType, and it becomes the
// tensor's storage without copying.
func FromAnyFlatAsView(flat any, shape shapes.Shape) *Tensor {
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice || flatV.Type().Elem() != shape.DType.GoType() {
		exceptions.Panicf("tensors.FromAnyFlatAsView: flat is %T, incompatible with shape %s", flat, shape)
	}
	if flatV.Len() != shape.Size() {
		exceptions.Panicf("tensors.FromAnyFlatAsView(%s): flat has %d elements, shape wants %d",
			shape, flatV.Len(), shape.Size())
	}
	return &Tensor{
		shape:  shape,
		flat:   flat,
		isView: true,
	}
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType {
	if t == nil {
		return dtypes.InvalidDType
	}
	return t.shape.DType
}

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor data.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// IsView returns whether the tensor's storage aliases storage owned
// elsewhere.
func (t *Tensor) IsView() bool { return t.isView }

// String reports the shape and whether the storage is a view.
func (t *Tensor) String() string {
	if t == nil || !t.shape.Ok() {
		return "Tensor(invalid)"
	}
	if t.isView {
		return fmt.Sprintf("Tensor(%s, view)", t.shape)
	}
	return fmt.Sprintf("Tensor(%s)", t.shape)
}

// CheckValid returns an error if the tensor is nil, finalized or its shape
// invalid.
func (t *Tensor) CheckValid() error {
	if t == nil {
		return errors.New("tensor is nil")
	}
	if !t.shape.Ok() {
		return errors.New("tensor shape is invalid")
	}
	if t.flat == nil {
		return errors.New("tensor has been finalized")
	}
	return nil
}

// AssertValid panics if the tensor is nil, finalized or its shape invalid.
func (t *Tensor) AssertValid() {
	if err := t.CheckValid(); err != nil {
		panic(err)
	}
}

// Finalize drops the reference to the data, leaving the tensor invalid.
// For views this only severs the aliasing; the underlying storage stays
// with its owner.
func (t *Tensor) Finalize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flat = nil
}

// ConstFlatData calls accessFn with the flat data slice -- a []T of the Go
// type corresponding to the DType. It locks the tensor until accessFn
// returns.
//
// accessFn gets the actual data, not a copy; it must not modify it. Use
// MutableFlatData for writes.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) error {
	if err := t.CheckValid(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	accessFn(t.flat)
	return nil
}

// MutableFlatData calls accessFn with the flat data slice, which may be
// modified until accessFn returns. It locks the tensor until accessFn
// returns.
//
// If the tensor is a view, writes are visible through every other view of
// the same storage.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) error {
	if err := t.CheckValid(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	accessFn(t.flat)
	return nil
}

// ConstFlatData is the generics version of Tensor.ConstFlatData: accessFn
// receives the flat data as []T. It returns an error if T doesn't match the
// tensor's DType.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		return errors.Errorf("ConstFlatData[%T] is incompatible with tensor's dtype %s -- expected dtype %s",
			v, t.shape.DType, dtypes.FromGenericsType[T]())
	}
	return t.ConstFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// MustConstFlatData is like ConstFlatData but panics on a dtype mismatch.
func MustConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if err := ConstFlatData(t, accessFn); err != nil {
		panic(err)
	}
}

// MutableFlatData is the generics version of Tensor.MutableFlatData:
// accessFn receives the flat data as []T and may modify its contents. It
// returns an error if T doesn't match the tensor's DType.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		return errors.Errorf("MutableFlatData[%T] is incompatible with tensor's dtype %s -- expected dtype %s",
			v, t.shape.DType, dtypes.FromGenericsType[T]())
	}
	return t.MutableFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// MustMutableFlatData is like MutableFlatData but panics on a dtype
// mismatch.
func MustMutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if err := MutableFlatData(t, accessFn); err != nil {
		panic(err)
	}
}

// CopyFlatData returns a copy of the tensor's flat data as []T.
//
// It panics if T doesn't match the tensor's DType.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	var data []T
	MustConstFlatData(t, func(flat []T) {
		data = slices.Clone(flat)
	})
	return data
}

// ToScalar returns the single value of a size-1 tensor.
//
// It panics if the tensor has more than one element or on a dtype mismatch.
// Used to pull losses and counts out of terminal pipeline stages, one scalar
// per micro-part.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	if t.Size() != 1 {
		exceptions.Panicf("tensors.ToScalar called on tensor with %d elements (shape=%s)", t.Size(), t.shape)
	}
	var value T
	MustConstFlatData(t, func(flat []T) {
		value = flat[0]
	})
	return value
}

// Clone returns a deep copy of the tensor. The copy owns its storage, even
// when the original is a view.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	clone := FromShape(t.shape.Clone())
	t.mu.Lock()
	defer t.mu.Unlock()
	reflect.Copy(reflect.ValueOf(clone.flat), reflect.ValueOf(t.flat))
	return clone
}

// SliceRows returns a view of rows [from, to) of the tensor along axis 0,
// sharing the tensor's storage: writes through the view are visible in the
// original and vice versa.
//
// The tensor must have rank >= 1 and 0 <= from < to <= Dim(0). Micro-part
// extraction from a batch is the main use.
func (t *Tensor) SliceRows(from, to int) *Tensor {
	t.AssertValid()
	if t.Rank() < 1 {
		exceptions.Panicf("Tensor.SliceRows requires rank >= 1, got %s", t.shape)
	}
	dim0 := t.shape.Dim(0)
	if from < 0 || from >= to || to > dim0 {
		exceptions.Panicf("Tensor.SliceRows(%d, %d) out-of-range for %s", from, to, t.shape)
	}
	rowSize := t.Size() / dim0
	newDims := slices.Clone(t.shape.Dimensions)
	newDims[0] = to - from
	newShape := shapes.Make(t.shape.DType, newDims...)

	t.mu.Lock()
	defer t.mu.Unlock()
	flatV := reflect.ValueOf(t.flat)
	sub := flatV.Slice3(from*rowSize, to*rowSize, to*rowSize)
	return &Tensor{
		shape:  newShape,
		flat:   sub.Interface(),
		isView: true,
	}
}
