package tensors_test

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/gomlx/tandem/pkg/core/shapes"
	"github.com/gomlx/tandem/pkg/core/tensors"
)

func TestFromShape(t *testing.T) {
	tensor := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 3))
	assert.Equal(t, 6, tensor.Size())
	assert.False(t, tensor.IsView())
	tensors.MustConstFlatData(tensor, func(flat []float32) {
		assert.Equal(t, []float32{0, 0, 0, 0, 0, 0}, flat)
	})
	assert.Panics(t, func() { tensors.FromShape(shapes.Invalid()) })
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := tensors.FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6}, 2, 3)
	assert.Equal(t, dtypes.Int32, tensor.DType())
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, tensors.CopyFlatData[int32](tensor))

	// Data is copied, not aliased.
	data := []float32{1, 2}
	t2 := tensors.FromFlatDataAndDimensions(data, 2)
	data[0] = 9
	assert.Equal(t, []float32{1, 2}, tensors.CopyFlatData[float32](t2))

	assert.Panics(t, func() { tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 2, 2) })
}

func TestFromScalarAndDimensions(t *testing.T) {
	tensor := tensors.FromScalarAndDimensions(float64(1.5), 2, 2)
	assert.Equal(t, []float64{1.5, 1.5, 1.5, 1.5}, tensors.CopyFlatData[float64](tensor))

	scalar := tensors.FromScalar(int32(7))
	assert.Equal(t, 0, scalar.Rank())
	assert.Equal(t, int32(7), tensors.ToScalar[int32](scalar))
}

func TestFromFlatAsView(t *testing.T) {
	storage := []float32{1, 2, 3, 4}
	view := tensors.FromFlatAsView(storage, shapes.Make(dtypes.Float32, 2, 2))
	require.True(t, view.IsView())

	// Writes through the view land in the caller's slice and vice versa.
	tensors.MustMutableFlatData(view, func(flat []float32) {
		flat[0] = 100
	})
	assert.Equal(t, float32(100), storage[0])
	storage[3] = -1
	assert.Equal(t, float32(-1), tensors.CopyFlatData[float32](view)[3])

	assert.Panics(t, func() {
		tensors.FromFlatAsView(storage, shapes.Make(dtypes.Float32, 3))
	})
	assert.Panics(t, func() {
		tensors.FromFlatAsView(storage, shapes.Make(dtypes.Float64, 2, 2))
	})
}

func TestAccessorDTypeMismatch(t *testing.T) {
	tensor := tensors.FromShape(shapes.Make(dtypes.Float32, 2))
	err := tensors.ConstFlatData(tensor, func(flat []float64) {})
	require.Error(t, err)
	err = tensors.MutableFlatData(tensor, func(flat []int32) {})
	require.Error(t, err)
	assert.Panics(t, func() {
		tensors.MustConstFlatData(tensor, func(flat []float64) {})
	})
}

func TestFinalize(t *testing.T) {
	tensor := tensors.FromShape(shapes.Make(dtypes.Float32, 2))
	require.NoError(t, tensor.CheckValid())
	tensor.Finalize()
	require.Error(t, tensor.CheckValid())
	require.Error(t, tensor.ConstFlatData(func(flat any) {}))
}

func TestClone(t *testing.T) {
	orig := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)
	clone := orig.Clone()
	tensors.MustMutableFlatData(clone, func(flat []float32) { flat[0] = 9 })
	assert.Equal(t, []float32{1, 2, 3}, tensors.CopyFlatData[float32](orig))
	assert.False(t, clone.IsView())
}

func TestSliceRows(t *testing.T) {
	// 4 rows of 2 elements.
	batch := tensors.FromFlatDataAndDimensions([]float32{0, 1, 10, 11, 20, 21, 30, 31}, 4, 2)

	part := batch.SliceRows(1, 3)
	assert.Equal(t, []int{2, 2}, part.Shape().Dimensions)
	assert.True(t, part.IsView())
	assert.Equal(t, []float32{10, 11, 20, 21}, tensors.CopyFlatData[float32](part))

	// Writes through the slice are visible in the parent.
	tensors.MustMutableFlatData(part, func(flat []float32) { flat[0] = -1 })
	assert.Equal(t, float32(-1), tensors.CopyFlatData[float32](batch)[2])

	// Rank-1 slicing.
	vec := tensors.FromFlatDataAndDimensions([]int32{5, 6, 7}, 3)
	tail := vec.SliceRows(2, 3)
	assert.Equal(t, []int32{7}, tensors.CopyFlatData[int32](tail))

	assert.Panics(t, func() { batch.SliceRows(3, 3) })
	assert.Panics(t, func() { batch.SliceRows(-1, 2) })
	assert.Panics(t, func() { batch.SliceRows(0, 5) })
	assert.Panics(t, func() { tensors.FromScalar(1.0).SliceRows(0, 1) })
}

func TestConvertTo(t *testing.T) {
	f32 := tensors.FromFlatDataAndDimensions([]float32{0.5, -2, 3.25}, 3)

	f16, err := f32.ConvertTo(dtypes.Float16)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float16, f16.DType())
	tensors.MustConstFlatData(f16, func(flat []float16.Float16) {
		assert.Equal(t, float32(0.5), flat[0].Float32())
		assert.Equal(t, float32(-2), flat[1].Float32())
		assert.Equal(t, float32(3.25), flat[2].Float32())
	})

	// Round-trip through half precision is exact for these values.
	back, err := f16.ConvertTo(dtypes.Float32)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -2, 3.25}, tensors.CopyFlatData[float32](back))

	f64, err := f32.ConvertTo(dtypes.Float64)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, -2, 3.25}, tensors.CopyFlatData[float64](f64))

	// Identity conversion clones.
	same, err := f32.ConvertTo(dtypes.Float32)
	require.NoError(t, err)
	tensors.MustMutableFlatData(same, func(flat []float32) { flat[0] = 99 })
	assert.Equal(t, float32(0.5), tensors.CopyFlatData[float32](f32)[0])

	ints := tensors.FromFlatDataAndDimensions([]int32{1}, 1)
	_, err = ints.ConvertTo(dtypes.Float32)
	require.Error(t, err)
}
