package shapes_test

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tandem/pkg/core/shapes"
)

func TestMake(t *testing.T) {
	s := shapes.Make(dtypes.Float32, 3, 4)
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 12, s.Size())
	assert.Equal(t, "(Float32)[3 4]", s.String())
	assert.Equal(t, uintptr(48), s.Memory())

	assert.Panics(t, func() { shapes.Make(dtypes.Float32, 3, 0) })
	assert.Panics(t, func() { shapes.Make(dtypes.Float32, -1) })

	// Make must not alias the caller's dims slice.
	dims := []int{2, 2}
	s2 := shapes.Make(dtypes.Int32, dims...)
	dims[0] = 7
	assert.Equal(t, 2, s2.Dim(0))
}

func TestScalar(t *testing.T) {
	s := shapes.Scalar[float64]()
	require.True(t, s.Ok())
	assert.True(t, s.IsScalar())
	assert.Equal(t, 1, s.Size())
	assert.Equal(t, dtypes.Float64, s.DType)

	assert.False(t, shapes.Invalid().Ok())
	assert.False(t, shapes.Shape{}.Ok())
}

func TestDim(t *testing.T) {
	s := shapes.Make(dtypes.Int32, 5, 7, 11)
	assert.Equal(t, 5, s.Dim(0))
	assert.Equal(t, 11, s.Dim(-1))
	assert.Equal(t, 7, s.Dim(-2))
	assert.Panics(t, func() { s.Dim(3) })
	assert.Panics(t, func() { s.Dim(-4) })
}

func TestEqual(t *testing.T) {
	a := shapes.Make(dtypes.Float32, 3, 4)
	b := shapes.Make(dtypes.Float32, 3, 4)
	c := shapes.Make(dtypes.Float64, 3, 4)
	d := shapes.Make(dtypes.Float32, 4, 3)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(d))
	assert.True(t, a.EqualDimensions(c))
	assert.False(t, a.EqualDimensions(d))
}

func TestClone(t *testing.T) {
	a := shapes.Make(dtypes.Float32, 2, 3)
	b := a.Clone()
	b.Dimensions[0] = 9
	assert.Equal(t, 2, a.Dim(0))
	assert.True(t, a.Equal(shapes.Make(dtypes.Float32, 2, 3)))
}
