package devices_test

import (
	"sync/atomic"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tandem/pkg/core/devices"
	"github.com/gomlx/tandem/pkg/core/shapes"
	"github.com/gomlx/tandem/pkg/core/tensors"
)

func TestLaunchOrderAndSynchronize(t *testing.T) {
	dev := devices.New("test", 0)
	defer dev.Close()

	// Synchronize on an idle device returns immediately.
	dev.Synchronize()

	const n = 100
	var order []int
	for ii := range n {
		dev.Launch(func() { order = append(order, ii) })
	}
	dev.Synchronize()

	require.Len(t, order, n)
	for ii := range n {
		assert.Equal(t, ii, order[ii], "ops must retire in submission order")
	}
}

func TestSynchronizeWaitsForInFlight(t *testing.T) {
	dev := devices.New("test", 0)
	defer dev.Close()

	var done atomic.Bool
	release := make(chan struct{})
	dev.Launch(func() {
		<-release
		done.Store(true)
	})
	close(release)
	dev.Synchronize()
	assert.True(t, done.Load())
}

func TestCloseDrainsAndRejects(t *testing.T) {
	dev := devices.New("test", 1)
	var count atomic.Int32
	for range 10 {
		dev.Launch(func() { count.Add(1) })
	}
	dev.Close()
	assert.Equal(t, int32(10), count.Load())
	assert.Panics(t, func() { dev.Launch(func() {}) })

	// Idempotent.
	dev.Close()
	dev.Synchronize()
}

func TestNewBuffer(t *testing.T) {
	dev := devices.New("test", 0)
	defer dev.Close()

	buf := dev.NewBuffer(shapes.Make(dtypes.Float32, 4))
	flat := buf.FlatData().([]float32)
	assert.Equal(t, []float32{0, 0, 0, 0}, flat)

	flat[2] = 3
	require.NoError(t, buf.Finalize())
	assert.Panics(t, func() { buf.FlatData() })
	require.Error(t, buf.Finalize())

	// Recycled buffers come back zeroed.
	buf2 := dev.NewBuffer(shapes.Make(dtypes.Float32, 4))
	assert.Equal(t, []float32{0, 0, 0, 0}, buf2.FlatData().([]float32))
}

func TestBufferViews(t *testing.T) {
	dev := devices.New("test", 0)
	defer dev.Close()

	buf := dev.NewBuffer(shapes.Make(dtypes.Float32, 6))

	whole := buf.AsView()
	tensors.MustMutableFlatData(whole, func(flat []float32) {
		for ii := range flat {
			flat[ii] = float32(ii)
		}
	})
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5}, buf.FlatData().([]float32))

	// A range view reshaped to (2,2) over elements [2,6).
	view := buf.ViewRange(2, 4, shapes.Make(dtypes.Float32, 2, 2))
	assert.Equal(t, []float32{2, 3, 4, 5}, tensors.CopyFlatData[float32](view))
	tensors.MustMutableFlatData(view, func(flat []float32) { flat[0] = -1 })
	assert.Equal(t, float32(-1), buf.FlatData().([]float32)[2])

	assert.Panics(t, func() { buf.ViewRange(4, 4, shapes.Make(dtypes.Float32, 2, 2)) })
	assert.Panics(t, func() { buf.ViewRange(0, 4, shapes.Make(dtypes.Float32, 3)) })
	assert.Panics(t, func() { buf.ViewRange(0, 4, shapes.Make(dtypes.Float64, 2, 2)) })
}

func TestCopyFlatAndAddFlat(t *testing.T) {
	dev := devices.New("test", 0)
	defer dev.Close()

	a := dev.NewBuffer(shapes.Make(dtypes.Float32, 3))
	b := dev.NewBuffer(shapes.Make(dtypes.Float32, 3))
	copy(a.FlatData().([]float32), []float32{1, 2, 3})
	copy(b.FlatData().([]float32), []float32{10, 20, 30})

	require.NoError(t, devices.CopyFlat(a, b))
	assert.Equal(t, []float32{10, 20, 30}, a.FlatData().([]float32))

	require.NoError(t, devices.AddFlat(a, b))
	assert.Equal(t, []float32{20, 40, 60}, a.FlatData().([]float32))

	// Adding zeros is a no-op.
	zeros := dev.NewBuffer(shapes.Make(dtypes.Float32, 3))
	require.NoError(t, devices.AddFlat(a, zeros))
	assert.Equal(t, []float32{20, 40, 60}, a.FlatData().([]float32))

	mismatch := dev.NewBuffer(shapes.Make(dtypes.Float32, 4))
	require.Error(t, devices.CopyFlat(a, mismatch))
	require.Error(t, devices.AddFlat(a, mismatch))

	ints := dev.NewBuffer(shapes.Make(dtypes.Int32, 3))
	require.Error(t, devices.AddFlat(ints, ints))
}
