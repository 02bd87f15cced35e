package replica_test

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tandem/pkg/core/devices"
	"github.com/gomlx/tandem/pkg/core/tensors"
	"github.com/gomlx/tandem/pkg/ml/replica"
)

// newTestReplica builds a replica with two parameters of shapes (3,4) and
// (5,), 17 elements total.
func newTestReplica(t *testing.T, dev *devices.Device) *replica.Replica {
	r := replica.New("model1", dev, dtypes.Float32)
	w := make([]float32, 12)
	for ii := range w {
		w[ii] = float32(ii)
	}
	_, err := r.AddParameter("weights", tensors.FromFlatDataAndDimensions(w, 3, 4))
	require.NoError(t, err)
	_, err = r.AddParameter("bias", tensors.FromScalarAndDimensions(float32(-1), 5))
	require.NoError(t, err)
	return r
}

func TestAddParameter(t *testing.T) {
	dev := devices.New("cpu", 0)
	defer dev.Close()
	r := replica.New("model1", dev, dtypes.Float32)

	p, err := r.AddParameter("weights", tensors.FromScalarAndDimensions(float32(1), 2, 2))
	require.NoError(t, err)
	assert.Equal(t, "weights", p.Name)
	assert.Equal(t, p.Value.Shape(), p.Grad.Shape())
	assert.Equal(t, []float32{0, 0, 0, 0}, tensors.CopyFlatData[float32](p.Grad))

	_, err = r.AddParameter("weights", tensors.FromScalar(float32(0)))
	require.Error(t, err, "duplicate name")
	_, err = r.AddParameter("other", tensors.FromScalar(float64(0)))
	require.Error(t, err, "dtype mismatch")

	assert.Equal(t, p, r.ParamByName("weights"))
	assert.Nil(t, r.ParamByName("nope"))
}

func TestNumParams(t *testing.T) {
	dev := devices.New("cpu", 0)
	defer dev.Close()
	r := newTestReplica(t, dev)
	assert.Equal(t, 17, r.NumParams())
}

func TestFlatten(t *testing.T) {
	dev := devices.New("cpu", 0)
	defer dev.Close()
	r := newTestReplica(t, dev)
	require.False(t, r.Flattened())

	require.NoError(t, r.Flatten())
	require.True(t, r.Flattened())

	// Values survived the move, shapes preserved.
	weights := r.ParamByName("weights")
	bias := r.ParamByName("bias")
	assert.Equal(t, []int{3, 4}, weights.Value.Shape().Dimensions)
	assert.Equal(t, []int{5}, bias.Value.Shape().Dimensions)
	assert.True(t, weights.Value.IsView())
	assert.True(t, bias.Grad.IsView())
	assert.Equal(t, float32(11), tensors.CopyFlatData[float32](weights.Value)[11])
	assert.Equal(t, float32(-1), tensors.CopyFlatData[float32](bias.Value)[0])

	// Layout order: weights at [0:12), bias at [12:17).
	flat := r.FlatParams()
	require.Equal(t, 17, flat.Size())
	tensors.MustConstFlatData(flat.AsView(), func(all []float32) {
		assert.Equal(t, float32(0), all[0])
		assert.Equal(t, float32(11), all[11])
		assert.Equal(t, float32(-1), all[12])
	})

	// Writes through the flat buffer are visible in the parameter view and
	// vice versa.
	tensors.MustMutableFlatData(flat.AsView(), func(all []float32) {
		all[12] = 42
	})
	assert.Equal(t, float32(42), tensors.CopyFlatData[float32](bias.Value)[0])
	tensors.MustMutableFlatData(weights.Value, func(w []float32) {
		w[0] = -7
	})
	tensors.MustConstFlatData(flat.AsView(), func(all []float32) {
		assert.Equal(t, float32(-7), all[0])
	})

	// Exactly once.
	require.Error(t, r.Flatten())

	// The parameter list is frozen.
	assert.Panics(t, func() {
		_, _ = r.AddParameter("late", tensors.FromScalar(float32(0)))
	})
}

func TestFlattenEmpty(t *testing.T) {
	dev := devices.New("cpu", 0)
	defer dev.Close()
	r := replica.New("empty", dev, dtypes.Float32)
	require.Error(t, r.Flatten())
}

func TestFlatBuffersBeforeFlattenPanic(t *testing.T) {
	dev := devices.New("cpu", 0)
	defer dev.Close()
	r := newTestReplica(t, dev)
	assert.Panics(t, func() { r.FlatParams() })
	assert.Panics(t, func() { r.FlatGrads() })
}

func TestSnapshotAndRestore(t *testing.T) {
	dev := devices.New("cpu", 0)
	defer dev.Close()
	r := newTestReplica(t, dev)
	require.NoError(t, r.Flatten())

	snapshot := r.CopyFlatParams()
	require.Equal(t, 17, snapshot.Size())

	// Clobber the parameters, then restore the snapshot.
	weights := r.ParamByName("weights")
	tensors.MustMutableFlatData(weights.Value, func(w []float32) {
		for ii := range w {
			w[ii] = 999
		}
	})
	require.NoError(t, r.SetFlatParams(snapshot))
	assert.Equal(t, float32(3), tensors.CopyFlatData[float32](weights.Value)[3])

	// Snapshot owns its storage: mutating it doesn't touch the replica.
	tensors.MustMutableFlatData(snapshot, func(s []float32) { s[3] = -100 })
	assert.Equal(t, float32(3), tensors.CopyFlatData[float32](weights.Value)[3])

	err := r.SetFlatParams(tensors.FromScalarAndDimensions(float32(0), 16))
	require.Error(t, err, "size mismatch")
}

func TestZeroGrads(t *testing.T) {
	dev := devices.New("cpu", 0)
	defer dev.Close()

	t.Run("before flatten", func(t *testing.T) {
		r := newTestReplica(t, dev)
		g := r.ParamByName("bias").Grad
		tensors.MustMutableFlatData(g, func(flat []float32) { flat[2] = 5 })
		r.ZeroGrads()
		assert.Equal(t, []float32{0, 0, 0, 0, 0}, tensors.CopyFlatData[float32](g))
	})

	t.Run("after flatten", func(t *testing.T) {
		r := newTestReplica(t, dev)
		require.NoError(t, r.Flatten())
		g := r.ParamByName("weights").Grad
		tensors.MustMutableFlatData(g, func(flat []float32) { flat[0] = 5 })
		tensors.MustConstFlatData(r.FlatGrads().AsView(), func(all []float32) {
			assert.Equal(t, float32(5), all[0])
		})
		r.ZeroGrads()
		assert.Equal(t, float32(0), tensors.CopyFlatData[float32](g)[0])
	})
}

func TestFinalize(t *testing.T) {
	dev := devices.New("cpu", 0)
	defer dev.Close()
	r := newTestReplica(t, dev)
	require.NoError(t, r.Flatten())
	require.NoError(t, r.Finalize())
}
