package comm_test

import (
	"sync"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tandem/pkg/core/comm"
	"github.com/gomlx/tandem/pkg/core/devices"
	"github.com/gomlx/tandem/pkg/core/shapes"
)

func newBufferWithData(dev *devices.Device, data []float32) *devices.Buffer {
	buf := dev.NewBuffer(shapes.Make(dtypes.Float32, len(data)))
	copy(buf.FlatData().([]float32), data)
	return buf
}

func TestOp(t *testing.T) {
	op := comm.NewOp()
	assert.False(t, op.Test())

	go op.Complete(nil)
	require.NoError(t, op.Wait())
	assert.True(t, op.Test())

	// Only the first completion counts.
	op.Complete(errors.New("late"))
	require.NoError(t, op.Wait())
}

func TestWaitAll(t *testing.T) {
	ok1, failed, ok2 := comm.NewOp(), comm.NewOp(), comm.NewOp()
	ok1.Complete(nil)
	failed.Complete(errors.New("boom"))
	ok2.Complete(nil)
	err := comm.WaitAll(ok1, failed, ok2)
	require.ErrorContains(t, err, "boom")
	require.NoError(t, comm.WaitAll(ok1, ok2))
}

func TestLoopbackEagerRoundTrip(t *testing.T) {
	dev := devices.New("test", 0)
	defer dev.Close()
	fabric, err := comm.NewLoopback(2)
	require.NoError(t, err)
	require.Equal(t, 2, fabric.Size())

	rank0, rank1 := fabric.Rank(0), fabric.Rank(1)
	assert.Equal(t, 0, rank0.Rank())
	assert.Equal(t, 2, rank0.Size())

	t.Run("send before recv", func(t *testing.T) {
		src := newBufferWithData(dev, []float32{1, 2, 3})
		dst := dev.NewBuffer(shapes.Make(dtypes.Float32, 3))
		sendOp := rank0.ISend(src, 1, 0)
		assert.True(t, sendOp.Test(), "eager send completes at issue time")
		recvOp := rank1.IRecv(dst, 0, 0)
		require.NoError(t, comm.WaitAll(sendOp, recvOp))
		assert.Equal(t, []float32{1, 2, 3}, dst.FlatData().([]float32))

		// Eager sends stage a copy: mutating src after issue must not
		// affect an un-matched payload.
		src2 := newBufferWithData(dev, []float32{7, 8, 9})
		sendOp2 := rank0.ISend(src2, 1, 0)
		src2.FlatData().([]float32)[0] = -100
		dst2 := dev.NewBuffer(shapes.Make(dtypes.Float32, 3))
		require.NoError(t, rank1.IRecv(dst2, 0, 0).Wait())
		require.NoError(t, sendOp2.Wait())
		assert.Equal(t, []float32{7, 8, 9}, dst2.FlatData().([]float32))
	})

	t.Run("recv before send", func(t *testing.T) {
		dst := dev.NewBuffer(shapes.Make(dtypes.Float32, 3))
		recvOp := rank0.IRecv(dst, 1, 3)
		assert.False(t, recvOp.Test())
		sendOp := rank1.ISend(newBufferWithData(dev, []float32{4, 5, 6}), 0, 3)
		require.NoError(t, comm.WaitAll(recvOp, sendOp))
		assert.Equal(t, []float32{4, 5, 6}, dst.FlatData().([]float32))
	})
}

func TestLoopbackTagAndOrder(t *testing.T) {
	dev := devices.New("test", 0)
	defer dev.Close()
	fabric, err := comm.NewLoopback(2)
	require.NoError(t, err)
	rank0, rank1 := fabric.Rank(0), fabric.Rank(1)

	// Two sends on tag 0 and one on tag 7, issued before any receive.
	op1 := rank0.ISend(newBufferWithData(dev, []float32{1}), 1, 0)
	op2 := rank0.ISend(newBufferWithData(dev, []float32{2}), 1, 0)
	op7 := rank0.ISend(newBufferWithData(dev, []float32{7}), 1, 7)

	tagged := dev.NewBuffer(shapes.Make(dtypes.Float32, 1))
	require.NoError(t, rank1.IRecv(tagged, 0, 7).Wait())
	assert.Equal(t, []float32{7}, tagged.FlatData().([]float32))

	first := dev.NewBuffer(shapes.Make(dtypes.Float32, 1))
	second := dev.NewBuffer(shapes.Make(dtypes.Float32, 1))
	require.NoError(t, rank1.IRecv(first, 0, 0).Wait())
	require.NoError(t, rank1.IRecv(second, 0, 0).Wait())
	assert.Equal(t, []float32{1}, first.FlatData().([]float32), "same-tag transfers match in issue order")
	assert.Equal(t, []float32{2}, second.FlatData().([]float32))

	require.NoError(t, comm.WaitAll(op1, op2, op7))
}

func TestLoopbackSelfTransfer(t *testing.T) {
	dev := devices.New("test", 0)
	defer dev.Close()
	fabric, err := comm.NewLoopback(1)
	require.NoError(t, err)
	rank0 := fabric.Rank(0)

	dst := dev.NewBuffer(shapes.Make(dtypes.Float32, 2))
	sendOp := rank0.ISend(newBufferWithData(dev, []float32{5, 6}), 0, 0)
	recvOp := rank0.IRecv(dst, 0, 0)
	require.NoError(t, comm.WaitAll(sendOp, recvOp))
	assert.Equal(t, []float32{5, 6}, dst.FlatData().([]float32))
}

func TestLoopbackSizeMismatch(t *testing.T) {
	dev := devices.New("test", 0)
	defer dev.Close()
	fabric, err := comm.NewLoopback(2)
	require.NoError(t, err)
	rank0, rank1 := fabric.Rank(0), fabric.Rank(1)

	rank0.ISend(newBufferWithData(dev, []float32{1, 2}), 1, 0)
	short := dev.NewBuffer(shapes.Make(dtypes.Float32, 3))
	err = rank1.IRecv(short, 0, 0).Wait()
	require.Error(t, err)
}

func TestLoopbackRankValidation(t *testing.T) {
	dev := devices.New("test", 0)
	defer dev.Close()
	fabric, err := comm.NewLoopback(2)
	require.NoError(t, err)
	assert.Panics(t, func() { fabric.Rank(2) })
	assert.Panics(t, func() { fabric.Rank(-1) })
	buf := dev.NewBuffer(shapes.Make(dtypes.Float32, 1))
	assert.Panics(t, func() { fabric.Rank(0).ISend(buf, 5, 0) })

	_, err = comm.NewLoopback(0)
	require.Error(t, err)
}

func TestLoopbackRendezvous(t *testing.T) {
	dev := devices.New("test", 0)
	defer dev.Close()
	fabric, err := comm.NewLoopback(2)
	require.NoError(t, err)
	fabric.SetRendezvous(true)
	rank0, rank1 := fabric.Rank(0), fabric.Rank(1)

	src := newBufferWithData(dev, []float32{1, 2})
	sendOp := rank0.ISend(src, 1, 0)
	assert.False(t, sendOp.Test(), "rendezvous send is pending until matched")

	dst := dev.NewBuffer(shapes.Make(dtypes.Float32, 2))
	recvOp := rank1.IRecv(dst, 0, 0)
	require.NoError(t, comm.WaitAll(sendOp, recvOp))
	assert.Equal(t, []float32{1, 2}, dst.FlatData().([]float32))
}

// TestLoopbackHandshakeOrders runs a two-rank handshake on a rendezvous
// fabric in the two possible disciplines: issuing both operations before
// waiting completes regardless of issue order, while waiting on the send
// before posting the receive deadlocks on both ranks.
func TestLoopbackHandshakeOrders(t *testing.T) {
	dev := devices.New("test", 0)
	defer dev.Close()

	t.Run("issue both then wait", func(t *testing.T) {
		fabric, err := comm.NewLoopback(2)
		require.NoError(t, err)
		fabric.SetRendezvous(true).SetDeadlockDetection(true)

		errs := make(chan error, 2)
		for rank := range 2 {
			go func() {
				mesh := fabric.Rank(rank)
				peer := 1 - rank
				src := newBufferWithData(dev, []float32{float32(rank)})
				dst := dev.NewBuffer(shapes.Make(dtypes.Float32, 1))
				// Both ranks send first; safe because the receive is
				// issued before any wait.
				sendOp := mesh.ISend(src, peer, 0)
				recvOp := mesh.IRecv(dst, peer, 0)
				errs <- comm.WaitAll(sendOp, recvOp)
			}()
		}
		for range 2 {
			require.NoError(t, <-errs)
		}
	})

	t.Run("wait on send before posting recv deadlocks", func(t *testing.T) {
		fabric, err := comm.NewLoopback(2)
		require.NoError(t, err)
		fabric.SetRendezvous(true).SetDeadlockDetection(true)

		errs := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		for rank := range 2 {
			go func() {
				defer wg.Done()
				mesh := fabric.Rank(rank)
				peer := 1 - rank
				src := newBufferWithData(dev, []float32{float32(rank)})
				sendOp := mesh.ISend(src, peer, 0)
				errs <- sendOp.Wait() // Blocks: no receive was posted anywhere.
			}()
		}

		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("deadlock was not detected")
		}
		for range 2 {
			err := <-errs
			require.Error(t, err)
			assert.True(t, errors.Is(err, comm.ErrDeadlock), "got: %v", err)
		}

		// The fabric stays down: later operations fail immediately.
		late := dev.NewBuffer(shapes.Make(dtypes.Float32, 1))
		err = fabric.Rank(0).IRecv(late, 1, 0).Wait()
		require.Error(t, err)
		assert.True(t, errors.Is(err, comm.ErrDeadlock))
	})
}
