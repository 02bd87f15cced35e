// Package comm defines the point-to-point communication substrate used to
// exchange flat buffers between ranks, and the completion tokens returned by
// its non-blocking operations.
//
// The contract callers must follow: issue every operation of an exchange
// first (both the send and the receive), then wait on the tokens. Waiting on
// a send before posting the matching receive may never return on a
// rendezvous transport; see the Loopback implementation and the exchange
// package for the rank-role assignment that keeps whole-group exchanges
// deadlock free.
//
// Loopback is the in-process implementation, used by tests and by drivers
// that run every rank in one process. A real network transport satisfies the
// same Mesh interface.
package comm

import (
	"github.com/pkg/errors"

	"github.com/gomlx/tandem/pkg/core/devices"
	"github.com/gomlx/tandem/pkg/support/xsync"
)

// PendingOp is the completion token of a non-blocking communication
// operation.
//
// Wait blocks until the operation completes and returns its final status;
// it is safe to call from multiple goroutines and after completion. Test
// reports completion without blocking.
type PendingOp interface {
	Wait() error
	Test() bool
}

// ErrDeadlock is wrapped in the error that completes every blocked operation
// when a transport with deadlock detection concludes no progress is
// possible.
var ErrDeadlock = errors.New("deadlock: all ranks are waiting and no transfer can match")

// Mesh is one rank's view of the communication fabric for one model-parallel
// group.
//
// ISend and IRecv issue non-blocking transfers of a buffer's flat contents
// and return immediately; completion is observed through the returned token.
// A transfer matches the first counterpart with mirrored (src, dst) and the
// same tag, in issue order.
type Mesh interface {
	// Size returns the number of ranks in the group.
	Size() int

	// Rank returns this member's rank, in [0, Size()).
	Rank() int

	// ISend issues a non-blocking send of buf's contents to rank dst.
	ISend(buf *devices.Buffer, dst, tag int) PendingOp

	// IRecv issues a non-blocking receive into buf from rank src.
	IRecv(buf *devices.Buffer, src, tag int) PendingOp
}

// Op is the basic PendingOp implementation: a latch completed exactly once
// by the transport.
type Op struct {
	latch *xsync.LatchWithValue[error]
}

// NewOp returns an incomplete token.
func NewOp() *Op {
	return &Op{latch: xsync.NewLatchWithValue[error]()}
}

// Complete the operation with its final status. Only the first call counts.
func (o *Op) Complete(err error) {
	o.latch.Trigger(err)
}

// Wait blocks until the operation completes.
func (o *Op) Wait() error {
	return o.latch.Wait()
}

// Test reports whether the operation has completed.
func (o *Op) Test() bool {
	return o.latch.Test()
}

// WaitAll waits for every token, in order, and returns the first non-nil
// error. All tokens are waited on even after an error, so no operation is
// left unaccounted for.
func WaitAll(ops ...PendingOp) error {
	var first error
	for _, op := range ops {
		if err := op.Wait(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
