// Package exchange implements the cross-replica transfer protocol of the
// dual-replica scheme: each rank pairs with the mirror rank of the group
// (mpSize-1-localRank) and swaps whole flattened parameter or gradient
// buffers with it, alternating direction with the step parity.
//
// Parity rule: on an odd step replica-2's buffer is sent and the partner's
// payload lands in replica-1's buffer; on an even step the roles flip. The
// two replicas thus take turns being "mine to write" and "theirs to read",
// which is what lets both replicas share one set of devices.
//
// Deadlock discipline: a whole-group exchange issues its send and its
// receive before waiting on either. For parameters the two halves of the
// group additionally disagree on issue order (lower half send-first, upper
// half receive-first) so that even a rendezvous transport pairs up. The
// gradient exchange issues send-first on every rank; it stays safe because
// both operations are non-blocking and waited together.
package exchange

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/tandem/pkg/core/comm"
	"github.com/gomlx/tandem/pkg/core/devices"
	"github.com/gomlx/tandem/pkg/ml/replica"
)

// DefaultTag is the message tag used by all transfers unless overridden
// with WithTag.
const DefaultTag = 0

// Exchanger runs the cross-replica exchanges of one rank. It operates on the
// flattened buffers of the rank's two replicas, so both replicas must be
// flattened and live on the same device.
type Exchanger struct {
	mesh comm.Mesh
	dev  *devices.Device
	r1   *replica.Replica
	r2   *replica.Replica

	mpSize    int
	localRank int
	tag       int
}

// New builds the exchanger for one rank of the group. Both replicas must
// already be flattened, share a device and have the same flat size and
// dtype.
func New(mesh comm.Mesh, r1, r2 *replica.Replica) (*Exchanger, error) {
	if mesh == nil {
		return nil, errors.New("exchange.New: mesh is nil")
	}
	if mesh.Size() < 2 {
		return nil, errors.Errorf("exchange.New: group of %d rank(s), pairing needs at least 2", mesh.Size())
	}
	if !r1.Flattened() || !r2.Flattened() {
		return nil, errors.Errorf("exchange.New: replicas %q and %q must be flattened first", r1.Name(), r2.Name())
	}
	if r1.Device() != r2.Device() {
		return nil, errors.Errorf("exchange.New: replicas %q and %q live on different devices", r1.Name(), r2.Name())
	}
	if r1.DType() != r2.DType() {
		return nil, errors.Errorf("exchange.New: dtype mismatch, %q uses %s and %q uses %s",
			r1.Name(), r1.DType(), r2.Name(), r2.DType())
	}
	if r1.NumParams() != r2.NumParams() {
		return nil, errors.Errorf("exchange.New: flat sizes differ, %q has %d parameters and %q has %d",
			r1.Name(), r1.NumParams(), r2.Name(), r2.NumParams())
	}
	return &Exchanger{
		mesh:      mesh,
		dev:       r1.Device(),
		r1:        r1,
		r2:        r2,
		mpSize:    mesh.Size(),
		localRank: mesh.Rank(),
		tag:       DefaultTag,
	}, nil
}

// WithTag sets the message tag used by all transfers and returns the
// exchanger, for chaining after New.
func (e *Exchanger) WithTag(tag int) *Exchanger {
	e.tag = tag
	return e
}

// Rank of this exchanger within the group.
func (e *Exchanger) Rank() int { return e.localRank }

// Partner returns the mirror rank this rank exchanges with.
func (e *Exchanger) Partner() int { return e.mpSize - 1 - e.localRank }

// paramBuffers returns the flat parameter buffers for the given parity:
// send holds this rank's outgoing parameters, recv is where the partner's
// land.
func (e *Exchanger) paramBuffers(odd bool) (send, recv *devices.Buffer) {
	if odd {
		return e.r2.FlatParams(), e.r1.FlatParams()
	}
	return e.r1.FlatParams(), e.r2.FlatParams()
}

// gradBuffers returns the flat gradient buffers for the given parity: send
// holds this rank's outgoing gradients, acc is the buffer the partner's
// gradients accumulate into.
func (e *Exchanger) gradBuffers(odd bool) (send, acc *devices.Buffer) {
	if odd {
		return e.r2.FlatGrads(), e.r1.FlatGrads()
	}
	return e.r1.FlatGrads(), e.r2.FlatGrads()
}

// SendParams issues a non-blocking send of the parity-selected flat
// parameter buffer to rank dst.
func (e *Exchanger) SendParams(dst int, odd bool) comm.PendingOp {
	send, _ := e.paramBuffers(odd)
	klog.V(2).Infof("exchange: rank %d sends params to %d (odd=%v, %d elements)", e.localRank, dst, odd, send.Size())
	return e.mesh.ISend(send, dst, e.tag)
}

// RecvParams issues a non-blocking receive of the partner replica's
// parameters from rank src, into the parity-selected flat buffer.
func (e *Exchanger) RecvParams(src int, odd bool) comm.PendingOp {
	_, recv := e.paramBuffers(odd)
	klog.V(2).Infof("exchange: rank %d receives params from %d (odd=%v, %d elements)", e.localRank, src, odd, recv.Size())
	return e.mesh.IRecv(recv, src, e.tag)
}

// SendRecvParams runs the whole parameter exchange with the partner rank:
// device sync, issue both transfers, wait for both.
//
// Issue order is role-split so the protocol cannot deadlock pairwise: ranks
// in the lower half of the group send first, ranks in the upper half receive
// first. Since partners always straddle the middle, every send is faced by
// an already-posted receive.
func (e *Exchanger) SendRecvParams(odd bool) error {
	partner := e.Partner()
	e.dev.Synchronize()
	var first, second comm.PendingOp
	if e.localRank < e.mpSize/2 {
		first = e.SendParams(partner, odd)
		second = e.RecvParams(partner, odd)
	} else {
		first = e.RecvParams(partner, odd)
		second = e.SendParams(partner, odd)
	}
	if err := comm.WaitAll(first, second); err != nil {
		return errors.WithMessagef(err, "exchange: params rank %d <-> %d", e.localRank, partner)
	}
	return nil
}

// SendGrads issues a non-blocking send of the parity-selected flat gradient
// buffer to rank dst.
func (e *Exchanger) SendGrads(dst int, odd bool) comm.PendingOp {
	send, _ := e.gradBuffers(odd)
	klog.V(2).Infof("exchange: rank %d sends grads to %d (odd=%v, %d elements)", e.localRank, dst, odd, send.Size())
	return e.mesh.ISend(send, dst, e.tag)
}

// NewGradScratch allocates a zeroed scratch buffer sized like the parity's
// accumulation target, for receiving the partner's gradients. The caller
// owns it and should Finalize it after accumulating.
func (e *Exchanger) NewGradScratch(odd bool) *devices.Buffer {
	_, acc := e.gradBuffers(odd)
	return e.dev.NewBuffer(acc.Shape())
}

// RecvGradsInto issues a non-blocking receive of the partner's gradients
// from rank src into the scratch buffer.
func (e *Exchanger) RecvGradsInto(scratch *devices.Buffer, src int) comm.PendingOp {
	klog.V(2).Infof("exchange: rank %d receives grads from %d (%d elements)", e.localRank, src, scratch.Size())
	return e.mesh.IRecv(scratch, src, e.tag)
}

// AccumulateGrads adds the received gradients in scratch into the
// parity-selected local flat gradient buffer. Always additive; local
// contributions are never overwritten.
func (e *Exchanger) AccumulateGrads(odd bool, scratch *devices.Buffer) error {
	_, acc := e.gradBuffers(odd)
	if err := devices.AddFlat(acc, scratch); err != nil {
		return errors.WithMessage(err, "exchange: accumulating received grads")
	}
	return nil
}

// SendRecvGrads runs the whole gradient exchange with the partner rank:
// device sync, issue send then receive, wait for both, then accumulate the
// received gradients into the parity's local buffer.
//
// Unlike the parameter exchange, every rank issues send-first here. The
// protocols are deliberately distinct; this one is safe because both
// operations are issued before either is waited on.
func (e *Exchanger) SendRecvGrads(odd bool) error {
	partner := e.Partner()
	e.dev.Synchronize()
	scratch := e.NewGradScratch(odd)
	sendOp := e.SendGrads(partner, odd)
	recvOp := e.RecvGradsInto(scratch, partner)
	if err := comm.WaitAll(sendOp, recvOp); err != nil {
		_ = scratch.Finalize()
		return errors.WithMessagef(err, "exchange: grads rank %d <-> %d", e.localRank, partner)
	}
	if err := e.AccumulateGrads(odd, scratch); err != nil {
		_ = scratch.Finalize()
		return err
	}
	return scratch.Finalize()
}
