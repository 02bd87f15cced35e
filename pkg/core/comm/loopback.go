package comm

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/tandem/pkg/core/devices"
)

// Loopback is an in-process communication fabric connecting size ranks.
// Each rank's Mesh view is obtained with Loopback.Rank.
//
// Two delivery modes:
//   - eager (default): a send completes at issue time; the payload is staged
//     by copy and delivered when the matching receive arrives.
//   - rendezvous: a send completes only when the matching receive is posted;
//     the payload is copied directly between the two buffers.
//
// With deadlock detection enabled, the fabric assumes one coordinating
// goroutine per rank (the scheduling model of the step scheduler). When
// every rank is blocked on PendingOp.Wait and no pending transfer can ever
// match, all pending operations complete with an error wrapping ErrDeadlock,
// and any operation issued afterward fails immediately.
type Loopback struct {
	size       int
	rendezvous bool
	detect     bool

	mu           sync.Mutex
	broken       error
	waiters      int
	numPending   int
	pendingSends map[pairKey][]*loopTransfer
	pendingRecvs map[pairKey][]*loopTransfer
}

// pairKey identifies a matching queue: transfers match when their
// (src, dst, tag) mirror each other.
type pairKey struct {
	src, dst, tag int
}

type loopTransfer struct {
	fabric *Loopback
	id     string
	isSend bool
	key    pairKey

	// buf is the receive destination, or the send source under rendezvous.
	buf *devices.Buffer
	// staged holds the copied payload of an eager send.
	staged any

	// blocked marks the owner rank as sitting in Wait on this transfer.
	// Guarded by the fabric lock.
	blocked bool

	op *Op
}

// NewLoopback creates a fabric with the given number of ranks.
func NewLoopback(size int) (*Loopback, error) {
	if size < 1 {
		return nil, errors.Errorf("comm.NewLoopback: size must be >= 1, got %d", size)
	}
	return &Loopback{
		size:         size,
		pendingSends: make(map[pairKey][]*loopTransfer),
		pendingRecvs: make(map[pairKey][]*loopTransfer),
	}, nil
}

// SetRendezvous switches sends to complete only when matched. Call before
// issuing any transfer.
func (l *Loopback) SetRendezvous(on bool) *Loopback {
	l.rendezvous = on
	return l
}

// SetDeadlockDetection enables completing all blocked operations with
// ErrDeadlock when no progress is possible. Call before issuing any
// transfer.
func (l *Loopback) SetDeadlockDetection(on bool) *Loopback {
	l.detect = on
	return l
}

// Size returns the number of ranks in the fabric.
func (l *Loopback) Size() int { return l.size }

// Rank returns rank r's view of the fabric.
func (l *Loopback) Rank(r int) Mesh {
	if r < 0 || r >= l.size {
		exceptions.Panicf("Loopback.Rank(%d) out-of-range for size %d", r, l.size)
	}
	return &loopbackRank{fabric: l, rank: r}
}

// loopbackRank is one rank's Mesh view of a Loopback fabric.
type loopbackRank struct {
	fabric *Loopback
	rank   int
}

func (r *loopbackRank) Size() int { return r.fabric.size }

func (r *loopbackRank) Rank() int { return r.rank }

func (r *loopbackRank) String() string {
	return fmt.Sprintf("loopback[%d/%d]", r.rank, r.fabric.size)
}

func (r *loopbackRank) ISend(buf *devices.Buffer, dst, tag int) PendingOp {
	r.checkPeer(dst)
	t := &loopTransfer{
		fabric: r.fabric,
		id:     uuid.NewString(),
		isSend: true,
		key:    pairKey{src: r.rank, dst: dst, tag: tag},
		buf:    buf,
		op:     NewOp(),
	}
	r.fabric.post(t)
	return t
}

func (r *loopbackRank) IRecv(buf *devices.Buffer, src, tag int) PendingOp {
	r.checkPeer(src)
	t := &loopTransfer{
		fabric: r.fabric,
		id:     uuid.NewString(),
		isSend: false,
		key:    pairKey{src: src, dst: r.rank, tag: tag},
		buf:    buf,
		op:     NewOp(),
	}
	r.fabric.post(t)
	return t
}

func (r *loopbackRank) checkPeer(peer int) {
	if peer < 0 || peer >= r.fabric.size {
		exceptions.Panicf("%s: peer rank %d out-of-range", r, peer)
	}
}

// Wait implements PendingOp, keeping the fabric's blocked-rank accounting
// for deadlock detection.
func (t *loopTransfer) Wait() error {
	t.fabric.enterWait(t)
	defer t.fabric.exitWait(t)
	return t.op.Wait()
}

// Test implements PendingOp.
func (t *loopTransfer) Test() bool { return t.op.Test() }

// post matches the transfer against the opposite queue or leaves it
// pending.
func (l *Loopback) post(t *loopTransfer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.broken != nil {
		t.op.Complete(errors.WithMessagef(l.broken, "fabric is down, %s rejected", t.describe()))
		return
	}

	var mine, theirs map[pairKey][]*loopTransfer
	if t.isSend {
		mine, theirs = l.pendingSends, l.pendingRecvs
	} else {
		mine, theirs = l.pendingRecvs, l.pendingSends
	}

	if queue := theirs[t.key]; len(queue) > 0 {
		match := queue[0]
		theirs[t.key] = queue[1:]
		l.numPending--
		l.deliver(t, match)
		return
	}

	if t.isSend && !l.rendezvous {
		// Eager send: stage the payload and complete at issue time.
		t.staged = cloneFlat(t.buf)
		t.buf = nil
		t.op.Complete(nil)
	}
	mine[t.key] = append(mine[t.key], t)
	l.numPending++
	klog.V(2).Infof("loopback: %s pending", t.describe())
}

// deliver copies the payload for a matched pair and completes the tokens.
// Called with the fabric lock held.
func (l *Loopback) deliver(a, b *loopTransfer) {
	send, recv := a, b
	if !send.isSend {
		send, recv = b, a
	}
	var err error
	if send.staged != nil {
		err = copyStagedInto(recv.buf, send.staged)
	} else {
		err = devices.CopyFlat(recv.buf, send.buf)
	}
	if err != nil {
		err = errors.WithMessagef(err, "loopback: transfer %d->%d tag=%d", send.key.src, send.key.dst, send.key.tag)
		klog.Errorf("%+v", err)
	} else {
		klog.V(2).Infof("loopback: delivered %s -> %s", send.describe(), recv.describe())
	}
	send.op.Complete(err)
	recv.op.Complete(err)
	l.lockedUnblock(send)
	l.lockedUnblock(recv)
}

// enterWait counts the transfer's rank as blocked. Completions all happen
// under the fabric lock and unblock their transfer, so the count is exact:
// once it covers every rank while unmatched transfers remain, no future post
// can create a match anymore and the fabric declares a deadlock.
func (l *Loopback) enterWait(t *loopTransfer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.op.Test() {
		return
	}
	t.blocked = true
	l.waiters++
	if l.detect && l.broken == nil && l.waiters >= l.size && l.numPending > 0 {
		l.lockedDeclareDeadlock()
	}
}

func (l *Loopback) exitWait(t *loopTransfer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lockedUnblock(t)
}

// lockedUnblock drops the transfer from the blocked-rank count. Called with
// the fabric lock held.
func (l *Loopback) lockedUnblock(t *loopTransfer) {
	if t.blocked {
		t.blocked = false
		l.waiters--
	}
}

// lockedDeclareDeadlock completes every pending transfer with ErrDeadlock
// and marks the fabric broken. Called with the fabric lock held.
func (l *Loopback) lockedDeclareDeadlock() {
	l.broken = ErrDeadlock
	klog.Errorf("loopback: deadlock with %d unmatched transfer(s), all %d ranks waiting", l.numPending, l.size)
	for _, queues := range []map[pairKey][]*loopTransfer{l.pendingSends, l.pendingRecvs} {
		for key, queue := range queues {
			for _, t := range queue {
				t.op.Complete(errors.WithMessagef(ErrDeadlock, "%s can never match", t.describe()))
				l.lockedUnblock(t)
			}
			delete(queues, key)
		}
	}
	l.numPending = 0
}

func (t *loopTransfer) describe() string {
	kind := "irecv"
	if t.isSend {
		kind = "isend"
	}
	return fmt.Sprintf("%s[%s] %d->%d tag=%d", kind, t.id[:8], t.key.src, t.key.dst, t.key.tag)
}

// cloneFlat copies a buffer's flat data into a freshly allocated slice of
// the same type.
func cloneFlat(buf *devices.Buffer) any {
	flatV := reflect.ValueOf(buf.FlatData())
	staged := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	reflect.Copy(staged, flatV)
	return staged.Interface()
}

// copyStagedInto copies a staged payload into the receive buffer, checking
// type and length.
func copyStagedInto(buf *devices.Buffer, staged any) error {
	dstV := reflect.ValueOf(buf.FlatData())
	srcV := reflect.ValueOf(staged)
	if dstV.Type() != srcV.Type() || dstV.Len() != srcV.Len() {
		return errors.Errorf("payload is %v of %d elements, receive buffer is %s",
			srcV.Type(), srcV.Len(), buf.Shape())
	}
	reflect.Copy(dstV, srcV)
	return nil
}
