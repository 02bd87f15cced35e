// Package devices implements Device, an explicit handle to a compute device
// with an in-order asynchronous work queue, and device-resident flat
// buffers.
//
// A Device stands in for an accelerator stream: work submitted with Launch
// runs asynchronously, in submission order, on the device's single worker.
// Synchronize blocks the caller until everything submitted before it has
// retired. Code that mixes device compute with buffer transfers must
// synchronize before letting a transfer read or mutate a buffer that queued
// compute may still be writing.
//
// There is no ambient or global device: everything that allocates or
// synchronizes takes the *Device handle explicitly.
package devices

import (
	"sync"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/tandem/pkg/support/xsync"
)

// Device is a handle to one compute device and its in-order work queue.
//
// Create it with New; a Device must be Closed when no longer needed to
// release its worker goroutine.
type Device struct {
	name    string
	ordinal int

	mu     sync.Mutex
	cond   sync.Cond
	queue  []func()
	closed bool

	workerDone *xsync.Latch

	bufferPools xsync.SyncMap[bufferPoolKey, *sync.Pool]
}

// New creates a Device with the given name and ordinal and starts its
// worker.
func New(name string, ordinal int) *Device {
	d := &Device{
		name:       name,
		ordinal:    ordinal,
		workerDone: xsync.NewLatch(),
	}
	d.cond = sync.Cond{L: &d.mu}
	go d.worker()
	klog.V(1).Infof("devices.New(%q, #%d)", name, ordinal)
	return d
}

// Name of the device.
func (d *Device) Name() string { return d.name }

// Ordinal of the device among its peers.
func (d *Device) Ordinal() int { return d.ordinal }

// worker drains the queue in FIFO order until the device is closed.
func (d *Device) worker() {
	d.mu.Lock()
	for {
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.closed {
			break
		}
		op := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		op()
		d.mu.Lock()
	}
	d.mu.Unlock()
	d.workerDone.Trigger()
}

// Launch submits op to the device queue and returns immediately. Ops run
// one at a time, in submission order.
//
// It panics if the device has been closed.
func (d *Device) Launch(op func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		exceptions.Panicf("devices.Device(%q).Launch after Close", d.name)
	}
	d.queue = append(d.queue, op)
	d.cond.Signal()
}

// Synchronize blocks until every op submitted before this call has retired.
// On an idle device it returns immediately.
func (d *Device) Synchronize() {
	d.mu.Lock()
	if d.closed {
		// Close drains the queue before the worker exits.
		d.mu.Unlock()
		d.workerDone.Wait()
		return
	}
	marker := xsync.NewLatch()
	d.queue = append(d.queue, marker.Trigger)
	d.cond.Signal()
	d.mu.Unlock()
	marker.Wait()
}

// Close drains the queue and stops the worker. Launch after Close panics;
// Close is idempotent.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.workerDone.Wait()
		return
	}
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
	d.workerDone.Wait()
	klog.V(1).Infof("devices.Device(%q, #%d).Close", d.name, d.ordinal)
}
