// Package arena implements a bump allocator over one contiguous device
// buffer.
//
// An Arena hands out Spans: offset+length handles into its buffer. A Span
// can be materialized as a tensor view (Arena.View) that shares the buffer's
// storage, so a single transfer of the whole buffer moves every value
// allocated from it, and a write through any view is immediately visible in
// the buffer.
//
// This is the storage scheme for whole-model flat parameter and gradient
// buffers: allocate one arena per buffer, carve one span per model
// parameter, and ship Arena.Buffer in one message.
package arena

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/tandem/pkg/core/devices"
	"github.com/gomlx/tandem/pkg/core/shapes"
	"github.com/gomlx/tandem/pkg/core/tensors"
)

// Arena owns one contiguous zero-initialized device buffer and bump-allocates
// spans from it. It never frees individual spans; the whole arena is
// finalized at once.
type Arena struct {
	dev      *devices.Device
	buf      *devices.Buffer
	dtype    dtypes.DType
	capacity int
	used     int
}

// Span is a handle to a contiguous range of an arena: elements
// [Offset, Offset+Length) reshaped to Shape. Spans are plain values; they
// are only meaningful together with the arena that allocated them.
type Span struct {
	Offset, Length int
	Shape          shapes.Shape
}

// String implements fmt.Stringer.
func (s Span) String() string {
	return fmt.Sprintf("Span[%d:%d]%s", s.Offset, s.Offset+s.Length, s.Shape)
}

// New creates an arena of capacity elements of the given dtype on the
// device. The backing buffer starts zero-initialized.
func New(dev *devices.Device, dtype dtypes.DType, capacity int) (*Arena, error) {
	if capacity <= 0 {
		return nil, errors.Errorf("arena.New: capacity must be > 0, got %d", capacity)
	}
	return &Arena{
		dev:      dev,
		buf:      dev.NewBuffer(shapes.Make(dtype, capacity)),
		dtype:    dtype,
		capacity: capacity,
	}, nil
}

// Alloc reserves the next shape.Size() elements of the arena and returns the
// span handle. Allocation order is the layout order: consecutive Alloc calls
// return consecutive, non-overlapping ranges.
func (a *Arena) Alloc(shape shapes.Shape) (Span, error) {
	if shape.DType != a.dtype {
		return Span{}, errors.Errorf("arena.Alloc(%s): arena dtype is %s", shape, a.dtype)
	}
	size := shape.Size()
	if a.used+size > a.capacity {
		return Span{}, errors.Errorf("arena.Alloc(%s): %d elements needed, %d remaining of %d",
			shape, size, a.Remaining(), a.capacity)
	}
	span := Span{Offset: a.used, Length: size, Shape: shape.Clone()}
	a.used += size
	return span, nil
}

// View materializes a span as a tensor sharing the arena's storage.
//
// It panics if the span was not allocated from this arena (offset/length out
// of the used range, or dtype mismatch).
func (a *Arena) View(span Span) *tensors.Tensor {
	if span.Shape.DType != a.dtype {
		exceptions.Panicf("Arena.View(%s): arena dtype is %s", span, a.dtype)
	}
	if span.Offset < 0 || span.Length != span.Shape.Size() || span.Offset+span.Length > a.used {
		exceptions.Panicf("Arena.View(%s): span not allocated from this arena (used=%d)", span, a.used)
	}
	return a.buf.ViewRange(span.Offset, span.Length, span.Shape)
}

// Buffer returns the arena's whole backing buffer, the handle used to
// transfer all spans in one message.
func (a *Arena) Buffer() *devices.Buffer { return a.buf }

// Device that holds the arena.
func (a *Arena) Device() *devices.Device { return a.dev }

// DType of the arena's elements.
func (a *Arena) DType() dtypes.DType { return a.dtype }

// Capacity returns the total number of elements in the arena.
func (a *Arena) Capacity() int { return a.capacity }

// Used returns the number of elements already allocated.
func (a *Arena) Used() int { return a.used }

// Remaining returns the number of elements still available.
func (a *Arena) Remaining() int { return a.capacity - a.used }

// Zero fills the whole arena buffer with zeros. Existing views observe the
// change.
func (a *Arena) Zero() { a.buf.Zero() }

// Finalize releases the backing buffer. All spans and views become invalid.
func (a *Arena) Finalize() error {
	return a.buf.Finalize()
}
