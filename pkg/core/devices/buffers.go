package devices

import (
	"reflect"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gomlx/tandem/pkg/core/shapes"
	"github.com/gomlx/tandem/pkg/core/tensors"
)

// Buffer is a device-resident flat buffer: a shape and a flat slice of the
// shape's DType.
//
// Buffers are recycled through per-(dtype, length) pools; a finalized buffer
// must never be used again.
type Buffer struct {
	dev   *Device
	shape shapes.Shape
	valid bool

	// flat is always a slice of the underlying data type (shape.DType).
	flat any
}

type bufferPoolKey struct {
	dtype  dtypes.DType
	length int
}

// getBufferPool for a given dtype/length.
func (d *Device) getBufferPool(dtype dtypes.DType, length int) *sync.Pool {
	key := bufferPoolKey{dtype: dtype, length: length}
	pool, ok := d.bufferPools.Load(key)
	if !ok {
		pool, _ = d.bufferPools.LoadOrStore(key, &sync.Pool{
			New: func() interface{} {
				return &Buffer{
					flat:  reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface(),
					shape: shapes.Make(dtype, length),
				}
			},
		})
	}
	return pool
}

// NewBuffer allocates (or recycles) a zero-initialized buffer of the given
// shape on the device.
func (d *Device) NewBuffer(shape shapes.Shape) *Buffer {
	if !shape.Ok() {
		exceptions.Panicf("Device(%q).NewBuffer with invalid shape", d.name)
	}
	pool := d.getBufferPool(shape.DType, shape.Size())
	buf := pool.Get().(*Buffer)
	buf.dev = d
	buf.shape = shape.Clone()
	buf.valid = true
	buf.Zero()
	return buf
}

// Shape of the buffer, includes DType.
func (b *Buffer) Shape() shapes.Shape { return b.shape }

// Device that owns the buffer.
func (b *Buffer) Device() *Device { return b.dev }

// Size returns the number of elements in the buffer.
func (b *Buffer) Size() int { return b.shape.Size() }

// assertValid panics if the buffer was finalized or never allocated.
func (b *Buffer) assertValid() {
	if b == nil || !b.valid || b.flat == nil || !b.shape.Ok() {
		exceptions.Panicf("devices.Buffer used after Finalize (or never allocated): %p", b)
	}
}

// FlatData returns the buffer's flat data slice (a []T of the buffer's
// DType). It is the actual storage, not a copy.
func (b *Buffer) FlatData() any {
	b.assertValid()
	return b.flat
}

// Zero fills the buffer with zeros.
func (b *Buffer) Zero() {
	b.assertValid()
	flatV := reflect.ValueOf(b.flat)
	zero := reflect.Zero(flatV.Type().Elem())
	for ii := range flatV.Len() {
		flatV.Index(ii).Set(zero)
	}
}

// AsView returns a host tensor whose storage is the buffer's flat data:
// writes through the tensor are writes to the buffer.
func (b *Buffer) AsView() *tensors.Tensor {
	b.assertValid()
	return tensors.FromAnyFlatAsView(b.flat, b.shape)
}

// ViewRange returns a host tensor view of buffer elements [from, from+size)
// reshaped to viewShape; viewShape.Size() must equal size. This is the
// aliasing primitive used by arenas.
func (b *Buffer) ViewRange(from, size int, viewShape shapes.Shape) *tensors.Tensor {
	b.assertValid()
	if viewShape.DType != b.shape.DType {
		exceptions.Panicf("Buffer.ViewRange: view dtype %s != buffer dtype %s", viewShape.DType, b.shape.DType)
	}
	if viewShape.Size() != size {
		exceptions.Panicf("Buffer.ViewRange: view shape %s has %d elements, range has %d",
			viewShape, viewShape.Size(), size)
	}
	if from < 0 || size < 0 || from+size > b.Size() {
		exceptions.Panicf("Buffer.ViewRange(%d, %d) out-of-range for buffer of %d elements",
			from, size, b.Size())
	}
	flatV := reflect.ValueOf(b.flat)
	sub := flatV.Slice3(from, from+size, from+size)
	return tensors.FromAnyFlatAsView(sub.Interface(), viewShape)
}

// Finalize returns the buffer to the device pool. Any references to it
// must be dropped.
func (b *Buffer) Finalize() error {
	if b == nil || !b.valid || b.flat == nil || !b.shape.Ok() {
		return errors.Errorf("Buffer.Finalize(%p): buffer was already finalized or never allocated", b)
	}
	dev := b.dev
	b.valid = false
	b.dev = nil
	pool := dev.getBufferPool(b.shape.DType, b.shape.Size())
	pool.Put(b)
	return nil
}

// CopyFlat copies the contents of src into dst. Shapes must have the same
// dtype and total size; dimensions may differ.
func CopyFlat(dst, src *Buffer) error {
	dst.assertValid()
	src.assertValid()
	if dst.shape.DType != src.shape.DType || dst.Size() != src.Size() {
		return errors.Errorf("devices.CopyFlat: incompatible buffers %s vs %s", dst.shape, src.shape)
	}
	reflect.Copy(reflect.ValueOf(dst.flat), reflect.ValueOf(src.flat))
	return nil
}

// AddFlat accumulates src into dst element-wise (dst += src). Only float
// dtypes are supported; this is the kernel behind gradient accumulation.
func AddFlat(dst, src *Buffer) error {
	dst.assertValid()
	src.assertValid()
	if dst.shape.DType != src.shape.DType || dst.Size() != src.Size() {
		return errors.Errorf("devices.AddFlat: incompatible buffers %s vs %s", dst.shape, src.shape)
	}
	switch dst.shape.DType {
	case dtypes.Float32:
		dstFlat, srcFlat := dst.flat.([]float32), src.flat.([]float32)
		for ii, v := range srcFlat {
			dstFlat[ii] += v
		}
	case dtypes.Float64:
		dstFlat, srcFlat := dst.flat.([]float64), src.flat.([]float64)
		for ii, v := range srcFlat {
			dstFlat[ii] += v
		}
	case dtypes.Float16:
		dstFlat, srcFlat := dst.flat.([]float16.Float16), src.flat.([]float16.Float16)
		for ii, v := range srcFlat {
			dstFlat[ii] = float16.Fromfloat32(dstFlat[ii].Float32() + v.Float32())
		}
	default:
		return errors.Errorf("devices.AddFlat: dtype %s not supported", dst.shape.DType)
	}
	return nil
}
