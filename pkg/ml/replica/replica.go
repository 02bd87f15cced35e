// Package replica manages one model replica's parameters and gradients on a
// device.
//
// The point of the package is flattening: after all parameters are
// registered, Flatten moves them into two contiguous device buffers (one for
// values, one for gradients) and re-binds every parameter tensor as a view
// into its buffer. From then on a single whole-buffer transfer moves the
// entire replica state, which is what the cross-replica exchange protocol
// ships, while the executor keeps reading and writing the parameters through
// their original shapes.
package replica

import (
	"reflect"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/tandem/pkg/core/arena"
	"github.com/gomlx/tandem/pkg/core/devices"
	"github.com/gomlx/tandem/pkg/core/tensors"
)

// Parameter is one named tensor of a replica, paired with its gradient.
//
// Before Replica.Flatten both tensors own their storage. After, they are
// views into the replica's flat buffers: the pointers are replaced, so hold
// on to the Parameter and re-read Value/Grad from it rather than caching the
// tensors across a Flatten.
type Parameter struct {
	Name  string
	Value *tensors.Tensor
	Grad  *tensors.Tensor
}

// Replica is an ordered collection of named parameters on one device,
// flattenable into contiguous parameter and gradient buffers.
type Replica struct {
	name   string
	dev    *devices.Device
	dtype  dtypes.DType
	params []*Parameter
	byName map[string]*Parameter

	flatParams *arena.Arena
	flatGrads  *arena.Arena
	spans      []arena.Span
	flattened  bool
}

// New creates an empty replica with the given name on the device. All its
// parameters must use the given dtype.
func New(name string, dev *devices.Device, dtype dtypes.DType) *Replica {
	return &Replica{
		name:   name,
		dev:    dev,
		dtype:  dtype,
		byName: make(map[string]*Parameter),
	}
}

// Name of the replica.
func (r *Replica) Name() string { return r.name }

// Device holding the replica's buffers.
func (r *Replica) Device() *devices.Device { return r.dev }

// DType of the replica's parameters.
func (r *Replica) DType() dtypes.DType { return r.dtype }

// AddParameter registers a parameter with the given initial value; the
// gradient starts as zeros of the same shape. Registration order defines the
// flat layout order.
//
// It panics if called after Flatten, and returns an error on dtype mismatch
// or duplicate name.
func (r *Replica) AddParameter(name string, value *tensors.Tensor) (*Parameter, error) {
	if r.flattened {
		exceptions.Panicf("replica %q: AddParameter(%q) called after Flatten", r.name, name)
	}
	if err := value.CheckValid(); err != nil {
		return nil, errors.WithMessagef(err, "replica %q: AddParameter(%q)", r.name, name)
	}
	if value.DType() != r.dtype {
		return nil, errors.Errorf("replica %q: parameter %q has dtype %s, replica uses %s",
			r.name, name, value.DType(), r.dtype)
	}
	if _, found := r.byName[name]; found {
		return nil, errors.Errorf("replica %q: parameter %q registered twice", r.name, name)
	}
	p := &Parameter{
		Name:  name,
		Value: value,
		Grad:  tensors.FromShape(value.Shape().Clone()),
	}
	r.params = append(r.params, p)
	r.byName[name] = p
	return p, nil
}

// Params returns the parameters in registration order. The returned slice is
// the replica's own; callers must not modify it.
func (r *Replica) Params() []*Parameter { return r.params }

// ParamByName returns the named parameter, or nil.
func (r *Replica) ParamByName(name string) *Parameter { return r.byName[name] }

// NumParams returns the total number of elements across all parameters. It
// is the exact element capacity of each flat buffer.
func (r *Replica) NumParams() int {
	total := 0
	for _, p := range r.params {
		total += p.Value.Size()
	}
	return total
}

// Flattened reports whether Flatten already ran.
func (r *Replica) Flattened() bool { return r.flattened }

// Flatten allocates the flat parameter and gradient buffers, sized to
// exactly NumParams() elements, copies the current parameter values in, and
// re-binds every parameter's Value and Grad as views into the buffers. The
// gradient buffer starts zeroed. The per-parameter shapes are preserved;
// only the storage moves.
//
// Flatten runs exactly once; a second call returns an error.
func (r *Replica) Flatten() error {
	if r.flattened {
		return errors.Errorf("replica %q is already flattened", r.name)
	}
	if len(r.params) == 0 {
		return errors.Errorf("replica %q has no parameters to flatten", r.name)
	}
	total := r.NumParams()
	var err error
	r.flatParams, err = arena.New(r.dev, r.dtype, total)
	if err != nil {
		return errors.WithMessagef(err, "flattening replica %q parameters", r.name)
	}
	r.flatGrads, err = arena.New(r.dev, r.dtype, total)
	if err != nil {
		return errors.WithMessagef(err, "flattening replica %q gradients", r.name)
	}

	// Both arenas are allocated in lockstep, so one span per parameter is
	// valid in either.
	r.spans = make([]arena.Span, 0, len(r.params))
	for _, p := range r.params {
		span, err := r.flatParams.Alloc(p.Value.Shape())
		if err != nil {
			return errors.WithMessagef(err, "flattening replica %q parameter %q", r.name, p.Name)
		}
		if _, err = r.flatGrads.Alloc(p.Value.Shape()); err != nil {
			return errors.WithMessagef(err, "flattening replica %q gradient of %q", r.name, p.Name)
		}
		valueView := r.flatParams.View(span)
		if err = copyFlatInto(valueView, p.Value); err != nil {
			return errors.WithMessagef(err, "flattening replica %q parameter %q", r.name, p.Name)
		}
		p.Value.Finalize()
		p.Grad.Finalize()
		p.Value = valueView
		p.Grad = r.flatGrads.View(span)
		r.spans = append(r.spans, span)
	}
	r.flattened = true
	klog.V(1).Infof("replica %q: flattened %s elements over %d parameters on %s (%s values + %s gradients)",
		r.name, humanize.Comma(int64(total)), len(r.params), r.dev.Name(),
		humanize.Bytes(uint64(r.flatParams.Buffer().Shape().Memory())),
		humanize.Bytes(uint64(r.flatGrads.Buffer().Shape().Memory())))
	return nil
}

// FlatParams returns the whole flat parameter buffer, the handle a
// cross-replica transfer ships. It panics before Flatten.
func (r *Replica) FlatParams() *devices.Buffer {
	if !r.flattened {
		exceptions.Panicf("replica %q: FlatParams called before Flatten", r.name)
	}
	return r.flatParams.Buffer()
}

// FlatGrads returns the whole flat gradient buffer. It panics before
// Flatten.
func (r *Replica) FlatGrads() *devices.Buffer {
	if !r.flattened {
		exceptions.Panicf("replica %q: FlatGrads called before Flatten", r.name)
	}
	return r.flatGrads.Buffer()
}

// CopyFlatParams returns a snapshot of the whole flat parameter buffer as a
// rank-1 tensor owning its storage.
func (r *Replica) CopyFlatParams() *tensors.Tensor {
	return r.FlatParams().AsView().Clone()
}

// SetFlatParams overwrites the whole flat parameter buffer with values: a
// tensor of the replica's dtype and exactly NumParams() elements. Every
// parameter view observes the new values.
func (r *Replica) SetFlatParams(values *tensors.Tensor) error {
	if !r.flattened {
		return errors.Errorf("replica %q: SetFlatParams before Flatten", r.name)
	}
	buf := r.flatParams.Buffer()
	if values.DType() != r.dtype || values.Size() != buf.Size() {
		return errors.Errorf("replica %q: SetFlatParams got %s, flat buffer holds %s",
			r.name, values.Shape(), buf.Shape())
	}
	return copyFlatInto(buf.AsView(), values)
}

// ZeroGrads zeroes every gradient. After flattening this is a single pass
// over the flat gradient buffer.
func (r *Replica) ZeroGrads() {
	if r.flattened {
		r.flatGrads.Zero()
		return
	}
	for _, p := range r.params {
		zeroTensor(p.Grad)
	}
}

// Finalize releases the replica's buffers and tensors. The replica becomes
// unusable.
func (r *Replica) Finalize() error {
	for _, p := range r.params {
		p.Value.Finalize()
		p.Grad.Finalize()
	}
	r.params = nil
	r.byName = nil
	if !r.flattened {
		return nil
	}
	err := r.flatParams.Finalize()
	if err2 := r.flatGrads.Finalize(); err == nil {
		err = err2
	}
	return err
}

// copyFlatInto copies src's flat data into dst. Both must share dtype and
// size; here dst is always a freshly built view of matching shape.
func copyFlatInto(dst, src *tensors.Tensor) error {
	var innerErr error
	err := src.ConstFlatData(func(srcFlat any) {
		innerErr = dst.MutableFlatData(func(dstFlat any) {
			reflect.Copy(reflect.ValueOf(dstFlat), reflect.ValueOf(srcFlat))
		})
	})
	if err != nil {
		return err
	}
	return innerErr
}

func zeroTensor(t *tensors.Tensor) {
	_ = t.MutableFlatData(func(flat any) {
		v := reflect.ValueOf(flat)
		zero := reflect.Zero(v.Type().Elem())
		for ii := range v.Len() {
			v.Index(ii).Set(zero)
		}
	})
}
