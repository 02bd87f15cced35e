package pipeline

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/gomlx/tandem/pkg/core/shapes"
	"github.com/gomlx/tandem/pkg/core/tensors"
	"github.com/gomlx/tandem/pkg/ml/replica"
	"github.com/gomlx/tandem/pkg/support/xsync"
)

// DenseConfig configures a Dense executor.
type DenseConfig struct {
	// LocalRank of the executor within its replica's model-parallel group.
	LocalRank int

	// SplitRank and SplitSize locate this rank's pipeline stage; loss and
	// correct-count are reported only when SplitRank == SplitSize-1.
	SplitRank, SplitSize int

	// Parts is the number of micro-parts per batch.
	Parts int

	// Features is the full per-sample input width; Classes the number of
	// output classes.
	Features, Classes int

	// TileOffset and TileSize select the feature range (the spatial tile)
	// this rank computes on.
	TileOffset, TileSize int
}

func (cfg DenseConfig) validate() error {
	if cfg.LocalRank < 0 {
		return errors.Errorf("pipeline.DenseConfig: LocalRank must be >= 0, got %d", cfg.LocalRank)
	}
	if cfg.SplitSize < 1 || cfg.SplitRank < 0 || cfg.SplitRank >= cfg.SplitSize {
		return errors.Errorf("pipeline.DenseConfig: SplitRank=%d out-of-range for SplitSize=%d", cfg.SplitRank, cfg.SplitSize)
	}
	if cfg.Parts < 1 {
		return errors.Errorf("pipeline.DenseConfig: Parts must be >= 1, got %d", cfg.Parts)
	}
	if cfg.Features < 1 || cfg.Classes < 2 {
		return errors.Errorf("pipeline.DenseConfig: need Features >= 1 and Classes >= 2, got %d and %d", cfg.Features, cfg.Classes)
	}
	if cfg.TileSize < 1 || cfg.TileOffset < 0 || cfg.TileOffset+cfg.TileSize > cfg.Features {
		return errors.Errorf("pipeline.DenseConfig: tile [%d:%d) outside the %d input features",
			cfg.TileOffset, cfg.TileOffset+cfg.TileSize, cfg.Features)
	}
	return nil
}

// Dense is a reference Executor: a linear softmax classifier over one
// spatial tile (a feature range) of the input.
//
// Its parameters -- "dense/weights" of shape (TileSize, Classes) and
// "dense/bias" of shape (Classes) -- are registered on the replica at
// construction and, once the replica is flattened, live as views of the flat
// buffers: every forward pass reads whatever the latest cross-replica
// exchange left there, and every backward pass accumulates gradients
// straight into the flat gradient buffer.
//
// Compute runs on the replica's device queue. ForwardPass and BackwardPass
// only validate and enqueue; reading the returned PartResult blocks until
// the forward op retires, which is how the terminal stage pulls its scalars
// out exactly once per micro-part.
type Dense struct {
	cfg     DenseConfig
	rep     *replica.Replica
	weights *replica.Parameter
	bias    *replica.Parameter

	// pending per-part forward state, written and consumed by device ops.
	pending []*densePart
	// issued tracks in-flight parts on the scheduler thread.
	issued []bool
}

// densePart is the forward state one backward pass consumes.
type densePart struct {
	x      *mat.Dense // n x TileSize
	probs  *mat.Dense // n x Classes
	labels []int
}

var _ Executor = (*Dense)(nil)

// NewDense registers the classifier parameters (zero-initialized) on the
// replica and returns the executor. The replica must not be flattened yet.
func NewDense(rep *replica.Replica, cfg DenseConfig) (*Dense, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if rep.DType() != dtypes.Float32 && rep.DType() != dtypes.Float64 {
		return nil, errors.Errorf("pipeline.NewDense: replica %q uses dtype %s, Dense supports Float32 and Float64",
			rep.Name(), rep.DType())
	}
	d := &Dense{
		cfg:     cfg,
		rep:     rep,
		pending: make([]*densePart, cfg.Parts),
		issued:  make([]bool, cfg.Parts),
	}
	var err error
	d.weights, err = rep.AddParameter("dense/weights", tensors.FromShape(shapes.Make(rep.DType(), cfg.TileSize, cfg.Classes)))
	if err != nil {
		return nil, errors.WithMessagef(err, "pipeline.NewDense on replica %q", rep.Name())
	}
	d.bias, err = rep.AddParameter("dense/bias", tensors.FromShape(shapes.Make(rep.DType(), cfg.Classes)))
	if err != nil {
		return nil, errors.WithMessagef(err, "pipeline.NewDense on replica %q", rep.Name())
	}
	klog.V(1).Infof("pipeline.Dense on replica %q: rank %d, stage %d/%d, tile [%d:%d) of %d features, %d classes",
		rep.Name(), cfg.LocalRank, cfg.SplitRank, cfg.SplitSize,
		cfg.TileOffset, cfg.TileOffset+cfg.TileSize, cfg.Features, cfg.Classes)
	return d, nil
}

// LocalRank implements Executor.
func (d *Dense) LocalRank() int { return d.cfg.LocalRank }

// SplitRank implements Executor.
func (d *Dense) SplitRank() int { return d.cfg.SplitRank }

// SplitSize implements Executor.
func (d *Dense) SplitSize() int { return d.cfg.SplitSize }

// Parts implements Executor.
func (d *Dense) Parts() int { return d.cfg.Parts }

// Replica the executor computes on.
func (d *Dense) Replica() *replica.Replica { return d.rep }

func (d *Dense) terminal() bool { return d.cfg.SplitRank == d.cfg.SplitSize-1 }

// ForwardPass implements Executor: it extracts the rank's tile of the
// micro-part and enqueues logits+softmax on the device queue.
func (d *Dense) ForwardPass(data, labels *tensors.Tensor, part int) (PartResult, error) {
	if part < 0 || part >= d.cfg.Parts {
		return nil, errors.Errorf("pipeline.Dense.ForwardPass: part %d out-of-range for %d parts", part, d.cfg.Parts)
	}
	if d.issued[part] {
		return nil, errors.Errorf("pipeline.Dense.ForwardPass: part %d already has a forward pass in flight", part)
	}
	if data.Rank() != 2 || data.Shape().Dim(1) != d.cfg.Features {
		return nil, errors.Errorf("pipeline.Dense.ForwardPass: data is %s, want (n, %d)", data.Shape(), d.cfg.Features)
	}
	if data.DType() != d.rep.DType() {
		return nil, errors.Errorf("pipeline.Dense.ForwardPass: data dtype %s, replica uses %s", data.DType(), d.rep.DType())
	}
	n := data.Shape().Dim(0)
	if labels.Rank() != 1 || labels.Shape().Dim(0) != n {
		return nil, errors.Errorf("pipeline.Dense.ForwardPass: labels are %s, want (%d)", labels.Shape(), n)
	}
	xTile, err := d.tileOf(data)
	if err != nil {
		return nil, err
	}
	classes, err := labelIDs(labels, d.cfg.Classes)
	if err != nil {
		return nil, err
	}

	d.issued[part] = true
	res := newAsyncResult()
	d.rep.Device().Launch(func() {
		// Weights are read here, on the queue, so the pass observes
		// whatever the latest exchange left in the flat buffer.
		w := mat.NewDense(d.cfg.TileSize, d.cfg.Classes, d.wideFlat(d.weights.Value))
		b := d.wideFlat(d.bias.Value)

		var logits mat.Dense
		logits.Mul(xTile, w)
		probs, loss, correct := softmaxXent(&logits, b, classes)
		d.pending[part] = &densePart{x: xTile, probs: probs, labels: classes}
		if d.terminal() {
			res.complete(loss, correct)
		} else {
			res.complete(0, 0)
		}
	})
	return res, nil
}

// BackwardPass implements Executor: it enqueues the gradient computation,
// accumulating into the replica's gradient views.
func (d *Dense) BackwardPass(result PartResult, part int) error {
	_ = result // per-part forward state is kept internally
	if part < 0 || part >= d.cfg.Parts {
		return errors.Errorf("pipeline.Dense.BackwardPass: part %d out-of-range for %d parts", part, d.cfg.Parts)
	}
	if !d.issued[part] {
		return errors.Errorf("pipeline.Dense.BackwardPass: no forward pass in flight for part %d", part)
	}
	d.issued[part] = false

	d.rep.Device().Launch(func() {
		st := d.pending[part]
		d.pending[part] = nil
		n, _ := st.probs.Dims()

		// dLogits = (probs - onehot(labels)) / n, the mean-reduction
		// cross-entropy gradient.
		dLogits := mat.NewDense(n, d.cfg.Classes, nil)
		for i := range n {
			for j := range d.cfg.Classes {
				v := st.probs.At(i, j)
				if j == st.labels[i] {
					v -= 1
				}
				dLogits.Set(i, j, v/float64(n))
			}
		}

		var dW mat.Dense
		dW.Mul(st.x.T(), dLogits)
		d.accumulate(d.weights.Grad, matFlat(&dW))
		d.accumulate(d.bias.Grad, colSums(dLogits))
	})
	return nil
}

// RunStep implements Executor: the self-contained step used by the
// sequential mode, all parts forward then all parts backward.
func (d *Dense) RunStep(data, labels *tensors.Tensor) (loss float64, correct int, err error) {
	n := data.Shape().Dim(0)
	if n%d.cfg.Parts != 0 {
		return 0, 0, errors.Errorf("pipeline.Dense.RunStep: batch of %d samples not divisible into %d parts", n, d.cfg.Parts)
	}
	partSize := n / d.cfg.Parts
	results := make([]PartResult, d.cfg.Parts)
	for part := range d.cfg.Parts {
		from, to := part*partSize, (part+1)*partSize
		res, err := d.ForwardPass(data.SliceRows(from, to), labels.SliceRows(from, to), part)
		if err != nil {
			return 0, 0, err
		}
		results[part] = res
		if d.terminal() {
			loss += res.Loss()
			correct += res.Correct()
		}
	}
	for part := range d.cfg.Parts {
		if err := d.BackwardPass(results[part], part); err != nil {
			return 0, 0, err
		}
	}
	return loss, correct, nil
}

// tileOf extracts columns [TileOffset, TileOffset+TileSize) of data, widened
// to float64 for the gonum kernels.
func (d *Dense) tileOf(data *tensors.Tensor) (*mat.Dense, error) {
	n := data.Shape().Dim(0)
	features := data.Shape().Dim(1)
	out := mat.NewDense(n, d.cfg.TileSize, nil)
	fill := func(at func(int) float64) {
		for i := range n {
			row := i * features
			for j := range d.cfg.TileSize {
				out.Set(i, j, at(row+d.cfg.TileOffset+j))
			}
		}
	}
	switch data.DType() {
	case dtypes.Float32:
		tensors.MustConstFlatData(data, func(flat []float32) {
			fill(func(ii int) float64 { return float64(flat[ii]) })
		})
	case dtypes.Float64:
		tensors.MustConstFlatData(data, func(flat []float64) {
			fill(func(ii int) float64 { return flat[ii] })
		})
	default:
		return nil, errors.Errorf("pipeline.Dense: data dtype %s not supported", data.DType())
	}
	return out, nil
}

// wideFlat copies a parameter view's flat data widened to float64.
func (d *Dense) wideFlat(t *tensors.Tensor) []float64 {
	out := make([]float64, t.Size())
	switch d.rep.DType() {
	case dtypes.Float32:
		tensors.MustConstFlatData(t, func(flat []float32) {
			for ii, v := range flat {
				out[ii] = float64(v)
			}
		})
	case dtypes.Float64:
		tensors.MustConstFlatData(t, func(flat []float64) {
			copy(out, flat)
		})
	}
	return out
}

// accumulate adds delta element-wise into a gradient view, narrowing to the
// replica's dtype.
func (d *Dense) accumulate(t *tensors.Tensor, delta []float64) {
	switch d.rep.DType() {
	case dtypes.Float32:
		tensors.MustMutableFlatData(t, func(flat []float32) {
			for ii := range flat {
				flat[ii] += float32(delta[ii])
			}
		})
	case dtypes.Float64:
		tensors.MustMutableFlatData(t, func(flat []float64) {
			for ii := range flat {
				flat[ii] += delta[ii]
			}
		})
	}
}

// labelIDs converts a rank-1 integer label tensor to class indices, checking
// the range.
func labelIDs(labels *tensors.Tensor, classes int) ([]int, error) {
	out := make([]int, labels.Size())
	switch labels.DType() {
	case dtypes.Int32:
		tensors.MustConstFlatData(labels, func(flat []int32) {
			for ii, v := range flat {
				out[ii] = int(v)
			}
		})
	case dtypes.Int64:
		tensors.MustConstFlatData(labels, func(flat []int64) {
			for ii, v := range flat {
				out[ii] = int(v)
			}
		})
	default:
		return nil, errors.Errorf("pipeline.Dense: labels dtype %s not supported, use Int32 or Int64", labels.DType())
	}
	for ii, v := range out {
		if v < 0 || v >= classes {
			return nil, errors.Errorf("pipeline.Dense: label %d at position %d out-of-range for %d classes", v, ii, classes)
		}
	}
	return out, nil
}

// softmaxXent computes row-wise softmax(logits + bias) and the mean
// cross-entropy against the labels. Returns the probabilities (kept for the
// backward pass), the mean loss and the correct-count.
func softmaxXent(logits *mat.Dense, bias []float64, labels []int) (probs *mat.Dense, loss float64, correct int) {
	n, classes := logits.Dims()
	probs = mat.NewDense(n, classes, nil)
	for i := range n {
		maxV := math.Inf(-1)
		argmax := 0
		for j := range classes {
			v := logits.At(i, j) + bias[j]
			probs.Set(i, j, v)
			if v > maxV {
				maxV, argmax = v, j
			}
		}
		var sum float64
		for j := range classes {
			e := math.Exp(probs.At(i, j) - maxV)
			probs.Set(i, j, e)
			sum += e
		}
		for j := range classes {
			probs.Set(i, j, probs.At(i, j)/sum)
		}
		loss += -math.Log(math.Max(probs.At(i, labels[i]), 1e-300))
		if argmax == labels[i] {
			correct++
		}
	}
	loss /= float64(n)
	return probs, loss, correct
}

// matFlat copies a matrix out in row-major order.
func matFlat(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := range r {
		for j := range c {
			out = append(out, m.At(i, j))
		}
	}
	return out
}

// colSums returns the per-column sums of m.
func colSums(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, c)
	for i := range r {
		for j := range c {
			out[j] += m.At(i, j)
		}
	}
	return out
}

// asyncResult is the PartResult of a queued forward pass: the getters block
// until the device op retires.
type asyncResult struct {
	done *xsync.LatchWithValue[Result]
}

func newAsyncResult() *asyncResult {
	return &asyncResult{done: xsync.NewLatchWithValue[Result]()}
}

func (r *asyncResult) complete(loss float64, correct int) {
	r.done.Trigger(NewResult(loss, correct))
}

// Loss implements PartResult, blocking until the forward op completes.
func (r *asyncResult) Loss() float64 { return r.done.Wait().Loss() }

// Correct implements PartResult, blocking until the forward op completes.
func (r *asyncResult) Correct() int { return r.done.Wait().Correct() }
