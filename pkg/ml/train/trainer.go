// Package train runs the dual-replica training schedule: two model replicas
// share one set of devices with mirrored rank assignments, and each rank
// overlaps pipeline compute of one replica with cross-replica exchanges of
// the other replica's flattened parameter and gradient buffers.
//
// Trainer implements the two step modes:
//   - interleaved (Config.Async): a step runs a parameter-exchange phase on
//     the first half-batch and a gradient-exchange phase on the second,
//     alternating which replica computes and which is exchanged with the
//     step parity;
//   - sequential: each replica runs complete micro-batched steps in turn,
//     Replications times.
//
// Loop drives a Trainer over a Dataset with priority-ordered hooks; progress
// bars and plotters attach there.
package train

import (
	"github.com/pkg/errors"

	"github.com/gomlx/tandem/pkg/core/comm"
	"github.com/gomlx/tandem/pkg/core/devices"
	"github.com/gomlx/tandem/pkg/core/tensors"
	"github.com/gomlx/tandem/pkg/ml/exchange"
	"github.com/gomlx/tandem/pkg/ml/pipeline"
	"github.com/gomlx/tandem/pkg/ml/replica"
	"github.com/gomlx/tandem/pkg/ml/spatial"
)

// Config of a Trainer. BatchSize is the per-phase batch: one interleaved
// step consumes 2*BatchSize samples, one sequential step
// 2*Replications*BatchSize.
type Config struct {
	// BatchSize per phase. Must divide evenly into Parts.
	BatchSize int

	// Parts is the number of micro-parts each phase's batch is split into.
	Parts int

	// Replications is the number of replica-1/replica-2 step pairs per
	// sequential step. Ignored in interleaved mode.
	Replications int

	// Async selects the interleaved schedule. When false, Step runs the
	// sequential schedule.
	Async bool

	// Spatial describes the image partitioning of the model-parallel group.
	Spatial spatial.Config
}

// Validate the configuration for a group of mpSize ranks.
func (cfg Config) Validate(mpSize int) error {
	if cfg.BatchSize < 1 {
		return errors.Errorf("train.Config: BatchSize must be >= 1, got %d", cfg.BatchSize)
	}
	if cfg.Parts < 1 {
		return errors.Errorf("train.Config: Parts must be >= 1, got %d", cfg.Parts)
	}
	if cfg.BatchSize%cfg.Parts != 0 {
		return errors.Errorf("train.Config: BatchSize=%d not divisible into Parts=%d", cfg.BatchSize, cfg.Parts)
	}
	if cfg.Replications < 1 {
		return errors.Errorf("train.Config: Replications must be >= 1, got %d", cfg.Replications)
	}
	if err := cfg.Spatial.ValidateDualReplica(mpSize); err != nil {
		return errors.WithMessage(err, "train.Config")
	}
	return nil
}

// RowsPerStep returns the number of samples one Step consumes from the
// yielded batch.
func (cfg Config) RowsPerStep() int {
	if cfg.Async {
		return 2 * cfg.BatchSize
	}
	return 2 * cfg.Replications * cfg.BatchSize
}

// Trainer schedules the two replicas of one rank through training steps.
//
// It owns the step parity: Step alternates odd/even every call, which flips
// both the compute order of the replicas and the direction of the buffer
// exchanges. All methods must be called from a single goroutine, the rank's
// scheduler.
type Trainer struct {
	cfg  Config
	mesh comm.Mesh
	dev  *devices.Device

	ex1, ex2   pipeline.Executor
	rep1, rep2 *replica.Replica
	exch       *exchange.Exchanger

	mpSize int
	step   int
}

// New validates the configuration against the mesh, flattens both replicas
// if they are not flattened yet, and wires the exchanger.
//
// The executors must use mirrored rank assignments, one replica counting up
// and the other down, so ex1.LocalRank()+ex2.LocalRank() == mpSize-1.
func New(cfg Config, mesh comm.Mesh, ex1, ex2 pipeline.Executor, rep1, rep2 *replica.Replica) (*Trainer, error) {
	if mesh == nil {
		return nil, errors.New("train.New: mesh is nil")
	}
	mpSize := mesh.Size()
	if err := cfg.Validate(mpSize); err != nil {
		return nil, err
	}
	if ex1.Parts() != cfg.Parts || ex2.Parts() != cfg.Parts {
		return nil, errors.Errorf("train.New: executors run %d and %d parts, config says %d",
			ex1.Parts(), ex2.Parts(), cfg.Parts)
	}
	if ex1.SplitSize() != ex2.SplitSize() {
		return nil, errors.Errorf("train.New: executors disagree on pipeline depth, %d vs %d",
			ex1.SplitSize(), ex2.SplitSize())
	}
	if ex1.LocalRank()+ex2.LocalRank() != mpSize-1 {
		return nil, errors.Errorf("train.New: executor ranks %d and %d are not mirrored for a group of %d",
			ex1.LocalRank(), ex2.LocalRank(), mpSize)
	}
	for _, rep := range []*replica.Replica{rep1, rep2} {
		if rep.Flattened() {
			continue
		}
		if err := rep.Flatten(); err != nil {
			return nil, errors.WithMessagef(err, "train.New: flattening replica %q", rep.Name())
		}
	}
	exch, err := exchange.New(mesh, rep1, rep2)
	if err != nil {
		return nil, errors.WithMessage(err, "train.New")
	}
	return &Trainer{
		cfg:    cfg,
		mesh:   mesh,
		dev:    rep1.Device(),
		ex1:    ex1,
		ex2:    ex2,
		rep1:   rep1,
		rep2:   rep2,
		exch:   exch,
		mpSize: mpSize,
	}, nil
}

// Config the trainer was built with.
func (t *Trainer) Config() Config { return t.cfg }

// Replica1 returns the first replica, for driver-side updates.
func (t *Trainer) Replica1() *replica.Replica { return t.rep1 }

// Replica2 returns the second replica.
func (t *Trainer) Replica2() *replica.Replica { return t.rep2 }

// GlobalStep returns the number of completed steps, which also determines
// the next step's parity.
func (t *Trainer) GlobalStep() int { return t.step }

// ZeroGrads zeroes both replicas' flat gradient buffers, after the device
// retires pending work.
func (t *Trainer) ZeroGrads() {
	t.dev.Synchronize()
	t.rep1.ZeroGrads()
	t.rep2.ZeroGrads()
}

// Step runs one training step over the batch and advances the parity. The
// batch must carry at least Config.RowsPerStep() samples; extra rows are
// ignored.
//
// Correct-count (and so accuracy) is only meaningful on ranks whose
// executors run the terminal pipeline stage; other ranks report zero.
func (t *Trainer) Step(data, labels *tensors.Tensor) (Metrics, error) {
	odd := t.step%2 == 1
	var loss float64
	var correct int
	var err error
	if t.cfg.Async {
		loss, correct, err = t.RunStepInterleaved(data, labels, odd)
	} else {
		loss, correct, err = t.RunStepSequential(data, labels)
	}
	if err != nil {
		return Metrics{}, err
	}
	t.step++
	return Metrics{Loss: loss, Correct: correct, Examples: t.cfg.RowsPerStep()}, nil
}

// RunStepInterleaved runs one interleaved step: a parameter-exchange phase
// on rows [0, B) and a gradient-exchange phase on rows [B, 2B), with
// B = Config.BatchSize.
//
// On odd steps the second executor computes the first phase and vice versa,
// and the exchanges flip direction with the same parity, so over two steps
// each replica is both computed and shipped once.
func (t *Trainer) RunStepInterleaved(data, labels *tensors.Tensor, odd bool) (loss float64, correct int, err error) {
	b := t.cfg.BatchSize
	if err = t.checkBatch(data, labels, 2*b); err != nil {
		return 0, 0, err
	}
	tm1, tm2 := t.ex1, t.ex2
	if odd {
		tm1, tm2 = t.ex2, t.ex1
	}

	loss, correct, err = t.runPhase(tm1, data.SliceRows(0, b), labels.SliceRows(0, b), t.paramOps(odd))
	if err != nil {
		return 0, 0, errors.WithMessage(err, "interleaved step, parameter phase")
	}
	loss2, correct2, err := t.runPhase(tm2, data.SliceRows(b, 2*b), labels.SliceRows(b, 2*b), t.gradOps(odd))
	if err != nil {
		return 0, 0, errors.WithMessage(err, "interleaved step, gradient phase")
	}
	return loss + loss2, correct + correct2, nil
}

// phaseOps are the exchange actions of one interleaved phase. The edge rank
// of a phase, the one whose executor has the highest local rank, brackets
// its compute with a direct receive and a direct send; every other rank runs
// the whole-group exchange between its forward and backward passes.
type phaseOps struct {
	recvEdge func(partner int) error
	exchange func() error
	sendEdge func(partner int) error
}

func (t *Trainer) paramOps(odd bool) phaseOps {
	return phaseOps{
		recvEdge: func(partner int) error {
			t.dev.Synchronize()
			return t.exch.RecvParams(partner, odd).Wait()
		},
		exchange: func() error { return t.exch.SendRecvParams(odd) },
		sendEdge: func(partner int) error {
			t.dev.Synchronize()
			return t.exch.SendParams(partner, odd).Wait()
		},
	}
}

func (t *Trainer) gradOps(odd bool) phaseOps {
	return phaseOps{
		recvEdge: func(partner int) error {
			t.dev.Synchronize()
			scratch := t.exch.NewGradScratch(odd)
			if err := t.exch.RecvGradsInto(scratch, partner).Wait(); err != nil {
				_ = scratch.Finalize()
				return err
			}
			if err := t.exch.AccumulateGrads(odd, scratch); err != nil {
				_ = scratch.Finalize()
				return err
			}
			return scratch.Finalize()
		},
		exchange: func() error { return t.exch.SendRecvGrads(odd) },
		sendEdge: func(partner int) error {
			t.dev.Synchronize()
			return t.exch.SendGrads(partner, odd).Wait()
		},
	}
}

// runPhase schedules one executor over one half-batch: forward all parts,
// exchange, backward all parts in forward order. Loss and correct-count are
// pulled exactly once per part, only at the terminal stage.
func (t *Trainer) runPhase(tm pipeline.Executor, data, labels *tensors.Tensor, ops phaseOps) (loss float64, correct int, err error) {
	edge := tm.LocalRank() == t.mpSize-1
	partner := t.exch.Partner()
	if edge {
		if err := ops.recvEdge(partner); err != nil {
			return 0, 0, err
		}
	}

	parts := tm.Parts()
	partSize := data.Shape().Dim(0) / parts
	terminal := tm.SplitRank() == tm.SplitSize()-1
	results := make([]pipeline.PartResult, parts)
	for part := range parts {
		from, to := part*partSize, (part+1)*partSize
		res, err := tm.ForwardPass(data.SliceRows(from, to), labels.SliceRows(from, to), part)
		if err != nil {
			return 0, 0, err
		}
		results[part] = res
		if terminal {
			loss += res.Loss()
			correct += res.Correct()
		}
	}

	if !edge {
		if err := ops.exchange(); err != nil {
			return 0, 0, err
		}
	}

	for part := range parts {
		if err := tm.BackwardPass(results[part], part); err != nil {
			return 0, 0, err
		}
	}

	if edge {
		if err := ops.sendEdge(partner); err != nil {
			return 0, 0, err
		}
	}
	return loss, correct, nil
}

// RunStepSequential runs one sequential step: both executors take turns
// running complete micro-batched steps, Replications pairs in total, on
// consecutive BatchSize slices of the batch. No exchanges are involved.
func (t *Trainer) RunStepSequential(data, labels *tensors.Tensor) (loss float64, correct int, err error) {
	b := t.cfg.BatchSize
	if err = t.checkBatch(data, labels, 2*t.cfg.Replications*b); err != nil {
		return 0, 0, err
	}
	run := func(ex pipeline.Executor, from, to int) error {
		l, c, err := ex.RunStep(data.SliceRows(from, to), labels.SliceRows(from, to))
		loss += l
		correct += c
		return err
	}

	if err = run(t.ex1, 0, b); err != nil {
		return 0, 0, err
	}
	if err = run(t.ex2, b, 2*b); err != nil {
		return 0, 0, err
	}
	t.dev.Synchronize()
	for times := range t.cfg.Replications - 1 {
		index := 2*times + 2
		if err = run(t.ex1, index*b, (index+1)*b); err != nil {
			return 0, 0, err
		}
		if err = run(t.ex2, (index+1)*b, (index+2)*b); err != nil {
			return 0, 0, err
		}
	}
	return loss, correct, nil
}

func (t *Trainer) checkBatch(data, labels *tensors.Tensor, rows int) error {
	if data == nil || labels == nil {
		return errors.New("train: step needs data and labels")
	}
	if data.Rank() < 1 || labels.Rank() < 1 {
		return errors.New("train: data and labels must have a leading batch axis")
	}
	if got := data.Shape().Dim(0); got < rows {
		return errors.Errorf("train: step consumes %d samples, batch has %d", rows, got)
	}
	if got := labels.Shape().Dim(0); got < rows {
		return errors.Errorf("train: step consumes %d samples, labels have %d", rows, got)
	}
	return nil
}
