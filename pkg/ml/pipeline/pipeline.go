// Package pipeline defines the contract between the dual-replica step
// scheduler and the per-replica spatial-pipeline executors, plus Dense, a
// reference executor used by tests and examples.
//
// An Executor performs the forward and backward passes of one replica over
// one micro-part of a batch. The scheduler drives two of them, with inverse
// device mappings, interleaving their compute with the cross-replica buffer
// exchanges. The real spatially-partitioned convolution executors live with
// the training driver; this package only fixes the surface the scheduler
// consumes.
package pipeline

import (
	"github.com/gomlx/tandem/pkg/core/tensors"
)

// PartResult carries what a forward pass produced for one micro-part.
//
// Loss and Correct are meaningful only at the pipeline's terminal stage
// (Executor.SplitRank() == Executor.SplitSize()-1); elsewhere they are
// placeholders. Implementations may block in the getters until the
// underlying device compute retires -- callers should read them at most once
// per part.
type PartResult interface {
	// Loss of the micro-part (mean over its samples).
	Loss() float64

	// Correct returns the number of correctly classified samples of the
	// micro-part.
	Correct() int
}

// Executor runs one replica's pipeline over micro-parts of a batch.
//
// The scheduler's calling discipline, which implementations may rely on:
// ForwardPass is called for part = 0, 1, ..., Parts()-1, then BackwardPass
// for every part in the same order, each with the PartResult the forward
// pass returned. RunStep is the self-contained alternative used by the
// sequential (non-overlapped) mode and must not be mixed with
// ForwardPass/BackwardPass within a step.
type Executor interface {
	// LocalRank of this executor's device within its replica's
	// model-parallel group. The two replicas assign inverse ranks to the
	// same physical device.
	LocalRank() int

	// SplitRank is the pipeline stage this rank belongs to, in
	// [0, SplitSize()).
	SplitRank() int

	// SplitSize is the number of pipeline stages.
	SplitSize() int

	// Parts is the number of micro-parts each batch is split into.
	Parts() int

	// ForwardPass runs the forward computation for one micro-part.
	// part must be in [0, Parts()).
	ForwardPass(data, labels *tensors.Tensor, part int) (PartResult, error)

	// BackwardPass runs the backward computation for a micro-part
	// previously run forward, accumulating into the replica's gradients.
	BackwardPass(result PartResult, part int) error

	// RunStep runs a full self-contained step (all parts, forward and
	// backward) over the given batch slice.
	RunStep(data, labels *tensors.Tensor) (loss float64, correct int, err error)
}

// Result is a PartResult holding ready values. The zero value is the
// non-terminal placeholder.
type Result struct {
	loss    float64
	correct int
}

// NewResult returns a completed PartResult with the given values.
func NewResult(loss float64, correct int) Result {
	return Result{loss: loss, correct: correct}
}

// Loss implements PartResult.
func (r Result) Loss() float64 { return r.loss }

// Correct implements PartResult.
func (r Result) Correct() int { return r.correct }
