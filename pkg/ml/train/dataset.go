package train

import (
	"github.com/pkg/errors"

	"github.com/gomlx/tandem/pkg/core/tensors"
)

// Dataset yields batches for the training loop.
//
// Batches are yielded as one data tensor and one labels tensor, both with a
// leading batch axis of at least Config.RowsPerStep() rows; the trainer
// slices the rows it consumes.
type Dataset interface {
	// Name identifies the dataset. Used for logging and plots.
	Name() string

	// Yield the next batch, or io.EOF at the end of an epoch, which
	// terminates normally. Any other error interrupts the loop and is
	// returned to the caller.
	//
	// If using Loop.RunSteps an infinite dataset stream is ok, but don't
	// use Loop.RunEpochs on a dataset that loops indefinitely.
	Yield() (data, labels *tensors.Tensor, err error)

	// Reset restarts the dataset from the beginning. It is called once per
	// finished epoch, after io.EOF.
	Reset()
}

// checkYield validates a yielded batch before it reaches the trainer.
func checkYield(data, labels *tensors.Tensor) error {
	for _, t := range []*tensors.Tensor{data, labels} {
		if t == nil {
			return errors.New("dataset yielded a nil tensor")
		}
		if err := t.CheckValid(); err != nil {
			return errors.WithMessage(err, "dataset yielded an invalid tensor; "+
				"if the dataset reuses tensors across yields, they must stay valid while the step runs")
		}
	}
	return nil
}
