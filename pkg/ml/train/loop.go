package train

import (
	"io"
	"iter"
	"math"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/tandem/pkg/core/tensors"
)

// Priority for hooks, the lowest values run first. Defaults to 0, negative
// values are ok.
type Priority int

// OnStartFn hooks run once before the first step of a run.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn hooks run after each step, with the step's metrics.
type OnStepFn func(loop *Loop, metrics Metrics) error

// OnEndFn hooks run once after the last step, with its metrics.
type OnEndFn func(loop *Loop, metrics Metrics) error

// Loop runs a training loop, invoking Trainer.Step for every yielded batch
// and calling the registered hooks.
//
// By itself it doesn't do much, but functionality attaches to it: progress
// bars, plotters, early-stopping strategies. Panics thrown by the step path
// are converted and returned as normal errors.
//
// The public attributes are meant for reading only.
type Loop struct {
	// Trainer driven by this loop.
	Trainer *Trainer

	// LoopStep currently being executed. Initialized from the trainer's
	// completed step count, so a loop picks up where a previous one ended.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run.
	//
	// It is only set and valid during a run (RunSteps or RunEpochs).
	StartStep int

	// EndStep is one-past the last step to be executed, or -1 when not yet
	// known. When running epochs it is extrapolated after the first epoch
	// from the steps seen so far.
	//
	// It is only set and valid during a run (RunSteps or RunEpochs).
	EndStep int

	// Epoch is set when running RunEpochs to the current epoch, from 0.
	Epoch int

	// Cumulative metrics over the current run, summed across steps.
	Cumulative Metrics

	// SharedData allows attached tools to publish and consume information.
	// Keys and the semantics of their values are not specified by the loop.
	SharedData map[string]any

	// TrainStepDurations collected during the run, one entry per step.
	TrainStepDurations []time.Duration

	onStart *hookList[*namedHook[OnStartFn]]
	onStep  *hookList[*namedHook[OnStepFn]]
	onEnd   *hookList[*namedHook[OnEndFn]]
}

// NewLoop creates a training loop for the trainer.
func NewLoop(trainer *Trainer) *Loop {
	return &Loop{
		Trainer:    trainer,
		LoopStep:   trainer.GlobalStep(),
		SharedData: make(map[string]any),
		onStart:    newHookList[*namedHook[OnStartFn]](),
		onStep:     newHookList[*namedHook[OnStepFn]](),
		onEnd:      newHookList[*namedHook[OnEndFn]](),
	}
}

// start of a run, called by all looping methods.
func (loop *Loop) start(ds Dataset) error {
	loop.Cumulative = Metrics{}
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop, ds); err != nil {
			return errors.WithMessagef(err, "train.Loop.OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step runs one trainer step and the OnStep hooks. Panics escaping the step
// path are caught and returned as errors.
func (loop *Loop) step(data, labels *tensors.Tensor) (Metrics, error) {
	startTime := time.Now()
	defer func() {
		loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	}()

	var metrics Metrics
	var stepErr error
	err := exceptions.TryCatch[error](func() {
		metrics, stepErr = loop.Trainer.Step(data, labels)
	})
	if err == nil {
		err = stepErr
	}
	if err != nil {
		return Metrics{}, err
	}
	loop.Cumulative = loop.Cumulative.Add(metrics)

	if err := loop.postStep(metrics); err != nil {
		return Metrics{}, err
	}
	return metrics, nil
}

// postStep calls the OnStep hooks and checks the loss is still finite.
func (loop *Loop) postStep(metrics Metrics) error {
	for hook := range loop.onStep.All() {
		if err := hook.fn(loop, metrics); err != nil {
			return errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}
	if math.IsNaN(metrics.Loss) {
		return errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(metrics.Loss, 0) {
		return errors.Errorf("batch loss is infinity (%f), training interrupted", metrics.Loss)
	}
	return nil
}

// end of a run, called by all looping methods.
func (loop *Loop) end(metrics Metrics) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, metrics); err != nil {
			return errors.WithMessagef(err, "train.Loop.OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// RunSteps runs that many steps. StartStep and EndStep are adjusted to the
// current LoopStep, so it can be called multiple times and picks up where it
// left off. It returns the metrics of the last step.
func (loop *Loop) RunSteps(ds Dataset, steps int) (Metrics, error) {
	if steps <= 0 {
		return Metrics{}, nil
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.StartStep + steps
	loop.TrainStepDurations = make([]time.Duration, 0, steps)
	if err := loop.start(ds); err != nil {
		return Metrics{}, err
	}

	var last Metrics
	for loop.LoopStep = loop.StartStep; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		data, labels, err := ds.Yield()
		if err != nil {
			if err == io.EOF {
				return Metrics{}, errors.Errorf(
					"dataset %q ended after %d steps (requested %d) -- use a looping dataset, or Loop.RunEpochs instead of Loop.RunSteps",
					ds.Name(), loop.LoopStep-loop.StartStep, steps)
			}
			return Metrics{}, errors.WithMessagef(err, "Loop.RunSteps(%d): reading from dataset %q", steps, ds.Name())
		}
		if err = checkYield(data, labels); err != nil {
			return Metrics{}, err
		}
		last, err = loop.step(data, labels)
		if err != nil {
			return Metrics{}, errors.WithMessagef(err, "Loop.RunSteps(%d): step %d", steps, loop.LoopStep)
		}
	}

	if err := loop.end(last); err != nil {
		return Metrics{}, errors.WithMessagef(err, "Loop.RunSteps(%d): at end (LoopStep=%d)", steps, loop.LoopStep)
	}
	return last, nil
}

// RunEpochs runs that many epochs, where an epoch lasts until the dataset
// yields io.EOF. Dataset.Reset is called after each epoch (including the
// last). EndStep starts as -1 and is extrapolated after the first epoch.
// It returns the metrics of the last step.
func (loop *Loop) RunEpochs(ds Dataset, epochs int) (Metrics, error) {
	if epochs <= 0 {
		return Metrics{}, nil
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = -1
	loop.Epoch = 0
	loop.TrainStepDurations = nil
	if err := loop.start(ds); err != nil {
		return Metrics{}, err
	}

	var last Metrics
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		yieldsPerEpoch := 0
		for {
			data, labels, err := ds.Yield()
			if err != nil {
				if err == io.EOF {
					// End of epoch: estimate the new EndStep.
					loop.EndStep = loop.LoopStep + yieldsPerEpoch*(epochs-loop.Epoch-1)
					break
				}
				return Metrics{}, errors.WithMessagef(err,
					"Loop.RunEpochs(epoch %d of %d): reading from dataset %q", loop.Epoch, epochs, ds.Name())
			}
			if err = checkYield(data, labels); err != nil {
				return Metrics{}, err
			}
			yieldsPerEpoch++
			last, err = loop.step(data, labels)
			if err != nil {
				return Metrics{}, errors.WithMessagef(err,
					"Loop.RunEpochs(epoch %d of %d): step %d", loop.Epoch, epochs, loop.LoopStep)
			}
			loop.LoopStep++
		}
		ds.Reset()
	}

	if err := loop.end(last); err != nil {
		return Metrics{}, errors.WithMessagef(err, "Loop.RunEpochs(%d): at end (LoopStep=%d)", epochs, loop.LoopStep)
	}
	return last, nil
}

// MedianTrainStepDuration returns the median duration of the run's steps.
// It returns 1 millisecond if no step was recorded, to avoid divisions by
// zero.
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	sorted := slices.Clone(loop.TrainStepDurations)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

// OnStart adds a hook with the given priority and name (for error reporting)
// to the start of a run.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &namedHook[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with the given priority and name (for error reporting)
// to each step, called after Trainer.Step.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &namedHook[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with the given priority and name (for error reporting)
// to the end of a run, after the last step.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &namedHook[OnEndFn]{name: name, fn: fn})
}

// namedHook pairs a hook function with the name used in error messages.
type namedHook[F any] struct {
	name string
	fn   F
}

// hookList keeps registered hooks grouped by priority.
type hookList[H any] struct {
	perPriority map[Priority][]H
}

func newHookList[H any]() *hookList[H] {
	return &hookList[H]{perPriority: make(map[Priority][]H)}
}

// Add registers a hook at the given priority.
func (h *hookList[H]) Add(priority Priority, hook H) {
	h.perPriority[priority] = append(h.perPriority[priority], hook)
}

// All iterates over the hooks, lowest priority first; hooks of the same
// priority run in registration order.
func (h *hookList[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		priorities := make([]Priority, 0, len(h.perPriority))
		for priority := range h.perPriority {
			priorities = append(priorities, priority)
		}
		slices.Sort(priorities)
		for _, priority := range priorities {
			for _, hook := range h.perPriority[priority] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
