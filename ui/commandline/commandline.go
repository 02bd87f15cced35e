// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/gomlx/tandem/pkg/ml/train"
)

// ReportRun prints a summary of a finished loop run: cumulative metrics,
// step timings and sample throughput.
//
// Loss and accuracy are only meaningful on ranks whose executors run the
// terminal pipeline stage; other ranks report zeros there.
func ReportRun(loop *train.Loop) {
	steps := loop.LoopStep - loop.StartStep
	if steps <= 0 {
		fmt.Println("No steps run.")
		return
	}
	m := loop.Cumulative
	var trainTime time.Duration
	for _, d := range loop.TrainStepDurations {
		trainTime += d
	}

	fmt.Printf("Trained %s steps, %s samples:\n", humanizeInt(steps), humanizeInt(m.Examples))
	fmt.Printf("\tmean loss per step: %.4f\n", m.Loss/float64(steps))
	fmt.Printf("\taccuracy: %.2f%%\n", 100*m.Accuracy())
	fmt.Printf("\tmedian step duration: %s\n", FormatDuration(loop.MedianTrainStepDuration()))
	if trainTime > 0 {
		rate := float64(m.Examples) / trainTime.Seconds()
		fmt.Printf("\tthroughput: %s samples/sec\n", humanize.CommafWithDigits(rate, 1))
	}
}
