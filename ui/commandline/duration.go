// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"time"
)

// FormatDuration prints d with two decimals of the largest unit that fits.
// Durations of a minute or more keep time.Duration's own formatting, rounded
// to whole seconds.
func FormatDuration(d time.Duration) string {
	if d >= time.Minute {
		return d.Round(time.Second).String()
	}
	for _, unit := range []struct {
		scale time.Duration
		name  string
	}{
		{time.Second, "s"},
		{time.Millisecond, "ms"},
		{time.Microsecond, "µs"},
	} {
		if d >= unit.scale {
			return fmt.Sprintf("%.2f%s", float64(d)/float64(unit.scale), unit.name)
		}
	}
	return d.String()
}
