// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFillSlice(t *testing.T) {
	s := make([]float32, 4)
	FillSlice(s, float32(1.5))
	assert.Equal(t, []float32{1.5, 1.5, 1.5, 1.5}, s)

	var empty []int
	FillSlice(empty, 7) // No-op, must not panic.
}

func TestSortedKeys(t *testing.T) {
	m := map[string]int{"loss": 1, "accuracy": 2, "step": 3}
	assert.Equal(t, []string{"accuracy", "loss", "step"}, SortedKeys(m))
	assert.Empty(t, SortedKeys(map[int]bool{}))
}

func TestListFlag(t *testing.T) {
	lf := &listFlag[int]{values: []int{4}, parse: strconv.Atoi}
	assert.Equal(t, "4", lf.String())

	require.NoError(t, lf.Set("2, 4,8"))
	assert.Equal(t, []int{2, 4, 8}, lf.values)
	assert.Equal(t, "2,4,8", lf.String())

	require.NoError(t, lf.Set(""))
	assert.Empty(t, lf.values)

	require.Error(t, lf.Set("2,x"))
}
