// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	ranks := Make[int](4)
	assert.Empty(t, ranks)

	ranks.Insert(0, 3)
	assert.Len(t, ranks, 2)
	assert.True(t, ranks.Has(0))
	assert.True(t, ranks.Has(3))
	assert.False(t, ranks.Has(1))

	other := MakeWith(1, 3)
	assert.Len(t, other, 2)
	assert.True(t, other.Has(1))
	assert.False(t, other.Has(0))

	diff := ranks.Sub(other)
	assert.True(t, diff.Equal(MakeWith(0)))

	ranks.Delete(3)
	assert.Len(t, ranks, 1)
	assert.False(t, ranks.Has(3))
	assert.True(t, ranks.Equal(diff))
	assert.False(t, ranks.Equal(other))

	ranks.Delete(3, 0)
	assert.Empty(t, ranks)
}
