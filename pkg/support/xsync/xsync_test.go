// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())

	var wg sync.WaitGroup
	const numWaiters = 4
	wg.Add(numWaiters)
	for range numWaiters {
		go func() {
			l.Wait()
			wg.Done()
		}()
	}

	l.Trigger()
	wg.Wait() // Would hang if Trigger didn't release all waiters.
	assert.True(t, l.Test())

	// Re-triggering is a no-op, not a panic.
	l.Trigger()
	assert.True(t, l.Test())
}

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[int]()
	require.False(t, l.Test())

	go l.Trigger(7)
	assert.Equal(t, 7, l.Wait())

	// Only the first trigger value is kept.
	l.Trigger(13)
	assert.Equal(t, 7, l.Wait())
	assert.True(t, l.Test())
}

func TestSyncMap(t *testing.T) {
	var m SyncMap[string, int]

	_, ok := m.Load("a")
	require.False(t, ok)

	m.Store("a", 1)
	v, ok := m.Load("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	actual, loaded := m.LoadOrStore("a", 100)
	assert.True(t, loaded)
	assert.Equal(t, 1, actual)
	actual, loaded = m.LoadOrStore("b", 2)
	assert.False(t, loaded)
	assert.Equal(t, 2, actual)

	seen := make(map[string]int)
	m.Range(func(k string, v int) bool {
		seen[k] = v
		return true
	})
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, seen)

	m.Delete("a")
	_, ok = m.Load("a")
	assert.False(t, ok)
	v, ok = m.Load("b")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}
