// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements the extra synchronization primitives used by the
// communication and device layers.
package xsync

import "sync"

// Latch is a one-shot signal: Trigger releases every current and future
// Wait. Triggering again has no effect.
type Latch struct {
	once sync.Once
	done chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{done: make(chan struct{})}
}

// Trigger releases the latch.
func (l *Latch) Trigger() {
	l.once.Do(func() { close(l.done) })
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() {
	<-l.done
}

// Test reports whether the latch has been triggered, without blocking.
func (l *Latch) Test() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// LatchWithValue is a latch carrying a value set at trigger time, a one-shot
// future. Only the first Trigger's value is kept.
type LatchWithValue[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{done: make(chan struct{})}
}

// Trigger releases the latch, handing value to every Wait.
func (l *LatchWithValue[T]) Trigger(value T) {
	l.once.Do(func() {
		l.value = value
		close(l.done)
	})
}

// Wait blocks until the latch is triggered and returns the trigger value.
func (l *LatchWithValue[T]) Wait() T {
	<-l.done
	return l.value
}

// Test reports whether the latch has been triggered, without blocking.
func (l *LatchWithValue[T]) Test() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// SyncMap is a type-safe wrapper around sync.Map.
//
// The zero value is empty and ready for use.
type SyncMap[K comparable, V any] struct {
	m sync.Map
}

// Load returns the value stored for key, or ok=false if none.
func (s *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	v, ok := s.m.Load(key)
	if !ok {
		return
	}
	value = v.(V)
	return
}

// Store sets the value for key.
func (s *SyncMap[K, V]) Store(key K, value V) {
	s.m.Store(key, value)
}

// LoadOrStore returns the existing value for key if present, otherwise it
// stores and returns the given value. loaded is true if the value was
// already present.
func (s *SyncMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	v, loaded := s.m.LoadOrStore(key, value)
	actual = v.(V)
	return
}

// Delete removes the value for key, if any.
func (s *SyncMap[K, V]) Delete(key K) {
	s.m.Delete(key)
}

// Range calls f for each key/value pair. If f returns false, iteration stops.
func (s *SyncMap[K, V]) Range(f func(key K, value V) bool) {
	s.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}
