// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets provides a small generic set over comparable keys.
package sets

// Set of keys of type T, stored as a map with empty values. It can be used
// anywhere a `map[T]struct{}` is expected.
type Set[T comparable] map[T]struct{}

// Make returns an empty set. An optional capacity hint can be given.
func Make[T comparable](capacity ...int) Set[T] {
	if len(capacity) > 0 {
		return make(Set[T], capacity[0])
	}
	return make(Set[T])
}

// MakeWith returns a set holding the given keys.
func MakeWith[T comparable](keys ...T) Set[T] {
	s := Make[T](len(keys))
	s.Insert(keys...)
	return s
}

// Has reports whether key is in the set.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert adds keys to the set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// Delete removes keys from the set. Missing keys are ignored.
func (s Set[T]) Delete(keys ...T) {
	for _, key := range keys {
		delete(s, key)
	}
}

// Sub returns the keys of s that are not in other.
func (s Set[T]) Sub(other Set[T]) Set[T] {
	diff := Make[T]()
	for k := range s {
		if !other.Has(k) {
			diff.Insert(k)
		}
	}
	return diff
}

// Equal reports whether s and other hold exactly the same keys.
func (s Set[T]) Equal(other Set[T]) bool {
	if len(s) != len(other) {
		return false
	}
	for k := range s {
		if !other.Has(k) {
			return false
		}
	}
	return true
}
