// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices has the few generic slice and map helpers used across the
// repository that the standard slices package does not cover.
package xslices

import (
	"flag"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/exp/constraints"
	"golang.org/x/exp/maps"
)

// FillSlice sets every element of slice to value.
func FillSlice[T any](slice []T, value T) {
	for i := range slice {
		slice[i] = value
	}
}

// SortedKeys returns the keys of m in increasing order.
func SortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

// Flag registers a comma-separated list flag with elements of type T, each
// parsed with parserFn, and returns a pointer to the parsed slice.
func Flag[T any](name string, defaultValue []T, usage string, parserFn func(text string) (T, error)) *[]T {
	lf := &listFlag[T]{values: defaultValue, parse: parserFn}
	flag.Var(lf, name, usage)
	return &lf.values
}

type listFlag[T any] struct {
	values []T
	parse  func(text string) (T, error)
}

func (lf *listFlag[T]) String() string {
	parts := make([]string, len(lf.values))
	for i, v := range lf.values {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, ",")
}

func (lf *listFlag[T]) Set(text string) error {
	lf.values = nil
	if text == "" {
		return nil
	}
	for _, part := range strings.Split(text, ",") {
		v, err := lf.parse(strings.TrimSpace(part))
		if err != nil {
			return err
		}
		lf.values = append(lf.values, v)
	}
	return nil
}
