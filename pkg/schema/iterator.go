// Copyright (C) 2025 ScyllaDB

package schema

import (
	"iter"
	"sort"
)

// Iterator is a finite single-pass sequence. An exhausted iterator stays
// exhausted, iterate again by asking the snapshot for a new one.
type Iterator[T any] struct {
	items []T
	pos   int
}

func newIterator[T any](items []T) *Iterator[T] {
	return &Iterator[T]{items: items}
}

// sortedIterator iterates map values ordered by key.
func sortedIterator[T any](m map[string]T) *Iterator[T] {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	items := make([]T, 0, len(keys))
	for _, k := range keys {
		items = append(items, m[k])
	}
	return newIterator(items)
}

// Next returns the next item, false once the iterator is exhausted.
func (it *Iterator[T]) Next() (T, bool) {
	if it.pos >= len(it.items) {
		var zero T
		return zero, false
	}
	v := it.items[it.pos]
	it.pos++
	return v, true
}

// All consumes the iterator as a range function.
func (it *Iterator[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, ok := it.Next()
			if !ok || !yield(v) {
				return
			}
		}
	}
}

// Collect consumes the remaining items.
func (it *Iterator[T]) Collect() []T {
	var out []T
	for v := range it.All() {
		out = append(out, v)
	}
	return out
}
