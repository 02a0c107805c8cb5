// Copyright (c) 2024 ScyllaDB.

package lazy

import "sync"

// Value is computed by its first Get, later calls return the same result
// including the error.
type Value[T any] struct {
	once    sync.Once
	newFunc func() (T, error)
	value   T
	err     error
}

func New[T any](newFunc func() (T, error)) *Value[T] {
	return &Value[T]{
		newFunc: newFunc,
	}
}

func (v *Value[T]) Get() (T, error) {
	v.once.Do(func() {
		v.value, v.err = v.newFunc()
		v.newFunc = nil
	})
	return v.value, v.err
}
