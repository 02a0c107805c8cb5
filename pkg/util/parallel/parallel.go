// Copyright (C) 2017 ScyllaDB

package parallel

import (
	apimachineryutilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// ForEach calls f for every index concurrently and aggregates the errors.
func ForEach(length int, f func(i int) error) error {
	return ForEachLimit(length, length, f)
}

// ForEachLimit is ForEach with at most limit calls of f running at a time.
// A non-positive limit means no limit.
func ForEachLimit(length, limit int, f func(i int) error) error {
	if limit <= 0 || limit > length {
		limit = length
	}

	errCh := make(chan error, length)
	defer close(errCh)

	sem := make(chan struct{}, limit)
	for i := range length {
		sem <- struct{}{}
		go func(i int) {
			defer func() { <-sem }()
			errCh <- f(i)
		}(i)
	}

	errs := make([]error, 0, length)
	for range length {
		errs = append(errs, <-errCh)
	}

	return apimachineryutilerrors.NewAggregate(errs)
}
