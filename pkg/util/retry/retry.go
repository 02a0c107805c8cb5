// Copyright (C) 2017 ScyllaDB

package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// Operation is retried by WithNotify until it returns nil or a Permanent error.
type Operation func(ctx context.Context) error

// Notify is called after every failed attempt with the attempt number
// starting at 1 and the wait before the next one.
type Notify func(err error, attempt int, wait time.Duration)

// WithNotify runs op until it succeeds, b stops or ctx is done. The error of
// the last attempt is returned, a Permanent error is returned unwrapped.
func WithNotify(ctx context.Context, b Backoff, op Operation, n Notify) error {
	attempt := 0
	return backoff.RetryNotify(
		func() error {
			return op(ctx)
		},
		backoff.WithContext(b, ctx),
		func(err error, wait time.Duration) {
			attempt++
			if n != nil {
				n(err, attempt, wait)
			}
		},
	)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent checks if an error is a permanent error created with Permanent.
func IsPermanent(err error) bool {
	var perr *backoff.PermanentError
	return errors.As(err, &perr)
}
