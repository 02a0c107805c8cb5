// Copyright (C) 2025 ScyllaDB

package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithNotify(t *testing.T) {
	t.Parallel()

	errFlaky := errors.New("flaky")
	errFatal := errors.New("fatal")

	tt := []struct {
		name             string
		failures         int
		permanent        bool
		maxRetries       uint64
		expectedErr      error
		expectedAttempts int
		expectedNotifies int
	}{
		{
			name:             "succeeds at once",
			maxRetries:       3,
			expectedAttempts: 1,
		},
		{
			name:             "succeeds after failures",
			failures:         2,
			maxRetries:       3,
			expectedAttempts: 3,
			expectedNotifies: 2,
		},
		{
			name:             "gives up after max retries",
			failures:         10,
			maxRetries:       2,
			expectedErr:      errFlaky,
			expectedAttempts: 3,
			expectedNotifies: 2,
		},
		{
			name:             "permanent error stops retries",
			failures:         10,
			permanent:        true,
			maxRetries:       5,
			expectedErr:      errFatal,
			expectedAttempts: 1,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			attempts, notifies := 0, 0
			var lastAttempt int
			op := func(context.Context) error {
				attempts++
				if attempts > tc.failures {
					return nil
				}
				if tc.permanent {
					return Permanent(errFatal)
				}
				return errFlaky
			}
			b := WithMaxRetries(NewExponentialBackoff(time.Millisecond, 0, 5*time.Millisecond, 2, 0), tc.maxRetries)

			err := WithNotify(context.Background(), b, op, func(_ error, attempt int, _ time.Duration) {
				notifies++
				lastAttempt = attempt
			})
			if !errors.Is(err, tc.expectedErr) {
				t.Errorf("expected error %v, got %v", tc.expectedErr, err)
			}
			if attempts != tc.expectedAttempts {
				t.Errorf("expected %d attempts, got %d", tc.expectedAttempts, attempts)
			}
			if notifies != tc.expectedNotifies {
				t.Errorf("expected %d notifications, got %d", tc.expectedNotifies, notifies)
			}
			if lastAttempt != tc.expectedNotifies {
				t.Errorf("expected last notified attempt %d, got %d", tc.expectedNotifies, lastAttempt)
			}
		})
	}
}

func TestWithNotifyContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	op := func(context.Context) error {
		attempts++
		cancel()
		return errors.New("flaky")
	}

	err := WithNotify(ctx, NewExponentialBackoff(time.Millisecond, 0, time.Millisecond, 1, 0), op, nil)
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	if attempts != 1 {
		t.Errorf("expected %d attempts, got %d", 1, attempts)
	}
}

func TestExponentialBackoff(t *testing.T) {
	t.Parallel()

	b := NewExponentialBackoff(10*time.Millisecond, 0, 50*time.Millisecond, 2, 0)
	expected := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond}
	for i, e := range expected {
		if got := b.NextBackOff(); got != e {
			t.Errorf("attempt %d: expected %v, got %v", i, e, got)
		}
	}

	b.Reset()
	if got := b.NextBackOff(); got != expected[0] {
		t.Errorf("expected %v after reset, got %v", expected[0], got)
	}
}

func TestIsPermanent(t *testing.T) {
	t.Parallel()

	if !IsPermanent(Permanent(errors.New("x"))) {
		t.Error("expected permanent error to be detected")
	}
	if IsPermanent(errors.New("x")) {
		t.Error("expected plain error not to be permanent")
	}
}
