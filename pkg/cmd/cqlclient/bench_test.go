// Copyright (C) 2025 ScyllaDB

package cqlclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/scylladb/scylla-cql-client/pkg/frame"
	"github.com/scylladb/scylla-cql-client/pkg/transport"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

func TestBenchRequestsBudget(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	b := &bench{
		limiter:     rate.NewLimiter(rate.Inf, 1),
		concurrency: 4,
		requests:    100,
		exec: func(ctx context.Context) error {
			n := calls.Inc()
			if n%10 == 0 {
				return &frame.Error{Code: frame.ErrCodeOverloaded}
			}
			if n%25 == 0 {
				return fmt.Errorf("attempt: %w", transport.ErrTimedOut)
			}
			return nil
		},
	}

	r := b.run(context.Background())
	if calls.Load() != 100 {
		t.Errorf("expected 100 statements, got %d", calls.Load())
	}
	if r.Succeeded+r.failed() != 100 {
		t.Errorf("expected 100 recorded statements, got %d", r.Succeeded+r.failed())
	}
	expectedErrors := map[string]int{
		frame.ErrCodeOverloaded.String(): 10,
		"client timeout":                 2,
	}
	if diff := cmp.Diff(expectedErrors, r.Errors); diff != "" {
		t.Errorf("expected and got errors differ:\n%s", diff)
	}
}

func TestBenchStopsOnContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	b := &bench{
		limiter:     rate.NewLimiter(rate.Limit(50), 1),
		concurrency: 2,
		exec: func(ctx context.Context) error {
			return nil
		},
	}
	r := b.run(ctx)

	// 50/s for 100ms, with the burst of one.
	if r.Succeeded < 1 || r.Succeeded > 10 {
		t.Errorf("expected rate limited statements, got %d", r.Succeeded)
	}
	if r.failed() != 0 {
		t.Errorf("expected no errors, got %v", r.Errors)
	}
}

func TestPercentile(t *testing.T) {
	t.Parallel()

	var sorted []time.Duration
	for i := 1; i <= 100; i++ {
		sorted = append(sorted, time.Duration(i)*time.Millisecond)
	}

	tt := []struct {
		name     string
		in       []time.Duration
		p        float64
		expected time.Duration
	}{
		{name: "empty", in: nil, p: 0.5, expected: 0},
		{name: "median", in: sorted, p: 0.5, expected: 50 * time.Millisecond},
		{name: "p99", in: sorted, p: 0.99, expected: 99 * time.Millisecond},
		{name: "p100", in: sorted, p: 1, expected: 100 * time.Millisecond},
		{name: "single", in: sorted[:1], p: 0.9, expected: time.Millisecond},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := percentile(tc.in, tc.p); got != tc.expected {
				t.Errorf("expected %v, got %v", tc.expected, got)
			}
		})
	}
}

func TestBenchReportPrint(t *testing.T) {
	t.Parallel()

	r := newBenchReport(2*time.Second, []time.Duration{3 * time.Millisecond, time.Millisecond, 2 * time.Millisecond}, map[string]int{"other": 1})
	out := &bytes.Buffer{}
	if err := r.print(out); err != nil {
		t.Fatal(err)
	}

	for _, expected := range []string{"Requests:", "4", "Throughput:", "2.0/s", "Latency max:", "3ms", "Errors other:"} {
		if !strings.Contains(out.String(), expected) {
			t.Errorf("expected report to contain %q, got:\n%s", expected, out.String())
		}
	}
}

func TestErrorClass(t *testing.T) {
	t.Parallel()

	tt := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "server error",
			err:      fmt.Errorf("10.0.0.1:9042: %w", &frame.Error{Code: frame.ErrCodeUnavailable}),
			expected: frame.ErrCodeUnavailable.String(),
		},
		{
			name:     "connection lost",
			err:      transport.ErrConnectionLost,
			expected: "connection lost",
		},
		{
			name:     "unknown",
			err:      errors.New("boom"),
			expected: "other",
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := errorClass(tc.err); got != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, got)
			}
		})
	}
}
