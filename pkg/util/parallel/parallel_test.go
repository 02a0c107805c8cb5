// Copyright (C) 2017 ScyllaDB

package parallel

import (
	"fmt"
	"reflect"
	"sort"
	"testing"
	"time"

	"go.uber.org/atomic"
	apimachineryutilerrors "k8s.io/apimachinery/pkg/util/errors"
)

func TestForEach(t *testing.T) {
	anError := func(i int) error {
		return fmt.Errorf("test error #%d", i)
	}

	tt := []struct {
		name        string
		length      int
		f           func(i int) error
		expectedErr error
	}{
		{
			name:   "single nil",
			length: 1,
			f: func(i int) error {
				switch i {
				case 0:
					return nil
				default:
					panic("out of range")
				}
			},
			expectedErr: nil,
		},
		{
			name:   "two nils",
			length: 2,
			f: func(i int) error {
				switch i {
				case 0, 1:
					return nil
				default:
					panic("out of range")
				}
			},
			expectedErr: nil,
		},
		{
			name:   "single error",
			length: 1,
			f: func(i int) error {
				switch i {
				case 0:
					return anError(i)
				default:
					panic("out of range")
				}
			},
			expectedErr: apimachineryutilerrors.NewAggregate([]error{anError(0)}),
		},
		{
			name:   "two errors",
			length: 2,
			f: func(i int) error {
				switch i {
				case 0, 1:
					return anError(i)
				default:
					panic("out of range")
				}
			},
			expectedErr: apimachineryutilerrors.NewAggregate([]error{anError(0), anError(1)}),
		},
		{
			name:   "mixed",
			length: 5,
			f: func(i int) error {
				switch i {
				case 0, 2, 4:
					return nil
				case 1, 3:
					return anError(i)
				default:
					panic("out of range")
				}
			},
			expectedErr: apimachineryutilerrors.NewAggregate([]error{nil, anError(1), nil, anError(3), nil}),
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			gotErr := ForEach(tc.length, tc.f)

			// Sort the errors to avoid random ordering from parallelism.
			if gotErr != nil {
				errs := gotErr.(apimachineryutilerrors.Aggregate).Errors()
				sort.Slice(errs, func(i, j int) bool {
					return errs[i].Error() < errs[j].Error()
				})
			}

			if !reflect.DeepEqual(gotErr, tc.expectedErr) {
				t.Errorf("expected %v, got %v", tc.expectedErr, gotErr)
			}
		})

	}
}

func TestForEachLimit(t *testing.T) {
	t.Parallel()

	tt := []struct {
		name        string
		length      int
		limit       int
		expectedMax int32
	}{
		{
			name:        "limit bounds concurrency",
			length:      20,
			limit:       3,
			expectedMax: 3,
		},
		{
			name:        "limit above length",
			length:      2,
			limit:       10,
			expectedMax: 2,
		},
		{
			name:        "no limit",
			length:      4,
			limit:       0,
			expectedMax: 4,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var running, maxRunning atomic.Int32
			var calls atomic.Int32
			release := make(chan struct{})
			go func() {
				// Let the goroutines pile up before releasing them.
				time.Sleep(50 * time.Millisecond)
				close(release)
			}()

			err := ForEachLimit(tc.length, tc.limit, func(i int) error {
				calls.Inc()
				n := running.Inc()
				for {
					m := maxRunning.Load()
					if n <= m || maxRunning.CompareAndSwap(m, n) {
						break
					}
				}
				<-release
				running.Dec()
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
			if calls.Load() != int32(tc.length) {
				t.Errorf("expected %d calls, got %d", tc.length, calls.Load())
			}
			if maxRunning.Load() > tc.expectedMax {
				t.Errorf("expected at most %d concurrent calls, got %d", tc.expectedMax, maxRunning.Load())
			}
		})
	}
}
