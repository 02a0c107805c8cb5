// Copyright (C) 2017 ScyllaDB

package fsm_test

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/scylladb/scylla-cql-client/pkg/util/fsm"
	"go.uber.org/atomic"
)

const (
	Dialing   fsm.State = "dialing"
	Handshake fsm.State = "handshake"
	Serving   fsm.State = "serving"
	Broken    fsm.State = "broken"

	ActionSuccess fsm.Event = "success"
	IOFailure     fsm.Event = "io_failure"
)

type lifecycle struct {
	dialed      bool
	handshaken  bool
	serving     bool
	brokenCount int
}

func newCountingHook(counter *atomic.Int64) fsm.Hook {
	return func(context.Context, fsm.State, fsm.State, fsm.Event) error {
		counter.Inc()
		return nil
	}
}

func TestFSMFullTransition(t *testing.T) {
	ctx := context.Background()
	hookCalled := atomic.NewInt64(0)
	l := lifecycle{}

	m := fsm.New(Dialing, fsm.StateTransitions{
		Dialing: fsm.Transition{
			Action: func(ctx context.Context) (fsm.Event, error) {
				l.dialed = true
				return ActionSuccess, nil
			},
			Events: fsm.Events{
				ActionSuccess: Handshake,
			},
		},
		Handshake: fsm.Transition{
			Action: func(ctx context.Context) (fsm.Event, error) {
				l.handshaken = true
				return ActionSuccess, nil
			},
			Events: fsm.Events{
				ActionSuccess: Serving,
			},
		},
		Serving: fsm.Transition{
			Action: func(ctx context.Context) (fsm.Event, error) {
				l.serving = true
				return fsm.NoOp, nil
			},
			Events: fsm.Events{
				IOFailure: Broken,
			},
		},
		Broken: fsm.Transition{},
	}, newCountingHook(hookCalled))

	if err := m.Transition(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(ctx); err != nil {
		t.Fatal(err)
	}

	if n := hookCalled.Load(); n != int64(2) {
		t.Errorf("expected 2 hook calls, got %d", n)
	}
	if !l.dialed || !l.handshaken || !l.serving {
		t.Errorf("expected every action to run, got %+v", l)
	}
	if current := m.Current(); current != Serving {
		t.Errorf("expected %v state, got %v", Serving, current)
	}
}

func TestFSMFireRejectsUnknownEvent(t *testing.T) {
	ctx := context.Background()

	m := fsm.New(Serving, fsm.StateTransitions{
		Serving: fsm.Transition{
			Events: fsm.Events{IOFailure: Broken},
		},
		Broken: fsm.Transition{},
	}, nil)

	if err := m.Fire(ctx, IOFailure); err != nil {
		t.Fatal(err)
	}
	err := m.Fire(ctx, IOFailure)
	if !errors.Is(err, fsm.ErrEventRejected) {
		t.Errorf("expected %v, got %v", fsm.ErrEventRejected, err)
	}
	if !m.Is(Broken) {
		t.Errorf("expected %v state, got %v", Broken, m.Current())
	}
}

func TestFSMFireIsRaceFree(t *testing.T) {
	ctx := context.Background()
	l := lifecycle{}
	var mu sync.Mutex

	m := fsm.New(Serving, fsm.StateTransitions{
		Serving: fsm.Transition{
			Events: fsm.Events{IOFailure: Broken},
		},
		Broken: fsm.Transition{
			Action: func(ctx context.Context) (fsm.Event, error) {
				mu.Lock()
				defer mu.Unlock()
				l.brokenCount++
				return fsm.NoOp, nil
			},
		},
	}, nil)

	var wg sync.WaitGroup
	accepted := atomic.NewInt64(0)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Fire(ctx, IOFailure) == nil {
				accepted.Inc()
			}
		}()
	}
	wg.Wait()

	if accepted.Load() != 1 {
		t.Errorf("expected exactly one accepted event, got %d", accepted.Load())
	}
	if l.brokenCount != 1 {
		t.Errorf("expected broken action to run once, got %d", l.brokenCount)
	}
}

func TestFSMActionFailure(t *testing.T) {
	ctx := context.Background()
	hookCalled := atomic.NewInt64(0)

	m := fsm.New(Dialing, fsm.StateTransitions{
		Dialing: fsm.Transition{
			Action: func(ctx context.Context) (fsm.Event, error) {
				return fsm.NoOp, errors.New("fail!")
			},
		},
	}, newCountingHook(hookCalled))

	if err := m.Transition(ctx); err == nil {
		t.Fatalf("expected error to occur")
	}

	if n := hookCalled.Load(); n != int64(0) {
		t.Errorf("expected 0 hook calls, got %d", n)
	}
	if current := m.Current(); current != Dialing {
		t.Errorf("expected %v state, got %v", Dialing, current)
	}
}

func TestFSMHookFailureInteruptsMachine(t *testing.T) {
	ctx := context.Background()

	m := fsm.New(Dialing, fsm.StateTransitions{
		Dialing: fsm.Transition{
			Action: func(ctx context.Context) (fsm.Event, error) {
				return ActionSuccess, nil
			},
			Events: fsm.Events{
				ActionSuccess: Handshake,
			},
		},
		Handshake: fsm.Transition{},
	}, func(ctx context.Context, currentState, nextState fsm.State, event fsm.Event) error {
		return errors.New("fail!")
	})

	if err := m.Transition(ctx); err == nil {
		t.Fatalf("expected error to occur")
	}
	if current := m.Current(); current != Dialing {
		t.Errorf("expected %v state, got %v", Dialing, current)
	}
}
