// Copyright (C) 2017 ScyllaDB

package fsm

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrEventRejected is the error returned when the state machine cannot process
// an event in the state that it is in.
var ErrEventRejected = errors.New("event rejected")

const (
	// NoOp represents a no-op event. State machine stops when this event is emitted.
	NoOp Event = "NoOp"
)

// State represents an extensible state type in the state machine.
type State string

// Event represents an extensible event type in the state machine.
type Event string

// Action represents the action to be executed when a state is entered.
type Action func(ctx context.Context) (Event, error)

// Events represents a mapping of events and states.
type Events map[Event]State

// Transition binds a state with an optional action and a set of events it can handle.
// A state without events is terminal.
type Transition struct {
	Action Action
	Events Events
}

// Hook is called on each state machine transition, before the state changes.
// Returning an error rejects the transition.
type Hook func(ctx context.Context, currentState, nextState State, event Event) error

// StateTransitions represents a mapping of states and their implementations.
type StateTransitions map[State]Transition

// StateMachine is safe for concurrent use. Hooks run under the machine lock
// and must not call back into it, actions run outside of it.
type StateMachine struct {
	mu sync.Mutex

	// Current represents the current state.
	current State

	// StateTransitions holds the configuration of states and events handled by the state machine.
	stateTransitions StateTransitions

	// TransitionHook is called on every state transition.
	transitionHook Hook
}

// New returns initialized state machine.
func New(state State, stateTransitions StateTransitions, hook Hook) *StateMachine {
	return &StateMachine{
		current:          state,
		stateTransitions: stateTransitions,
		transitionHook:   hook,
	}
}

// getNextState returns the next state for the event given the machine's current
// state, or an error if the event can't be handled in the given state.
func (s *StateMachine) getNextState(event Event) (State, error) {
	if transition, ok := s.stateTransitions[s.current]; ok {
		if transition.Events != nil {
			if next, ok := transition.Events[event]; ok {
				return next, nil
			}
		}
	}
	return s.current, ErrEventRejected
}

// Transition triggers current state action and sends the resulting event to the state machine.
func (s *StateMachine) Transition(ctx context.Context) error {
	s.mu.Lock()
	action := s.stateTransitions[s.current].Action
	s.mu.Unlock()

	if action == nil {
		return nil
	}
	event, err := action(ctx)
	if err != nil {
		return err
	}
	return s.Fire(ctx, event)
}

// Fire moves the machine according to event and runs the entered state's action,
// looping over events returned by actions until NoOp.
func (s *StateMachine) Fire(ctx context.Context, event Event) error {
	for event != NoOp {
		action, err := s.step(ctx, event)
		if err != nil {
			return err
		}
		if action == nil {
			return nil
		}

		// Execute the next state's action and loop over again if the event returned
		// is not a no-op.
		event, err = action(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *StateMachine) step(ctx context.Context, event Event) (Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Determine the next state for the event given the machine's current state.
	nextState, err := s.getNextState(event)
	if err != nil {
		return nil, errors.Wrapf(err, "event %q in state %q", event, s.current)
	}

	// Identify the state definition for the next state.
	nextTransition, ok := s.stateTransitions[nextState]
	if !ok {
		return nil, errors.Wrapf(ErrEventRejected, "unknown transition %q for event %q", nextState, event)
	}

	if s.transitionHook != nil {
		if err := s.transitionHook(ctx, s.current, nextState, event); err != nil {
			return nil, err
		}
	}
	// Transition over to the next state.
	s.current = nextState

	return nextTransition.Action, nil
}

// Current return current state machine state.
func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Is reports whether the machine is in any of the given states.
func (s *StateMachine) Is(states ...State) bool {
	cur := s.Current()
	for _, st := range states {
		if cur == st {
			return true
		}
	}
	return false
}
