// Copyright (C) 2025 ScyllaDB

package transport

import (
	"context"

	"github.com/scylladb/scylla-cql-client/pkg/util/fsm"
	"k8s.io/klog/v2"
)

const (
	StateConnecting fsm.State = "Connecting"
	StateReady      fsm.State = "Ready"
	StateDraining   fsm.State = "Draining"
	StateClosed     fsm.State = "Closed"
	StateFaulted    fsm.State = "Faulted"
)

const (
	eventHandshakeDone fsm.Event = "HandshakeDone"
	eventDrain         fsm.Event = "Drain"
	eventClosed        fsm.Event = "Closed"
	eventFault         fsm.Event = "Fault"
)

func newConnStateMachine(addr string) *fsm.StateMachine {
	return fsm.New(StateConnecting, fsm.StateTransitions{
		StateConnecting: {
			Events: fsm.Events{
				eventHandshakeDone: StateReady,
				eventClosed:        StateClosed,
				eventFault:         StateFaulted,
			},
		},
		StateReady: {
			Events: fsm.Events{
				eventDrain: StateDraining,
				eventFault: StateFaulted,
			},
		},
		StateDraining: {
			Events: fsm.Events{
				eventClosed: StateClosed,
				eventFault:  StateFaulted,
			},
		},
		StateClosed:  {},
		StateFaulted: {},
	}, func(_ context.Context, from, to fsm.State, event fsm.Event) error {
		klog.V(4).InfoS("Connection state changed", "Addr", addr, "From", from, "To", to, "Event", event)
		return nil
	})
}
