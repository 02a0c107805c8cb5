// Copyright (C) 2025 ScyllaDB

package pool

import (
	"fmt"

	"go.uber.org/atomic"
)

type State string

const (
	StateUnknown State = "UNKNOWN"
	StateUp      State = "UP"
	StateDown    State = "DOWN"
)

type Distance string

const (
	DistanceLocal   Distance = "local"
	DistanceRemote  Distance = "remote"
	DistanceIgnored Distance = "ignored"
)

// HostInfo is what the cluster tells about a host in system.local and system.peers.
type HostInfo struct {
	HostID         string
	Datacenter     string
	Rack           string
	Tokens         []string
	ReleaseVersion string
	SchemaVersion  string
}

// Host is a cluster member. Its state is written by the pool and by cluster
// events, and read by load balancing without locking.
type Host struct {
	addr string

	info     atomic.Pointer[HostInfo]
	state    atomic.String
	distance atomic.String
	failures atomic.Int32
}

func NewHost(addr string, info HostInfo) *Host {
	h := &Host{addr: addr}
	h.info.Store(&info)
	h.state.Store(string(StateUnknown))
	h.distance.Store(string(DistanceLocal))
	return h
}

func (h *Host) Addr() string {
	return h.addr
}

func (h *Host) String() string {
	return h.addr
}

func (h *Host) Info() HostInfo {
	return *h.info.Load()
}

func (h *Host) SetInfo(info HostInfo) {
	h.info.Store(&info)
}

func (h *Host) HostID() string {
	return h.info.Load().HostID
}

func (h *Host) Datacenter() string {
	return h.info.Load().Datacenter
}

func (h *Host) Rack() string {
	return h.info.Load().Rack
}

func (h *Host) State() State {
	return State(h.state.Load())
}

func (h *Host) IsUp() bool {
	return h.State() == StateUp
}

func (h *Host) Distance() Distance {
	return Distance(h.distance.Load())
}

func (h *Host) SetDistance(d Distance) {
	h.distance.Store(string(d))
}

// MarkUp resets the failure count.
func (h *Host) MarkUp() {
	h.failures.Store(0)
	h.state.Store(string(StateUp))
}

// MarkDown is used when the cluster reports the host down.
func (h *Host) MarkDown() {
	h.state.Store(string(StateDown))
}

// Failures returns the number of consecutive connect failures.
func (h *Host) Failures() int {
	return int(h.failures.Load())
}

// recordFailure marks the host DOWN once downAfter consecutive failures happened.
func (h *Host) recordFailure(downAfter int) State {
	if int(h.failures.Inc()) >= downAfter {
		h.state.Store(string(StateDown))
	}
	return h.State()
}

func (s State) metricValue() float64 {
	switch s {
	case StateUp:
		return 1
	case StateDown:
		return 0
	default:
		return -1
	}
}

func (h *Host) GoString() string {
	return fmt.Sprintf("Host(%s, %s, dc=%s)", h.addr, h.State(), h.Datacenter())
}
