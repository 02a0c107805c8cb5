// Copyright (C) 2025 ScyllaDB

package policy

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hailocab/go-hostpool"
	"github.com/scylladb/go-set/strset"
	"github.com/scylladb/scylla-cql-client/pkg/pool"
	"go.uber.org/atomic"
)

// LoadBalancingPolicy orders the hosts a statement is tried on.
type LoadBalancingPolicy interface {
	// Distance decides whether the session keeps a pool for the host.
	Distance(h *pool.Host) pool.Distance
	// Plan returns the hosts to try, best first.
	Plan(t *Topology, ri RoutingInfo) *Plan
}

// Plan is a single-use ordered list of hosts.
type Plan struct {
	hosts []*pool.Host
	next  int
	mark  func(h *pool.Host, err error)
}

func NewPlan(hosts []*pool.Host) *Plan {
	return &Plan{hosts: hosts}
}

// Next returns the next host of the plan, false once the plan is exhausted.
func (p *Plan) Next() (*pool.Host, bool) {
	if p.next >= len(p.hosts) {
		return nil, false
	}
	h := p.hosts[p.next]
	p.next++
	return h, true
}

func (p *Plan) Len() int {
	return len(p.hosts)
}

// Hosts returns a copy of all hosts of the plan.
func (p *Plan) Hosts() []*pool.Host {
	return slices.Clone(p.hosts)
}

// Mark reports the outcome of an attempt on h to the policy that built the plan.
func (p *Plan) Mark(h *pool.Host, err error) {
	if p.mark != nil {
		p.mark(h, err)
	}
}

func usable(h *pool.Host, lb LoadBalancingPolicy) bool {
	return h.State() != pool.StateDown && lb.Distance(h) != pool.DistanceIgnored
}

func rotated(hosts []*pool.Host, n uint64) []*pool.Host {
	if len(hosts) == 0 {
		return hosts
	}
	i := int(n % uint64(len(hosts)))
	return append(slices.Clone(hosts[i:]), hosts[:i]...)
}

// RoundRobin spreads statements over all usable hosts.
type RoundRobin struct {
	counter atomic.Uint64
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (*RoundRobin) Distance(*pool.Host) pool.Distance {
	return pool.DistanceLocal
}

func (p *RoundRobin) Plan(t *Topology, _ RoutingInfo) *Plan {
	hosts := slices.DeleteFunc(slices.Clone(t.Hosts()), func(h *pool.Host) bool {
		return !usable(h, p)
	})
	return NewPlan(rotated(hosts, p.counter.Inc()))
}

// DCAwareRoundRobin prefers hosts of the local datacenter, then up to
// RemoteHostsPerDC hosts of each remote one.
type DCAwareRoundRobin struct {
	LocalDC          string
	RemoteHostsPerDC int

	counter atomic.Uint64
}

func NewDCAwareRoundRobin(localDC string, remoteHostsPerDC int) *DCAwareRoundRobin {
	return &DCAwareRoundRobin{
		LocalDC:          localDC,
		RemoteHostsPerDC: remoteHostsPerDC,
	}
}

func (p *DCAwareRoundRobin) Distance(h *pool.Host) pool.Distance {
	switch {
	case h.Datacenter() == p.LocalDC:
		return pool.DistanceLocal
	case p.RemoteHostsPerDC > 0:
		return pool.DistanceRemote
	default:
		return pool.DistanceIgnored
	}
}

func (p *DCAwareRoundRobin) Plan(t *Topology, _ RoutingInfo) *Plan {
	var local []*pool.Host
	remote := map[string][]*pool.Host{}
	for _, h := range t.Hosts() {
		if !usable(h, p) {
			continue
		}
		if h.Datacenter() == p.LocalDC {
			local = append(local, h)
		} else {
			remote[h.Datacenter()] = append(remote[h.Datacenter()], h)
		}
	}

	n := p.counter.Inc()
	hosts := rotated(local, n)

	dcs := make([]string, 0, len(remote))
	for dc := range remote {
		dcs = append(dcs, dc)
	}
	sort.Strings(dcs)
	for _, dc := range dcs {
		r := rotated(remote[dc], n)
		hosts = append(hosts, r[:min(len(r), p.RemoteHostsPerDC)]...)
	}
	return NewPlan(hosts)
}

// TokenAware tries local replicas of the routing token first and falls back
// to the plan of its child policy.
type TokenAware struct {
	child   LoadBalancingPolicy
	counter atomic.Uint64
}

func NewTokenAware(child LoadBalancingPolicy) *TokenAware {
	return &TokenAware{child: child}
}

func (p *TokenAware) Distance(h *pool.Host) pool.Distance {
	return p.child.Distance(h)
}

func (p *TokenAware) Plan(t *Topology, ri RoutingInfo) *Plan {
	fallback := p.child.Plan(t, ri)

	var replicas []*pool.Host
	for _, h := range t.Replicas(ri) {
		if usable(h, p) && p.Distance(h) == pool.DistanceLocal {
			replicas = append(replicas, h)
		}
	}
	if len(replicas) == 0 {
		return fallback
	}

	hosts := rotated(replicas, p.counter.Inc())
	for _, h := range fallback.hosts {
		if !slices.Contains(replicas, h) {
			hosts = append(hosts, h)
		}
	}
	return &Plan{hosts: hosts, mark: fallback.mark}
}

// EpsilonGreedy learns host latencies and mostly picks the fastest host first,
// exploring others with a decaying probability.
type EpsilonGreedy struct {
	decay time.Duration

	mu    sync.Mutex
	hp    hostpool.HostPool
	hosts *strset.Set

	counter atomic.Uint64
}

// NewEpsilonGreedy creates the policy, zero decay uses the go-hostpool default.
func NewEpsilonGreedy(decay time.Duration) *EpsilonGreedy {
	return &EpsilonGreedy{
		decay: decay,
		hosts: strset.New(),
	}
}

func (*EpsilonGreedy) Distance(*pool.Host) pool.Distance {
	return pool.DistanceLocal
}

// sync updates the host pool when the usable hosts change.
func (p *EpsilonGreedy) sync(hosts []*pool.Host) hostpool.HostPool {
	addrs := strset.New()
	for _, h := range hosts {
		addrs.Add(h.Addr())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hp == nil {
		p.hp = hostpool.NewEpsilonGreedy(addrs.List(), p.decay, &hostpool.LinearEpsilonValueCalculator{})
		p.hosts = addrs
	} else if !p.hosts.IsEqual(addrs) {
		p.hp.SetHosts(addrs.List())
		p.hosts = addrs
	}
	return p.hp
}

func (p *EpsilonGreedy) Plan(t *Topology, _ RoutingInfo) *Plan {
	hosts := slices.DeleteFunc(slices.Clone(t.Hosts()), func(h *pool.Host) bool {
		return !usable(h, p)
	})
	if len(hosts) == 0 {
		return NewPlan(nil)
	}

	resp := p.sync(hosts).Get()
	if resp == nil {
		return NewPlan(rotated(hosts, p.counter.Inc()))
	}
	i := slices.IndexFunc(hosts, func(h *pool.Host) bool { return h.Addr() == resp.Host() })
	if i < 0 {
		resp.Mark(nil)
		return NewPlan(rotated(hosts, p.counter.Inc()))
	}

	first := hosts[i]
	rest := rotated(slices.Delete(hosts, i, i+1), p.counter.Inc())
	var once sync.Once
	return &Plan{
		hosts: append([]*pool.Host{first}, rest...),
		mark: func(h *pool.Host, err error) {
			if h == first {
				once.Do(func() { resp.Mark(err) })
			}
		},
	}
}
