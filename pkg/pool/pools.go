// Copyright (C) 2025 ScyllaDB

package pool

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/scylladb/go-set/strset"
	"github.com/scylladb/scylla-cql-client/pkg/frame"
	"github.com/scylladb/scylla-cql-client/pkg/metrics"
	"github.com/scylladb/scylla-cql-client/pkg/transport"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"
)

// Pools is the registry of host pools of one cluster, keyed by host address.
type Pools struct {
	cfg     Config
	connCfg transport.ConnConfig
	metrics metrics.PoolMetrics

	mu    sync.RWMutex
	pools map[string]*HostPool
	known *strset.Set
}

func NewPools(cfg Config, connCfg transport.ConnConfig, m metrics.PoolMetrics) *Pools {
	return &Pools{
		cfg:     cfg,
		connCfg: connCfg,
		metrics: m,
		pools:   map[string]*HostPool{},
		known:   strset.New(),
	}
}

// Add starts a pool for host unless one exists. A pool that can't connect yet
// is kept and reconnects in the background, the start error is returned.
func (ps *Pools) Add(ctx context.Context, host *Host) (*HostPool, error) {
	ps.mu.Lock()
	if p, ok := ps.pools[host.Addr()]; ok {
		ps.mu.Unlock()
		p.Host().SetInfo(host.Info())
		return p, nil
	}
	p, err := NewHostPool(host, ps.cfg, ps.connCfg, ps.metrics)
	if err != nil {
		ps.mu.Unlock()
		return nil, err
	}
	ps.pools[host.Addr()] = p
	ps.known.Add(host.Addr())
	ps.mu.Unlock()

	klog.V(2).InfoS("Adding host", "Host", host, "Datacenter", host.Datacenter())
	if err := p.Start(ctx); err != nil {
		return p, fmt.Errorf("can't start pool for %s: %w", host, err)
	}
	return p, nil
}

// Remove forgets the host and closes its pool, which stops its reconnection.
func (ps *Pools) Remove(ctx context.Context, addr string) error {
	ps.mu.Lock()
	p, ok := ps.pools[addr]
	delete(ps.pools, addr)
	ps.known.Remove(addr)
	ps.mu.Unlock()

	if !ok {
		return nil
	}
	klog.V(2).InfoS("Removing host", "Host", addr)
	return p.Close(ctx)
}

func (ps *Pools) Get(addr string) (*HostPool, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.pools[addr]
	return p, ok
}

// Hosts returns hosts of all pools ordered by address.
func (ps *Pools) Hosts() []*Host {
	ps.mu.RLock()
	hosts := make([]*Host, 0, len(ps.pools))
	for _, p := range ps.pools {
		hosts = append(hosts, p.Host())
	}
	ps.mu.RUnlock()

	slices.SortFunc(hosts, func(a, b *Host) int {
		return strings.Compare(a.Addr(), b.Addr())
	})
	return hosts
}

// KnownHosts returns a copy of the known hosts set.
func (ps *Pools) KnownHosts() *strset.Set {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.known.Copy()
}

// EventAddr is the pool key of the host an event is about.
func EventAddr(ip net.IP, port int32) string {
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
}

// HandleStatus applies a STATUS_CHANGE event.
func (ps *Pools) HandleStatus(ev *frame.StatusChangeEvent) {
	addr := EventAddr(ev.Addr, ev.Port)
	p, ok := ps.Get(addr)
	if !ok {
		klog.V(2).InfoS("Ignoring status of unknown host", "Host", addr, "Change", ev.Change)
		return
	}

	switch ev.Change {
	case frame.StatusUp:
		klog.V(2).InfoS("Host reported UP", "Host", addr)
		p.Wake()
	case frame.StatusDown:
		klog.V(2).InfoS("Host reported DOWN", "Host", addr)
		p.Host().MarkDown()
		ps.metrics.SetHostUp(addr, StateDown.metricValue())
	}
}

// Close closes every pool.
func (ps *Pools) Close(ctx context.Context) error {
	ps.mu.Lock()
	pools := ps.pools
	ps.pools = map[string]*HostPool{}
	ps.known = strset.New()
	ps.mu.Unlock()

	var errs []error
	for _, p := range pools {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return utilerrors.NewAggregate(errs)
}
