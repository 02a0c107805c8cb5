// Copyright (C) 2025 ScyllaDB

package pool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/scylladb/scylla-cql-client/pkg/metrics"
	"github.com/scylladb/scylla-cql-client/pkg/transport"
	"github.com/scylladb/scylla-cql-client/pkg/util/retry"
	"go.uber.org/atomic"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

var (
	// ErrPoolTimeout is returned when no stream frees before the acquire timeout.
	ErrPoolTimeout = errors.New("timed out waiting for a free stream")
	// ErrNoConnections is returned by Pick when the host has no usable connection.
	ErrNoConnections = errors.New("no connections available")
	// ErrPoolClosed is returned by a pool after Close.
	ErrPoolClosed = errors.New("pool is closed")
)

// HostPool keeps between MinConns and MaxConns connections to one host.
type HostPool struct {
	host    *Host
	cfg     Config
	connCfg transport.ConnConfig
	clock   clock.Clock
	metrics metrics.PoolMetrics

	mu           sync.Mutex // guards fields below
	conns        []*transport.Conn
	opening      int
	freed        chan struct{}
	wake         chan struct{}
	reconnecting bool
	closed       bool

	waiters atomic.Int32
	next    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHostPool(host *Host, cfg Config, connCfg transport.ConnConfig, m metrics.PoolMetrics) (*HostPool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if err := connCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connection config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &HostPool{
		host:    host,
		cfg:     cfg,
		clock:   connCfg.Clock,
		metrics: m,
		freed:   make(chan struct{}),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	connCfg.OnFault = p.onFault
	connCfg.OnStreamFree = p.onStreamFree
	p.connCfg = connCfg
	return p, nil
}

func (p *HostPool) Host() *Host {
	return p.host
}

func (p *HostPool) String() string {
	return fmt.Sprintf("pool %s", p.host)
}

// Start opens MinConns connections. When none can be opened the error is
// returned and reconnection continues in the background.
func (p *HostPool) Start(ctx context.Context) error {
	if p.cfg.IdleTimeout > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			wait.UntilWithContext(p.ctx, p.closeIdle, p.cfg.IdleTimeout/2)
		}()
	}

	err := p.fill(ctx)
	if err != nil {
		p.recordFailure(err)
		p.scheduleReconnect()
		return err
	}
	p.markUp()
	return nil
}

// fill opens connections until MinConns are open.
func (p *HostPool) fill(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		missing := p.cfg.MinConns - len(p.conns) - p.opening
		if missing <= 0 {
			p.mu.Unlock()
			return nil
		}
		p.opening++
		p.mu.Unlock()

		if err := p.open(ctx); err != nil {
			return err
		}
	}
}

// open dials one connection, the caller has already counted it in p.opening.
func (p *HostPool) open(ctx context.Context) error {
	c, err := transport.Open(ctx, p.host.Addr(), p.connCfg)

	p.mu.Lock()
	p.opening--
	if err == nil && p.closed {
		p.mu.Unlock()
		_ = c.Close(ctx)
		return ErrPoolClosed
	}
	// A connection that faulted before it was added was never seen by onFault.
	if err == nil && c.State() != transport.StateReady {
		err = fmt.Errorf("connection to %s faulted right after opening: %w", p.host, c.Err())
	}
	if err == nil {
		p.conns = append(p.conns, c)
		p.broadcastLocked()
	}
	n := len(p.conns)
	p.mu.Unlock()

	if err != nil {
		return err
	}
	p.metrics.SetOpenConnections(p.host.Addr(), n)
	klog.V(2).InfoS("Opened connection", "Host", p.host, "Connections", n)
	return nil
}

func (p *HostPool) broadcastLocked() {
	close(p.freed)
	p.freed = make(chan struct{})
}

func (p *HostPool) onStreamFree(*transport.Conn) {
	if p.waiters.Load() == 0 {
		return
	}
	p.mu.Lock()
	p.broadcastLocked()
	p.mu.Unlock()
}

// onFault runs on the connection's goroutine and must not wait for it.
func (p *HostPool) onFault(c *transport.Conn, err error) {
	p.mu.Lock()
	p.conns = slices.DeleteFunc(p.conns, func(o *transport.Conn) bool { return o == c })
	n := len(p.conns)
	closed := p.closed
	p.broadcastLocked()
	p.mu.Unlock()

	if closed {
		return
	}
	p.metrics.SetOpenConnections(p.host.Addr(), n)
	klog.InfoS("Connection faulted, scheduling reconnection", "Host", p.host, "Connections", n, "Error", err)
	p.scheduleReconnect()
}

func (p *HostPool) scheduleReconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reconnecting || p.closed {
		return
	}
	p.reconnecting = true
	p.wg.Add(1)
	go p.reconnectLoop()
}

// reconnectLoop refills the pool with exponential backoff until it succeeds or
// the pool is closed. Removing a host from Pools closes its pool.
func (p *HostPool) reconnectLoop() {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
	}()

	b := retry.NewExponentialBackoff(p.cfg.BaseDelay, 0, p.cfg.MaxDelay, p.cfg.Multiplier, p.cfg.Jitter)
	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		klog.V(2).InfoS("Scheduled reconnection", "Host", p.host, "Attempt", attempt, "Delay", delay)
		select {
		case <-p.clock.After(delay):
		case <-p.wake:
			klog.V(2).InfoS("Reconnecting early", "Host", p.host, "Attempt", attempt)
		case <-p.ctx.Done():
			return
		}

		p.metrics.IncReconnectAttempts(p.host.Addr())
		ctx, cancel := context.WithTimeout(p.ctx, p.connCfg.ConnectTimeout)
		err := p.fill(ctx)
		cancel()
		if err == nil {
			p.markUp()
			klog.InfoS("Reconnected", "Host", p.host, "Attempts", attempt)
			return
		}
		if errors.Is(err, ErrPoolClosed) {
			return
		}
		p.recordFailure(err)
	}
}

// Wake cuts the current reconnection delay short, it's used when the cluster
// reports the host UP.
func (p *HostPool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *HostPool) markUp() {
	if !p.host.IsUp() {
		klog.InfoS("Host is UP", "Host", p.host)
	}
	p.host.MarkUp()
	p.metrics.SetHostUp(p.host.Addr(), StateUp.metricValue())
}

func (p *HostPool) recordFailure(err error) {
	wasDown := p.host.State() == StateDown
	s := p.host.recordFailure(p.cfg.DownAfterFailures)
	p.metrics.SetHostUp(p.host.Addr(), s.metricValue())
	if s == StateDown && !wasDown {
		klog.ErrorS(err, "Host is DOWN", "Host", p.host, "Failures", p.host.Failures())
		return
	}
	klog.V(2).InfoS("Can't connect", "Host", p.host, "Failures", p.host.Failures(), "Error", err)
}

// Conns returns a copy of the open connections.
func (p *HostPool) Conns() []*transport.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.conns)
}

// InFlight returns the number of requests in flight on all connections.
func (p *HostPool) InFlight() int {
	var n int
	for _, c := range p.Conns() {
		n += c.InFlight()
	}
	return n
}

// byLoad orders Ready connections by in-flight requests. Equal loads keep a
// rotating order so that ties are broken round-robin.
func (p *HostPool) byLoad(conns []*transport.Conn) []*transport.Conn {
	type loaded struct {
		conn     *transport.Conn
		inFlight int
	}
	ready := make([]loaded, 0, len(conns))
	for _, c := range conns {
		if c.State() == transport.StateReady {
			ready = append(ready, loaded{conn: c, inFlight: c.InFlight()})
		}
	}
	if len(ready) == 0 {
		return nil
	}

	off := int(p.next.Inc() % uint64(len(ready)))
	rotated := make([]loaded, 0, len(ready))
	rotated = append(rotated, ready[off:]...)
	rotated = append(rotated, ready[:off]...)
	slices.SortStableFunc(rotated, func(a, b loaded) int {
		return a.inFlight - b.inFlight
	})

	out := make([]*transport.Conn, 0, len(rotated))
	for _, l := range rotated {
		out = append(out, l.conn)
	}
	return out
}

// Pick returns the least loaded Ready connection.
func (p *HostPool) Pick() (*transport.Conn, error) {
	ready := p.byLoad(p.Conns())
	if len(ready) == 0 {
		return nil, ErrNoConnections
	}
	return ready[0], nil
}

// AcquireSlot reserves a stream on the least loaded connection. When every
// connection is saturated the pool grows up to MaxConns, and then waits for a
// stream to free until timeout elapses.
func (p *HostPool) AcquireSlot(ctx context.Context, timeout time.Duration) (*transport.Slot, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	var timer clock.Timer

	// Waiters are counted before the freed channel is taken so that no stream
	// release in between is missed.
	p.waiters.Inc()
	defer p.waiters.Dec()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		freed := p.freed
		conns := slices.Clone(p.conns)
		p.mu.Unlock()

		for _, c := range p.byLoad(conns) {
			s, err := c.Reserve()
			if err == nil {
				p.metrics.SetInFlight(p.host.Addr(), p.InFlight())
				return s, nil
			}
		}

		grown, err := p.grow(ctx)
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if grown {
			continue
		}

		if timer == nil {
			timer = p.clock.NewTimer(timeout)
			defer timer.Stop()
		}
		select {
		case <-freed:
		case <-timer.C():
			p.metrics.IncAcquireTimeouts(p.host.Addr())
			return nil, fmt.Errorf("%w after %v on %s", ErrPoolTimeout, timeout, p.host)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// grow opens one more connection when the pool is below MaxConns and isn't
// reconnecting already.
func (p *HostPool) grow(ctx context.Context) (bool, error) {
	p.mu.Lock()
	if p.closed || p.reconnecting || len(p.conns)+p.opening >= p.cfg.MaxConns {
		p.mu.Unlock()
		return false, nil
	}
	p.opening++
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.connCfg.ConnectTimeout)
	defer cancel()
	if err := p.open(ctx); err != nil {
		p.recordFailure(err)
		p.scheduleReconnect()
		return false, err
	}
	klog.V(2).InfoS("Pool grew under load", "Host", p.host)
	return true, nil
}

// closeIdle closes connections above MinConns without requests for IdleTimeout.
func (p *HostPool) closeIdle(ctx context.Context) {
	p.mu.Lock()
	var idle []*transport.Conn
	for _, c := range p.conns {
		if len(p.conns)-len(idle) <= p.cfg.MinConns {
			break
		}
		if c.InFlight() == 0 && p.clock.Since(c.IdleSince()) >= p.cfg.IdleTimeout {
			idle = append(idle, c)
		}
	}
	p.conns = slices.DeleteFunc(p.conns, func(c *transport.Conn) bool { return slices.Contains(idle, c) })
	n := len(p.conns)
	p.mu.Unlock()

	if len(idle) == 0 {
		return
	}
	p.metrics.SetOpenConnections(p.host.Addr(), n)
	for _, c := range idle {
		klog.V(2).InfoS("Closing idle connection", "Host", p.host, "Conn", c)
		if err := c.Close(ctx); err != nil {
			klog.V(2).InfoS("Can't close idle connection gracefully", "Host", p.host, "Error", err)
		}
	}
}

// Close stops reconnection and closes every connection, waiting for requests
// in flight until ctx is done.
func (p *HostPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = nil
	p.broadcastLocked()
	p.mu.Unlock()

	p.cancel()

	var errs []error
	for _, c := range conns {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.wg.Wait()
	p.metrics.Forget(p.host.Addr())
	klog.V(2).InfoS("Pool closed", "Host", p.host)
	return utilerrors.NewAggregate(errs)
}
