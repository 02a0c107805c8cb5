// Copyright (C) 2025 ScyllaDB

package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/scylladb/scylla-cql-client/pkg/frame"
	"github.com/scylladb/scylla-cql-client/pkg/metrics"
	"github.com/scylladb/scylla-cql-client/pkg/test/cqltest"
	"github.com/scylladb/scylla-cql-client/pkg/transport"
	"k8s.io/apimachinery/pkg/util/wait"
	clocktesting "k8s.io/utils/clock/testing"
)

func silentHandler(*cqltest.Request) cqltest.Reply {
	return cqltest.Reply{}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Jitter = 0
	cfg.IdleTimeout = 0
	return cfg
}

func testConnConfig() transport.ConnConfig {
	cfg := transport.DefaultConnConfig()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

func newTestPool(t *testing.T, addr string, cfg Config, connCfg transport.ConnConfig) *HostPool {
	t.Helper()

	p, err := NewHostPool(NewHost(addr, HostInfo{Datacenter: "dc1"}), cfg, connCfg, metrics.NewPoolMetrics())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

func poll(t *testing.T, what string, cond func() bool) {
	t.Helper()

	err := wait.PollUntilContextTimeout(context.Background(), 5*time.Millisecond, 5*time.Second, true, func(context.Context) (bool, error) {
		return cond(), nil
	})
	if err != nil {
		t.Fatalf("waiting for %s: %v", what, err)
	}
}

func query(stmt string) *frame.Query {
	return &frame.Query{Statement: stmt, Params: frame.QueryParams{Consistency: frame.One}}
}

func TestPoolSaturation(t *testing.T) {
	t.Parallel()

	const n = 2

	tt := []struct {
		name        string
		releaseSlot bool
		timeout     time.Duration
		expectedErr error
	}{
		{
			name:        "times out when no stream frees",
			timeout:     50 * time.Millisecond,
			expectedErr: ErrPoolTimeout,
		},
		{
			name:        "succeeds when a stream frees first",
			releaseSlot: true,
			timeout:     5 * time.Second,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := cqltest.NewServer(t, cqltest.Options{Handler: silentHandler})
			cfg := testConfig()
			cfg.MinConns = 1
			cfg.MaxConns = 2
			connCfg := testConnConfig()
			connCfg.MaxStreams = n
			p := newTestPool(t, srv.Addr(), cfg, connCfg)
			if err := p.Start(context.Background()); err != nil {
				t.Fatal(err)
			}

			slots := make([]*transport.Slot, 0, 2*n)
			for i := 0; i < 2*n; i++ {
				s, err := p.AcquireSlot(context.Background(), tc.timeout)
				if err != nil {
					t.Fatalf("can't acquire slot %d: %v", i, err)
				}
				slots = append(slots, s)
			}
			if got := len(p.Conns()); got != 2 {
				t.Fatalf("expected pool to grow to 2 connections, got %d", got)
			}
			if got := p.InFlight(); got != 2*n {
				t.Errorf("expected %d streams in use, got %d", 2*n, got)
			}

			type result struct {
				slot *transport.Slot
				err  error
			}
			done := make(chan result, 1)
			go func() {
				s, err := p.AcquireSlot(context.Background(), tc.timeout)
				done <- result{slot: s, err: err}
			}()

			if tc.releaseSlot {
				poll(t, "a waiter", func() bool { return p.waiters.Load() > 0 })
				slots[1].Release()
			}

			r := <-done
			if !errors.Is(r.err, tc.expectedErr) {
				t.Fatalf("expected error %v, got %v", tc.expectedErr, r.err)
			}
			if tc.expectedErr == nil && r.slot == nil {
				t.Fatal("expected a slot, got nil")
			}
			if got := len(p.Conns()); got != 2 {
				t.Errorf("expected pool to stay at 2 connections, got %d", got)
			}
		})
	}
}

func TestPickLeastLoaded(t *testing.T) {
	t.Parallel()

	srv := cqltest.NewServer(t, cqltest.Options{Handler: silentHandler})
	cfg := testConfig()
	cfg.MinConns = 3
	cfg.MaxConns = 3
	p := newTestPool(t, srv.Addr(), cfg, testConnConfig())
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	conns := p.Conns()
	if len(conns) != 3 {
		t.Fatalf("expected 3 connections, got %d", len(conns))
	}

	// Ties are broken round-robin.
	seen := map[*transport.Conn]int{}
	for i := 0; i < 6; i++ {
		c, err := p.Pick()
		if err != nil {
			t.Fatal(err)
		}
		seen[c]++
	}
	for i, c := range conns {
		if seen[c] != 2 {
			t.Errorf("expected connection %d to be picked twice, got %d", i, seen[c])
		}
	}

	// Load the first two connections.
	for _, c := range conns[:2] {
		if _, err := c.Send(query("hold"), 0); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		c, err := p.Pick()
		if err != nil {
			t.Fatal(err)
		}
		if c != conns[2] {
			t.Errorf("expected the idle connection to be picked, got %s with %d in flight", c, c.InFlight())
		}
	}
}

func TestPickWithoutConnections(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, "127.0.0.1:1", testConfig(), testConnConfig())
	if _, err := p.Pick(); !errors.Is(err, ErrNoConnections) {
		t.Errorf("expected %v, got %v", ErrNoConnections, err)
	}
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	t.Parallel()

	srv := cqltest.NewServer(t, cqltest.Options{Handler: silentHandler})
	clk := clocktesting.NewFakeClock(time.Now())
	cfg := testConfig()
	cfg.BaseDelay = time.Second
	connCfg := testConnConfig()
	connCfg.Clock = clk
	p := newTestPool(t, srv.Addr(), cfg, connCfg)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !p.Host().IsUp() {
		t.Fatalf("expected host to be UP, got %s", p.Host().State())
	}

	const n = 3
	pending := make([]*transport.Pending, 0, n)
	for i := 0; i < n; i++ {
		s, err := p.AcquireSlot(context.Background(), 0)
		if err != nil {
			t.Fatal(err)
		}
		pd, err := s.Send(query(fmt.Sprintf("q%d", i)), 0)
		if err != nil {
			t.Fatal(err)
		}
		pending = append(pending, pd)
	}

	srv.KillConnections()
	for i, pd := range pending {
		if _, err := pd.Wait(context.Background()); !errors.Is(err, transport.ErrConnectionLost) {
			t.Errorf("expected request %d to fail with %v, got %v", i, transport.ErrConnectionLost, err)
		}
	}

	poll(t, "faulted connection removal", func() bool { return len(p.Conns()) == 0 })
	poll(t, "scheduled reconnection", clk.HasWaiters)

	clk.Step(cfg.BaseDelay - time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	if got := srv.Accepted(); got != 1 {
		t.Fatalf("expected no reconnection before the initial backoff, got %d accepted connections", got)
	}

	clk.Step(time.Millisecond)
	poll(t, "reconnection", func() bool { return len(p.Conns()) == 1 })
	if got := srv.Accepted(); got != 2 {
		t.Errorf("expected 2 accepted connections, got %d", got)
	}
	if !p.Host().IsUp() {
		t.Errorf("expected host to be UP, got %s", p.Host().State())
	}
}

func TestHostStateFollowsConnectFailures(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		t.Fatal(err)
	}

	clk := clocktesting.NewFakeClock(time.Now())
	cfg := testConfig()
	cfg.BaseDelay = time.Second
	cfg.Multiplier = 2
	cfg.DownAfterFailures = 2
	connCfg := testConnConfig()
	connCfg.Clock = clk
	p := newTestPool(t, addr, cfg, connCfg)

	var ce *transport.ConnectError
	if err := p.Start(context.Background()); !errors.As(err, &ce) || ce.Kind != transport.ConnectRefused {
		t.Fatalf("expected refused connection, got %v", err)
	}
	if p.Host().State() != StateUnknown {
		t.Errorf("expected host state %s after one failure, got %s", StateUnknown, p.Host().State())
	}

	poll(t, "first reconnection", clk.HasWaiters)
	clk.Step(cfg.BaseDelay)
	poll(t, "host DOWN", func() bool { return p.Host().State() == StateDown })
	if got := p.Host().Failures(); got != 2 {
		t.Errorf("expected 2 failures, got %d", got)
	}

	cqltest.NewServer(t, cqltest.Options{Addr: addr})
	poll(t, "second reconnection", clk.HasWaiters)
	clk.Step(2 * cfg.BaseDelay)
	poll(t, "host UP", p.Host().IsUp)
	if got := p.Host().Failures(); got != 0 {
		t.Errorf("expected failures to reset, got %d", got)
	}
	if got := len(p.Conns()); got != cfg.MinConns {
		t.Errorf("expected %d connections, got %d", cfg.MinConns, got)
	}
}

func TestCloseIdle(t *testing.T) {
	t.Parallel()

	srv := cqltest.NewServer(t, cqltest.Options{Handler: silentHandler})
	clk := clocktesting.NewFakeClock(time.Now())
	cfg := testConfig()
	cfg.MinConns = 1
	cfg.MaxConns = 2
	cfg.IdleTimeout = time.Minute
	connCfg := testConnConfig()
	connCfg.MaxStreams = 1
	connCfg.Clock = clk
	p := newTestPool(t, srv.Addr(), cfg, connCfg)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var slots []*transport.Slot
	for i := 0; i < 2; i++ {
		s, err := p.AcquireSlot(context.Background(), time.Second)
		if err != nil {
			t.Fatal(err)
		}
		slots = append(slots, s)
	}
	if got := len(p.Conns()); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}

	p.closeIdle(context.Background())
	if got := len(p.Conns()); got != 2 {
		t.Fatalf("expected busy connections to stay open, got %d", got)
	}

	for _, s := range slots {
		s.Release()
	}
	clk.Step(2 * cfg.IdleTimeout)
	p.closeIdle(context.Background())
	if got := len(p.Conns()); got != cfg.MinConns {
		t.Errorf("expected idle connections above minimum to be closed, got %d open", got)
	}
}

func TestAcquireSlotAfterClose(t *testing.T) {
	t.Parallel()

	srv := cqltest.NewServer(t, cqltest.Options{})
	p := newTestPool(t, srv.Addr(), testConfig(), testConnConfig())
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := p.AcquireSlot(context.Background(), time.Second); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected %v, got %v", ErrPoolClosed, err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Errorf("expected second close to be a no-op, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tt := []struct {
		name        string
		modify      func(*Config)
		expectError bool
	}{
		{
			name: "default",
		},
		{
			name:        "no connections",
			modify:      func(cfg *Config) { cfg.MinConns = 0 },
			expectError: true,
		},
		{
			name:        "max below min",
			modify:      func(cfg *Config) { cfg.MinConns, cfg.MaxConns = 3, 2 },
			expectError: true,
		},
		{
			name:        "shrinking multiplier",
			modify:      func(cfg *Config) { cfg.Multiplier = 0.5 },
			expectError: true,
		},
		{
			name:        "max delay below base delay",
			modify:      func(cfg *Config) { cfg.MaxDelay = cfg.BaseDelay / 2 },
			expectError: true,
		},
		{
			name:        "jitter out of range",
			modify:      func(cfg *Config) { cfg.Jitter = 1 },
			expectError: true,
		},
		{
			name:   "no jitter",
			modify: func(cfg *Config) { cfg.Jitter = 0 },
		},
		{
			name:        "zero acquire timeout",
			modify:      func(cfg *Config) { cfg.AcquireTimeout = 0 },
			expectError: true,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			if tc.modify != nil {
				tc.modify(&cfg)
			}
			err := cfg.Validate()
			if tc.expectError != (err != nil) {
				t.Errorf("expected error %v, got %v", tc.expectError, err)
			}
		})
	}
}
