// Copyright (C) 2025 ScyllaDB

// Package session executes statements on a cluster. It discovers cluster
// members over a control connection, keeps a connection pool per host and
// maintains the schema metadata cache from server events.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/scylladb/scylla-cql-client/pkg/frame"
	"github.com/scylladb/scylla-cql-client/pkg/metrics"
	"github.com/scylladb/scylla-cql-client/pkg/policy"
	"github.com/scylladb/scylla-cql-client/pkg/pool"
	"github.com/scylladb/scylla-cql-client/pkg/schema"
	"github.com/scylladb/scylla-cql-client/pkg/token"
	"github.com/scylladb/scylla-cql-client/pkg/util/parallel"
	"go.uber.org/atomic"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"
)

// prepareConcurrency bounds the hosts a statement is prepared on at a time.
const prepareConcurrency = 16

var (
	ErrSessionClosed    = errors.New("session is closed")
	ErrNoHostsAvailable = errors.New("no hosts available")
)

type Session struct {
	cfg         Config
	metrics     metrics.SessionMetrics
	poolMetrics metrics.PoolMetrics

	pools    *pool.Pools
	cache    *schema.Cache
	control  *control
	topology atomic.Pointer[policy.Topology]
	topoMu   sync.Mutex

	preparedMu sync.RWMutex
	prepared   map[string]*PreparedStatement

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New connects to the cluster, discovers its hosts, opens their pools and
// loads the schema.
func New(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Session{
		cfg:         cfg,
		metrics:     metrics.NewSessionMetrics(),
		poolMetrics: metrics.NewPoolMetrics(),
		prepared:    map[string]*PreparedStatement{},
	}
	if cfg.Registerer != nil {
		if err := utilerrors.NewAggregate([]error{
			s.metrics.Register(cfg.Registerer),
			s.poolMetrics.Register(cfg.Registerer),
		}); err != nil {
			return nil, fmt.Errorf("can't register metrics: %w", err)
		}
	}
	s.pools = pool.NewPools(cfg.Pool, cfg.Conn, s.poolMetrics)
	s.topology.Store(policy.NewTopology(nil, nil))

	schemaCfg := cfg.Schema
	onPublish := schemaCfg.OnPublish
	schemaCfg.OnPublish = func(snap *schema.Snapshot, scope schema.RefreshScope) {
		s.metrics.IncSchemaRefreshes(string(scope))
		s.rebuildTopology(snap)
		if onPublish != nil {
			onPublish(snap, scope)
		}
	}

	s.control = newControl(s)
	s.cache = schema.NewCache(schema.NewSystemFetcher(s.control), schemaCfg)

	if err := s.control.connect(ctx, cfg.ContactPoints); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.cache.Run(runCtx)
	}()

	if err := s.refreshTopology(ctx); err != nil {
		_ = s.Close(ctx)
		return nil, fmt.Errorf("can't discover cluster: %w", err)
	}
	if err := s.cache.Refresh(ctx); err != nil {
		_ = s.Close(ctx)
		return nil, fmt.Errorf("can't load schema: %w", err)
	}
	s.control.start(runCtx)

	klog.InfoS("Session established", "Hosts", len(s.pools.Hosts()), "SchemaVersion", s.Schema().Version())
	return s, nil
}

// refreshTopology rediscovers cluster members, opens pools of new hosts and
// closes pools of hosts that left.
func (s *Session) refreshTopology(ctx context.Context) error {
	hosts, err := s.control.discover(ctx)
	if err != nil {
		return err
	}

	s.topoMu.Lock()
	defer s.topoMu.Unlock()

	current := s.pools.KnownHosts()
	for _, h := range hosts {
		d := s.cfg.LoadBalancing.Distance(h)
		if d == pool.DistanceIgnored {
			continue
		}
		current.Remove(h.Addr())
		p, err := s.pools.Add(ctx, h)
		if p != nil {
			p.Host().SetDistance(d)
		}
		if err != nil {
			klog.ErrorS(err, "Host is unreachable, reconnecting in background", "Host", h)
		}
	}
	for _, addr := range current.List() {
		if err := s.pools.Remove(ctx, addr); err != nil {
			klog.ErrorS(err, "Can't close pool of departed host", "Host", addr)
		}
	}

	s.storeTopology(s.cache.Load())
	return nil
}

func (s *Session) rebuildTopology(snap *schema.Snapshot) {
	s.topoMu.Lock()
	defer s.topoMu.Unlock()
	s.storeTopology(snap)
}

func (s *Session) storeTopology(snap *schema.Snapshot) {
	strategies := map[string]token.Strategy{}
	for ks := range snap.Keyspaces().All() {
		st, err := ks.Strategy()
		if err != nil {
			klog.V(4).InfoS("Keyspace isn't token routable", "Keyspace", ks.Name, "Error", err)
			continue
		}
		strategies[ks.Name] = st
	}
	s.topology.Store(policy.NewTopology(s.pools.Hosts(), strategies))
}

// Execute runs st and returns its result or the error of the last attempt.
func (s *Session) Execute(ctx context.Context, st Statement) (*Result, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	start := time.Now()
	res, host, err := s.execute(ctx, &st)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.ObserveRequest(host, outcome, time.Since(start))
	if err != nil {
		return nil, err
	}

	if res.SchemaChange != nil {
		s.settleSchemaChange(ctx, *res.SchemaChange)
	}
	return res, nil
}

func (s *Session) execute(ctx context.Context, st *Statement) (*Result, string, error) {
	values, err := st.bind(s.protocolVersion())
	if err != nil {
		return nil, "", err
	}
	ri := st.routing(values)
	if ri.Keyspace == "" {
		ri.Keyspace = s.cfg.Conn.Keyspace
	}

	cons := s.cfg.Consistency
	if st.Consistency != nil {
		cons = *st.Consistency
	}
	req := s.request(st, values, cons)

	plan := s.cfg.LoadBalancing.Plan(s.topology.Load(), ri)
	decider := s.cfg.Retry.NewRetryDecider()

	var (
		lastErr  error
		attempts int
	)
	host, ok := plan.Next()
	for ok {
		attempts++
		res, err := s.attempt(ctx, host, st, req)
		plan.Mark(host, err)
		if err == nil {
			res.Host = host.Addr()
			res.Attempts = attempts
			return res, host.Addr(), nil
		}
		lastErr = fmt.Errorf("%s: %w", host, err)
		klog.V(4).InfoS("Attempt failed", "Host", host, "Attempt", attempts, "Error", err)

		if ctx.Err() != nil || attempts > s.cfg.MaxRetries {
			return nil, host.Addr(), lastErr
		}
		d := decider.Decide(policy.RetryInfo{
			Err:         err,
			Idempotent:  st.Idempotent,
			Consistency: cons,
			Attempt:     attempts,
		})
		s.metrics.IncRetries(d.String())
		switch d {
		case policy.RetrySameHost:
		case policy.RetryNextHost:
			host, ok = plan.Next()
		default:
			return nil, host.Addr(), lastErr
		}
	}
	if lastErr == nil {
		return nil, "", ErrNoHostsAvailable
	}
	return nil, "", lastErr
}

func (s *Session) request(st *Statement, values []frame.Value, cons frame.Consistency) frame.Message {
	params := frame.QueryParams{
		Consistency:       cons,
		Values:            values,
		PageSize:          s.cfg.PageSize,
		PagingState:       st.PagingState,
		SerialConsistency: s.cfg.SerialConsistency,
	}
	if st.PageSize != 0 {
		params.PageSize = st.PageSize
	}
	if st.SerialConsistency != nil {
		params.SerialConsistency = *st.SerialConsistency
	}
	if st.Prepared == nil {
		return &frame.Query{Statement: st.Query, Params: params}
	}
	params.SkipMetadata = len(st.Prepared.ResultMetadata.Columns) > 0
	return &frame.Execute{ID: st.Prepared.ID, Params: params}
}

// attempt sends req to host. A statement the host doesn't know as prepared
// is prepared again on the same connection and resent once.
func (s *Session) attempt(ctx context.Context, host *pool.Host, st *Statement, req frame.Message) (*Result, error) {
	p, ok := s.pools.Get(host.Addr())
	if !ok {
		return nil, pool.ErrNoConnections
	}
	slot, err := p.AcquireSlot(ctx, 0)
	if err != nil {
		return nil, err
	}
	conn := slot.Conn()
	pending, err := slot.Send(req, st.Timeout)
	if err != nil {
		return nil, err
	}
	resp, err := pending.Wait(ctx)

	if errors.Is(err, frame.ErrUnprepared) && st.Prepared != nil {
		klog.V(2).InfoS("Statement unprepared on host, preparing again", "Host", host, "Query", st.Prepared.Query)
		r, perr := conn.Do(ctx, &frame.Prepare{Statement: st.Prepared.Query})
		if perr != nil {
			return nil, fmt.Errorf("can't prepare again: %w", perr)
		}
		pr, ok := r.Message.(*frame.PreparedResult)
		if !ok {
			return nil, fmt.Errorf("%w: %s", frame.ErrUnexpectedOpcode, r.Message.OpCode())
		}
		if !bytes.Equal(pr.ID, st.Prepared.ID) {
			return nil, fmt.Errorf("statement id changed while preparing %q again", st.Prepared.Query)
		}
		pending, err = conn.Send(req, st.Timeout)
		if err != nil {
			return nil, err
		}
		resp, err = pending.Wait(ctx)
	}
	if err != nil {
		return nil, err
	}

	res, err := newResult(resp.Message, conn.Version(), st.Prepared)
	if err != nil {
		return nil, err
	}
	res.Warnings = resp.Warnings
	for _, w := range resp.Warnings {
		klog.V(2).InfoS("Server warning", "Host", host, "Warning", w)
	}
	return res, nil
}

// settleSchemaChange waits until the cluster agrees on the schema and the
// cache reflects the change.
func (s *Session) settleSchemaChange(ctx context.Context, d frame.SchemaChangeDetail) {
	if s.cfg.SchemaAgreementTimeout > 0 {
		if err := s.AwaitSchemaAgreement(ctx); err != nil {
			klog.ErrorS(err, "Schema agreement not reached", "Change", d.String())
		}
	}
	if err := s.cache.Wait(ctx, s.cache.Enqueue(d)); err != nil {
		klog.ErrorS(err, "Can't wait for schema refresh", "Change", d.String())
	}
}

// Prepare prepares query on every UP host. It fails only when no host
// prepared it.
func (s *Session) Prepare(ctx context.Context, query string) (*PreparedStatement, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	s.preparedMu.RLock()
	ps, ok := s.prepared[query]
	s.preparedMu.RUnlock()
	if ok {
		return ps, nil
	}

	var hosts []*pool.Host
	for _, h := range s.pools.Hosts() {
		if h.IsUp() {
			hosts = append(hosts, h)
		}
	}
	if len(hosts) == 0 {
		hosts = s.pools.Hosts()
	}
	if len(hosts) == 0 {
		return nil, ErrNoHostsAvailable
	}

	results := make([]*frame.PreparedResult, len(hosts))
	err := parallel.ForEachLimit(len(hosts), prepareConcurrency, func(i int) error {
		r, err := s.prepareOn(ctx, hosts[i], query)
		if err != nil {
			return fmt.Errorf("%s: %w", hosts[i], err)
		}
		results[i] = r
		return nil
	})
	for _, r := range results {
		if r == nil {
			continue
		}
		if err != nil {
			klog.V(2).InfoS("Statement not prepared on every host", "Query", query, "Error", err)
		}
		ps := newPreparedStatement(query, r)
		s.preparedMu.Lock()
		s.prepared[query] = ps
		s.preparedMu.Unlock()
		return ps, nil
	}
	return nil, fmt.Errorf("can't prepare %q: %w", query, err)
}

func (s *Session) prepareOn(ctx context.Context, host *pool.Host, query string) (*frame.PreparedResult, error) {
	p, ok := s.pools.Get(host.Addr())
	if !ok {
		return nil, pool.ErrNoConnections
	}
	slot, err := p.AcquireSlot(ctx, 0)
	if err != nil {
		return nil, err
	}
	pending, err := slot.Send(&frame.Prepare{Statement: query}, 0)
	if err != nil {
		return nil, err
	}
	resp, err := pending.Wait(ctx)
	if err != nil {
		return nil, err
	}
	r, ok := resp.Message.(*frame.PreparedResult)
	if !ok {
		return nil, fmt.Errorf("%w: %s", frame.ErrUnexpectedOpcode, resp.Message.OpCode())
	}
	return r, nil
}

func (s *Session) protocolVersion() frame.Version {
	if c := s.control.conn.Load(); c != nil {
		return c.Version()
	}
	return s.cfg.Conn.ProtocolVersions[0]
}

// Schema returns the current schema snapshot without locking.
func (s *Session) Schema() *schema.Snapshot {
	return s.cache.Load()
}

// AcquireSchema pins the current snapshot until the handle is released.
func (s *Session) AcquireSchema() *schema.Handle {
	return s.cache.Acquire()
}

// RefreshSchema reloads the whole schema.
func (s *Session) RefreshSchema(ctx context.Context) error {
	return s.cache.Refresh(ctx)
}

// AwaitSchemaAgreement waits until all live hosts report the same schema version.
func (s *Session) AwaitSchemaAgreement(ctx context.Context) error {
	return s.control.awaitSchemaAgreement(ctx, s.cfg.SchemaAgreementInterval, s.cfg.SchemaAgreementTimeout)
}

func (s *Session) Topology() *policy.Topology {
	return s.topology.Load()
}

// Hosts returns hosts with a pool, ordered by address.
func (s *Session) Hosts() []*pool.Host {
	return s.pools.Hosts()
}

// Ready reports whether the control connection is open and some host is UP.
func (s *Session) Ready() bool {
	if s.closed.Load() {
		return false
	}
	if c := s.control.conn.Load(); c == nil || c.Err() != nil {
		return false
	}
	for _, h := range s.pools.Hosts() {
		if h.IsUp() {
			return true
		}
	}
	return false
}

// Close stops background work and closes all connections.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	return utilerrors.NewAggregate([]error{
		s.control.close(ctx),
		s.pools.Close(ctx),
	})
}
