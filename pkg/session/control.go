// Copyright (C) 2025 ScyllaDB

package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/scylladb/go-set/strset"
	"github.com/scylladb/gocqlx/v2/qb"
	"github.com/scylladb/scylla-cql-client/pkg/frame"
	"github.com/scylladb/scylla-cql-client/pkg/pool"
	"github.com/scylladb/scylla-cql-client/pkg/schema"
	"github.com/scylladb/scylla-cql-client/pkg/semver"
	"github.com/scylladb/scylla-cql-client/pkg/transport"
	utilerrors "github.com/scylladb/scylla-cql-client/pkg/util/errors"
	"github.com/scylladb/scylla-cql-client/pkg/util/retry"
	"go.uber.org/atomic"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

const (
	systemLocal   = "system.local"
	systemPeers   = "system.peers"
	systemPeersV2 = "system.peers_v2"

	eventQueueSize = 1024
)

var ErrSchemaDisagreement = errors.New("schema versions didn't converge")

// control is the connection used for cluster discovery, server events and
// schema queries. It reconnects to any known host when it faults.
type control struct {
	s       *Session
	connCfg transport.ConnConfig

	conn   atomic.Pointer[transport.Conn]
	peers  atomic.String
	events chan frame.Event
	faults chan error

	wg sync.WaitGroup
}

func newControl(s *Session) *control {
	c := &control{
		s:      s,
		events: make(chan frame.Event, eventQueueSize),
		faults: make(chan error, 1),
	}
	c.connCfg = s.cfg.Conn
	c.connCfg.Keyspace = ""
	c.connCfg.OnStreamFree = nil
	c.connCfg.OnFault = func(_ *transport.Conn, err error) {
		select {
		case c.faults <- err:
		default:
		}
	}
	c.peers.Store(systemPeers)
	return c
}

// connect opens the connection to the first reachable of addrs.
func (c *control) connect(ctx context.Context, addrs []string) error {
	var errs []error
	for _, addr := range addrs {
		conn, err := transport.Open(ctx, addr, c.connCfg)
		if err != nil {
			klog.V(2).InfoS("Can't open control connection", "Host", addr, "Error", err)
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if err := c.register(ctx, conn); err != nil {
			errs = append(errs, err)
			_ = conn.Close(ctx)
			continue
		}
		if old := c.conn.Swap(conn); old != nil {
			_ = old.Close(ctx)
		}
		klog.InfoS("Control connection established", "Host", conn.Addr(), "Version", conn.Version())
		return nil
	}
	return fmt.Errorf("can't connect to any of %v: %w", addrs, utilerrors.NewMultilineAggregate(errs))
}

func (c *control) register(ctx context.Context, conn *transport.Conn) error {
	events := []frame.EventType{frame.TopologyChange, frame.StatusChange}
	if !c.s.cfg.DisableSchemaEvents {
		events = append(events, frame.SchemaChange)
	}
	return conn.Register(ctx, c.listen, events...)
}

// listen is called from the connection read loop, it only queues the event.
func (c *control) listen(ev frame.Event) {
	select {
	case c.events <- ev:
	default:
		klog.ErrorS(nil, "Event queue is full, dropping event", "Type", ev.EventType())
	}
}

func (c *control) start(ctx context.Context) {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.eventLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.reconnectLoop(ctx)
	}()
}

func (c *control) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.handle(ctx, ev)
		}
	}
}

func (c *control) handle(ctx context.Context, ev frame.Event) {
	c.s.metrics.IncEvents(string(ev.EventType()))

	switch ev := ev.(type) {
	case *frame.SchemaChangeEvent:
		klog.V(2).InfoS("Schema changed", "Change", ev.SchemaChangeDetail.String())
		c.s.cache.Enqueue(ev.SchemaChangeDetail)

	case *frame.StatusChangeEvent:
		c.s.pools.HandleStatus(ev)

	case *frame.TopologyChangeEvent:
		addr := pool.EventAddr(ev.Addr, ev.Port)
		klog.V(2).InfoS("Topology changed", "Change", ev.Change, "Host", addr)
		if ev.Change == frame.TopologyRemovedNode {
			if err := c.s.pools.Remove(ctx, addr); err != nil {
				klog.ErrorS(err, "Can't close pool of removed host", "Host", addr)
			}
		}
		if err := c.s.refreshTopology(ctx); err != nil {
			klog.ErrorS(err, "Can't refresh topology")
		}
	}
}

// reconnectLoop reopens the connection after a fault, trying known hosts
// first and then the contact points.
func (c *control) reconnectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.faults:
			klog.ErrorS(err, "Control connection lost")
		}

		b := retry.NewExponentialBackoff(c.s.cfg.ControlReconnectDelay, 0, c.s.cfg.ControlReconnectMaxDelay, 2, 0.2)
		notify := func(err error, attempt int, wait time.Duration) {
			klog.V(2).InfoS("Control connection reconnect failed", "Error", err, "Attempt", attempt, "Wait", wait)
		}
		err := retry.WithNotify(ctx, b, func(ctx context.Context) error {
			addrs := c.s.pools.KnownHosts()
			addrs.Add(c.s.cfg.ContactPoints...)
			if err := c.connect(ctx, addrs.List()); err != nil {
				return err
			}
			return c.s.refreshTopology(ctx)
		}, notify)
		if err != nil {
			if ctx.Err() == nil {
				klog.ErrorS(err, "Can't reopen control connection")
			}
			return
		}
		// Schema events may have been missed while disconnected.
		if err := c.s.cache.Refresh(ctx); err != nil && ctx.Err() == nil {
			klog.ErrorS(err, "Can't reload schema after reconnect")
		}
	}
}

func (c *control) close(ctx context.Context) error {
	c.wg.Wait()
	if conn := c.conn.Load(); conn != nil {
		return conn.Close(ctx)
	}
	return nil
}

// Query implements schema.Querier.
func (c *control) Query(ctx context.Context, stmt string, values ...string) ([]schema.Row, error) {
	conn := c.conn.Load()
	if conn == nil {
		return nil, transport.ErrConnClosed
	}
	return queryRows(ctx, conn, stmt, values...)
}

func queryRows(ctx context.Context, conn *transport.Conn, stmt string, values ...string) ([]schema.Row, error) {
	text := frame.NativeOption(frame.TypeVarchar)
	q := &frame.Query{
		Statement: stmt,
		Params:    frame.QueryParams{Consistency: frame.One},
	}
	for _, v := range values {
		b, err := text.Marshal(conn.Version(), v)
		if err != nil {
			return nil, err
		}
		q.Params.Values = append(q.Params.Values, frame.BytesValue(b))
	}

	resp, err := conn.Do(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("can't query %q on %s: %w", stmt, conn.Addr(), err)
	}
	res, err := newResult(resp.Message, conn.Version(), nil)
	if err != nil {
		return nil, err
	}
	out := make([]schema.Row, 0, res.RowCount())
	rows := res.Rows()
	for rows.Next() {
		r, err := rows.MapScan()
		if err != nil {
			return nil, fmt.Errorf("can't decode %q: %w", stmt, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func localStmt() string {
	stmt, _ := qb.Select(systemLocal).Where(qb.EqLit("key", "'local'")).ToCql()
	return stmt
}

func peersStmt(table string) string {
	stmt, _ := qb.Select(table).ToCql()
	return stmt
}

// discover reads cluster members from system.local and the peers table.
func (c *control) discover(ctx context.Context) ([]*pool.Host, error) {
	conn := c.conn.Load()
	if conn == nil {
		return nil, transport.ErrConnClosed
	}

	local, err := queryRows(ctx, conn, localStmt())
	if err != nil {
		return nil, err
	}
	if len(local) != 1 {
		return nil, fmt.Errorf("expected 1 row in %s, got %d", systemLocal, len(local))
	}
	localInfo := hostInfo(local[0])
	hosts := []*pool.Host{pool.NewHost(conn.Addr(), localInfo)}

	table := systemPeers
	if semver.NewServerVersion(localInfo.ReleaseVersion).SupportFeatureSafe(semver.ServerVersionThatSupportsPeersV2) {
		table = systemPeersV2
	}
	c.peers.Store(table)

	peers, err := queryRows(ctx, conn, peersStmt(table))
	if err != nil {
		return nil, err
	}
	for _, r := range peers {
		addr, ok := c.peerAddr(r)
		if !ok {
			klog.ErrorS(nil, "Skipping peer without address", "Table", table, "HostID", str(r["host_id"]))
			continue
		}
		hosts = append(hosts, pool.NewHost(addr, hostInfo(r)))
	}
	return hosts, nil
}

func (c *control) peerAddr(r schema.Row) (string, bool) {
	var ip net.IP
	for _, col := range []string{"native_address", "rpc_address", "peer"} {
		if v := inetAddr(r[col]); v != nil && !v.IsUnspecified() {
			ip = v
			break
		}
	}
	if ip == nil {
		return "", false
	}
	port := c.connCfg.DefaultPort
	if p, ok := r["native_port"].(int); ok && p > 0 {
		port = strconv.Itoa(p)
	}
	return net.JoinHostPort(ip.String(), port), true
}

// inetAddr returns the address of an inet cell, gocql decodes it as a string.
func inetAddr(v interface{}) net.IP {
	switch v := v.(type) {
	case net.IP:
		return v
	case string:
		return net.ParseIP(v)
	default:
		return nil
	}
}

func hostInfo(r schema.Row) pool.HostInfo {
	tokens, _ := r["tokens"].([]string)
	return pool.HostInfo{
		HostID:         str(r["host_id"]),
		Datacenter:     str(r["data_center"]),
		Rack:           str(r["rack"]),
		Tokens:         tokens,
		ReleaseVersion: str(r["release_version"]),
		SchemaVersion:  str(r["schema_version"]),
	}
}

func str(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// schemaVersions returns the distinct schema versions of live hosts.
func (c *control) schemaVersions(ctx context.Context) (*strset.Set, error) {
	conn := c.conn.Load()
	if conn == nil {
		return nil, transport.ErrConnClosed
	}

	versions := strset.New()
	local, err := queryRows(ctx, conn, localStmt())
	if err != nil {
		return nil, err
	}
	for _, r := range local {
		versions.Add(str(r["schema_version"]))
	}

	peers, err := queryRows(ctx, conn, peersStmt(c.peers.Load()))
	if err != nil {
		return nil, err
	}
	for _, r := range peers {
		addr, ok := c.peerAddr(r)
		if !ok {
			continue
		}
		if p, ok := c.s.pools.Get(addr); ok && p.Host().State() == pool.StateDown {
			continue
		}
		if v := str(r["schema_version"]); v != "" {
			versions.Add(v)
		}
	}
	return versions, nil
}

// awaitSchemaAgreement polls schema versions until all live hosts report the same one.
func (c *control) awaitSchemaAgreement(ctx context.Context, interval, timeout time.Duration) error {
	var last *strset.Set
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		versions, err := c.schemaVersions(ctx)
		if err != nil {
			klog.V(4).InfoS("Can't read schema versions", "Error", err)
			return false, nil
		}
		last = versions
		return versions.Size() == 1, nil
	})
	if err != nil {
		if last != nil && ctx.Err() == nil {
			return fmt.Errorf("%w: %v", ErrSchemaDisagreement, last.List())
		}
		return fmt.Errorf("can't await schema agreement: %w", err)
	}
	return nil
}
