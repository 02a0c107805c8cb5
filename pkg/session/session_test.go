// Copyright (C) 2025 ScyllaDB

package session

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/go-cmp/cmp"
	"github.com/scylladb/scylla-cql-client/pkg/frame"
	"github.com/scylladb/scylla-cql-client/pkg/policy"
	"github.com/scylladb/scylla-cql-client/pkg/schema"
	"github.com/scylladb/scylla-cql-client/pkg/test/cqltest"
	"github.com/scylladb/scylla-cql-client/pkg/transport"
	"go.uber.org/atomic"
)

func TestNewDiscoversCluster(t *testing.T) {
	t.Parallel()

	c := newFakeCluster(t, 2)
	s := newTestSession(t, testConfig(c.addr(0)))

	if diff := cmp.Diff(c.addrs(), hostAddrs(s)); diff != "" {
		t.Errorf("expected and got hosts differ:\n%s", diff)
	}
	for _, h := range s.Hosts() {
		if !h.IsUp() {
			t.Errorf("expected host %s to be UP, got %s", h, h.State())
		}
		if h.Datacenter() != "dc1" {
			t.Errorf("expected datacenter %q, got %q", "dc1", h.Datacenter())
		}
	}
	if got := s.control.peers.Load(); got != systemPeersV2 {
		t.Errorf("expected peers table %q, got %q", systemPeersV2, got)
	}
	if !s.Ready() {
		t.Error("expected session to be ready")
	}

	ks, err := s.Schema().Keyspace("ks")
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := ks.Table("events")
	if err != nil {
		t.Fatal(err)
	}
	var pk []string
	for _, col := range tbl.PartitionKey() {
		pk = append(pk, col.Name)
	}
	if diff := cmp.Diff([]string{"id"}, pk); diff != "" {
		t.Errorf("expected and got partition key differ:\n%s", diff)
	}
	if _, ok := s.Topology().Strategy("ks"); !ok {
		t.Error("expected topology to know the replication of keyspace ks")
	}
	if got := s.Topology().Ring().Len(); got != 2 {
		t.Errorf("expected 2 tokens in the ring, got %d", got)
	}
}

func TestNewErrors(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	closedAddr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		t.Fatal(err)
	}

	t.Run("no contact points", func(t *testing.T) {
		t.Parallel()

		_, err := New(context.Background(), testConfig())
		if !errors.Is(err, ErrNoContactPoints) {
			t.Errorf("expected %v, got %v", ErrNoContactPoints, err)
		}
	})

	t.Run("unreachable contact points", func(t *testing.T) {
		t.Parallel()

		_, err := New(context.Background(), testConfig(closedAddr))
		var ce *transport.ConnectError
		if !errors.As(err, &ce) {
			t.Fatalf("expected a connect error, got %v", err)
		}
		if ce.Kind != transport.ConnectRefused {
			t.Errorf("expected kind %s, got %s", transport.ConnectRefused, ce.Kind)
		}
	})

	t.Run("first reachable contact point is used", func(t *testing.T) {
		t.Parallel()

		c := newFakeCluster(t, 1)
		s := newTestSession(t, testConfig(closedAddr, c.addr(0)))
		if got := s.control.conn.Load().Addr(); got != c.addr(0) {
			t.Errorf("expected control connection to %s, got %s", c.addr(0), got)
		}
	})
}

func valueRows(t testing.TB, values ...string) *frame.RowsResult {
	rows := make([][]interface{}, 0, len(values))
	for _, v := range values {
		rows = append(rows, []interface{}{v})
	}
	return rowsOf(t, []col{{"value", text}}, rows...)
}

func TestExecute(t *testing.T) {
	t.Parallel()

	c := newFakeCluster(t, 1)
	c.setApp(func(_ int, r *cqltest.Request) cqltest.Reply {
		q, ok := r.Message.(*frame.Query)
		if !ok || !strings.HasPrefix(q.Statement, "SELECT value FROM ks.events") {
			return cqltest.DefaultHandler(r)
		}
		if q.Params.Consistency != frame.Quorum {
			return cqltest.Reply{Message: &frame.Error{Code: frame.ErrCodeInvalid, Message: "unexpected consistency " + q.Params.Consistency.String()}}
		}
		var id int
		if err := frame.NativeOption(frame.TypeInt).Unmarshal(frame.ProtocolV4, q.Params.Values[0].Bytes, &id); err != nil {
			return cqltest.Reply{Message: &frame.Error{Code: frame.ErrCodeProtocol, Message: err.Error()}}
		}
		return cqltest.Reply{
			Message:  valueRows(t, "a"+strconv.Itoa(id), "b"+strconv.Itoa(id)),
			Warnings: []string{"large partition"},
		}
	})
	s := newTestSession(t, testConfig(c.addr(0)))

	cons := frame.Quorum
	st := NewStatement("SELECT value FROM ks.events WHERE id = ?", 7)
	st.Consistency = &cons
	res, err := s.Execute(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}

	var got []string
	rows := res.Rows()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			t.Fatal(err)
		}
		got = append(got, v)
	}
	if diff := cmp.Diff([]string{"a7", "b7"}, got); diff != "" {
		t.Errorf("expected and got rows differ:\n%s", diff)
	}
	if res.Host != c.addr(0) {
		t.Errorf("expected host %s, got %s", c.addr(0), res.Host)
	}
	if res.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", res.Attempts)
	}
	if diff := cmp.Diff([]string{"large partition"}, res.Warnings); diff != "" {
		t.Errorf("expected and got warnings differ:\n%s", diff)
	}
}

func TestExecuteRetries(t *testing.T) {
	t.Parallel()

	tt := []struct {
		name             string
		idempotent       bool
		expectedErr      error
		expectedRequests int64
	}{
		{
			name:             "idempotent statement moves to the next host",
			idempotent:       true,
			expectedRequests: 2,
		},
		{
			name:             "non-idempotent statement is rethrown",
			idempotent:       false,
			expectedErr:      frame.ErrOverloaded,
			expectedRequests: 1,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var requests atomic.Int64
			c := newFakeCluster(t, 2)
			c.setApp(func(_ int, r *cqltest.Request) cqltest.Reply {
				if r.Statement() != "SELECT value FROM ks.events" {
					return cqltest.DefaultHandler(r)
				}
				if requests.Inc() == 1 {
					return cqltest.Reply{Message: &frame.Error{Code: frame.ErrCodeOverloaded, Message: "busy"}}
				}
				return cqltest.Reply{Message: valueRows(t, "ok")}
			})
			s := newTestSession(t, testConfig(c.addr(0)))

			st := NewStatement("SELECT value FROM ks.events")
			st.Idempotent = tc.idempotent
			res, err := s.Execute(context.Background(), st)
			if !errors.Is(err, tc.expectedErr) {
				t.Fatalf("expected error %v, got %v", tc.expectedErr, err)
			}
			if got := requests.Load(); got != tc.expectedRequests {
				t.Errorf("expected %d requests, got %d", tc.expectedRequests, got)
			}
			if err != nil {
				return
			}
			if res.Attempts != 2 {
				t.Errorf("expected 2 attempts, got %d", res.Attempts)
			}
		})
	}
}

func TestExecuteMaxRetries(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	c := newFakeCluster(t, 3)
	c.setApp(func(_ int, r *cqltest.Request) cqltest.Reply {
		if r.Statement() != "SELECT value FROM ks.events" {
			return cqltest.DefaultHandler(r)
		}
		requests.Inc()
		return cqltest.Reply{Message: &frame.Error{Code: frame.ErrCodeOverloaded, Message: "busy"}}
	})
	cfg := testConfig(c.addr(0))
	cfg.MaxRetries = 1
	s := newTestSession(t, cfg)

	st := NewStatement("SELECT value FROM ks.events")
	st.Idempotent = true
	_, err := s.Execute(context.Background(), st)
	var fe *frame.Error
	if !errors.As(err, &fe) || fe.Code != frame.ErrCodeOverloaded {
		t.Fatalf("expected an overloaded error, got %v", err)
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("expected 2 requests, got %d", got)
	}
}

func TestPrepareAndExecute(t *testing.T) {
	t.Parallel()

	const stmt = "SELECT value FROM ks.events WHERE id = ?"
	var (
		prepares atomic.Int64
		forgot   atomic.Bool
	)
	c := newFakeCluster(t, 2)
	c.setApp(func(_ int, r *cqltest.Request) cqltest.Reply {
		switch m := r.Message.(type) {
		case *frame.Prepare:
			prepares.Inc()
			return cqltest.Reply{Message: &frame.PreparedResult{
				ID: []byte("events-by-id"),
				Metadata: frame.PreparedMetadata{
					PKIndexes: []uint16{0},
					Columns:   []frame.ColumnSpec{{Keyspace: "ks", Table: "events", Name: "id", Type: integer}},
				},
				ResultMetadata: frame.ResultMetadata{
					ColumnCount: 1,
					Columns:     []frame.ColumnSpec{{Keyspace: "ks", Table: "events", Name: "value", Type: text}},
				},
			}}
		case *frame.Execute:
			// The first execution finds the statement evicted from the server cache.
			if forgot.CompareAndSwap(false, true) {
				return cqltest.Reply{Message: &frame.Error{Code: frame.ErrCodeUnprepared, Message: "unknown id", UnpreparedID: m.ID}}
			}
			if !m.Params.SkipMetadata {
				return cqltest.Reply{Message: &frame.Error{Code: frame.ErrCodeProtocol, Message: "expected skip metadata"}}
			}
			res := valueRows(t, "prepared")
			res.Metadata = frame.ResultMetadata{ColumnCount: 1, NoMetadata: true}
			return cqltest.Reply{Message: res}
		}
		return cqltest.DefaultHandler(r)
	})
	s := newTestSession(t, testConfig(c.addr(0)))
	ctx := context.Background()

	ps, err := s.Prepare(ctx, stmt)
	if err != nil {
		t.Fatal(err)
	}
	if got := prepares.Load(); got != 2 {
		t.Errorf("expected statement prepared on 2 hosts, got %d", got)
	}
	if ps.Keyspace != "ks" || ps.Table != "events" {
		t.Errorf("expected statement on ks.events, got %s.%s", ps.Keyspace, ps.Table)
	}
	again, err := s.Prepare(ctx, stmt)
	if err != nil {
		t.Fatal(err)
	}
	if again != ps {
		t.Error("expected the prepared statement to be cached")
	}

	res, err := s.Execute(ctx, ps.Bind(42))
	if err != nil {
		t.Fatal(err)
	}
	if got := prepares.Load(); got != 3 {
		t.Errorf("expected the statement to be prepared again, got %d prepares", got)
	}
	rows := res.Rows()
	if !rows.Next() {
		t.Fatal("expected a row")
	}
	m, err := rows.MapScan()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]interface{}{"value": "prepared"}, m); diff != "" {
		t.Errorf("expected and got row differ:\n%s", diff)
	}

	if _, err := s.Execute(ctx, ps.Bind(1, 2)); err == nil {
		t.Error("expected an error binding too many values")
	}
}

func TestSchemaEvents(t *testing.T) {
	t.Parallel()

	c := newFakeCluster(t, 1)
	s := newTestSession(t, testConfig(c.addr(0)))

	c.addTable("ks", "users")
	c.push(0, &frame.SchemaChangeEvent{SchemaChangeDetail: frame.SchemaChangeDetail{
		Change:   frame.SchemaCreated,
		Target:   frame.TargetTable,
		Keyspace: "ks",
		Object:   "users",
	}})
	poll(t, "table ks.users", func() bool {
		ks, err := s.Schema().Keyspace("ks")
		if err != nil {
			return false
		}
		_, err = ks.Table("users")
		return err == nil
	})

	h := s.AcquireSchema()
	defer h.Release()

	c.dropKeyspace("ks")
	c.push(0, &frame.SchemaChangeEvent{SchemaChangeDetail: frame.SchemaChangeDetail{
		Change:   frame.SchemaDropped,
		Target:   frame.TargetKeyspace,
		Keyspace: "ks",
	}})
	poll(t, "keyspace ks to be dropped", func() bool {
		_, err := s.Schema().Keyspace("ks")
		return errors.Is(err, schema.ErrNotFound)
	})
	if _, err := h.Snapshot().Keyspace("ks"); err != nil {
		t.Errorf("expected the acquired snapshot to keep keyspace ks, got %v", err)
	}
	if _, ok := s.Topology().Strategy("ks"); ok {
		t.Error("expected topology to forget the dropped keyspace")
	}
}

func TestExecuteSchemaChange(t *testing.T) {
	t.Parallel()

	c := newFakeCluster(t, 2)
	c.setApp(func(_ int, r *cqltest.Request) cqltest.Reply {
		if r.Statement() != "CREATE TABLE ks.audit (id int PRIMARY KEY, value text)" {
			return cqltest.DefaultHandler(r)
		}
		c.addTable("ks", "audit")
		return cqltest.Reply{Message: &frame.SchemaChangeResult{SchemaChangeDetail: frame.SchemaChangeDetail{
			Change:   frame.SchemaCreated,
			Target:   frame.TargetTable,
			Keyspace: "ks",
			Object:   "audit",
		}}}
	})
	cfg := testConfig(c.addr(0))
	cfg.DisableSchemaEvents = true
	s := newTestSession(t, cfg)

	res, err := s.Execute(context.Background(), NewStatement("CREATE TABLE ks.audit (id int PRIMARY KEY, value text)"))
	if err != nil {
		t.Fatal(err)
	}
	if res.SchemaChange == nil || res.SchemaChange.Object != "audit" {
		t.Fatalf("expected a schema change of table audit, got %+v", res.SchemaChange)
	}
	ks, err := s.Schema().Keyspace("ks")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ks.Table("audit"); err != nil {
		t.Errorf("expected table audit to be visible after the statement returned, got %v", err)
	}
}

func TestAwaitSchemaAgreement(t *testing.T) {
	t.Parallel()

	c := newFakeCluster(t, 2)
	cfg := testConfig(c.addr(0))
	cfg.SchemaAgreementTimeout = 200 * time.Millisecond
	s := newTestSession(t, cfg)

	if err := s.AwaitSchemaAgreement(context.Background()); err != nil {
		t.Fatalf("expected agreement, got %v", err)
	}

	c.setSchemaVersion(1, gocql.TimeUUID())
	err := s.AwaitSchemaAgreement(context.Background())
	if !errors.Is(err, ErrSchemaDisagreement) {
		t.Errorf("expected %v, got %v", ErrSchemaDisagreement, err)
	}
}

func TestTopologyEvents(t *testing.T) {
	t.Parallel()

	c := newFakeCluster(t, 3)
	s := newTestSession(t, testConfig(c.addr(0)))

	host, port, err := net.SplitHostPort(c.addr(2))
	if err != nil {
		t.Fatal(err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		t.Fatal(err)
	}

	c.push(0, &frame.StatusChangeEvent{Change: frame.StatusDown, Addr: net.ParseIP(host), Port: int32(p)})
	poll(t, "host to be DOWN", func() bool {
		hp, ok := s.pools.Get(c.addr(2))
		return ok && !hp.Host().IsUp()
	})

	c.removeNode(2)
	c.push(0, &frame.TopologyChangeEvent{Change: frame.TopologyRemovedNode, Addr: net.ParseIP(host), Port: int32(p)})
	poll(t, "host to be removed", func() bool {
		return len(s.Hosts()) == 2
	})
	for _, h := range s.Topology().Hosts() {
		if h.Addr() == c.addr(2) {
			t.Errorf("expected topology without %s", h)
		}
	}
}

func TestControlReconnect(t *testing.T) {
	t.Parallel()

	c := newFakeCluster(t, 2)
	s := newTestSession(t, testConfig(c.addr(0)))
	first := s.control.conn.Load()

	c.nodes[0].srv.KillConnections()
	poll(t, "control connection to reopen", func() bool {
		conn := s.control.conn.Load()
		return conn != first && conn.Err() == nil
	})

	c.addTable("ks", "late")
	c.push(1, &frame.SchemaChangeEvent{SchemaChangeDetail: frame.SchemaChangeDetail{
		Change:   frame.SchemaCreated,
		Target:   frame.TargetTable,
		Keyspace: "ks",
		Object:   "late",
	}})
	c.push(0, &frame.SchemaChangeEvent{SchemaChangeDetail: frame.SchemaChangeDetail{
		Change:   frame.SchemaCreated,
		Target:   frame.TargetTable,
		Keyspace: "ks",
		Object:   "late",
	}})
	poll(t, "events from the new control connection", func() bool {
		ks, err := s.Schema().Keyspace("ks")
		if err != nil {
			return false
		}
		_, err = ks.Table("late")
		return err == nil
	})
}

func TestClose(t *testing.T) {
	t.Parallel()

	c := newFakeCluster(t, 1)
	s, err := New(context.Background(), testConfig(c.addr(0)))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("expected second close to be a no-op, got %v", err)
	}
	if _, err := s.Execute(context.Background(), NewStatement("SELECT now() FROM system.local")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected %v, got %v", ErrSessionClosed, err)
	}
	if s.Ready() {
		t.Error("expected closed session not to be ready")
	}
	poll(t, "server connections to close", func() bool {
		return c.nodes[0].srv.Open() == 0
	})
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tt := []struct {
		name        string
		modify      func(cfg *Config)
		expectedErr bool
	}{
		{
			name:   "default is valid",
			modify: func(*Config) {},
		},
		{
			name: "serial consistency as consistency",
			modify: func(cfg *Config) {
				cfg.Consistency = frame.Serial
			},
			expectedErr: true,
		},
		{
			name: "regular consistency as serial consistency",
			modify: func(cfg *Config) {
				cfg.SerialConsistency = frame.Quorum
			},
			expectedErr: true,
		},
		{
			name: "missing policies",
			modify: func(cfg *Config) {
				cfg.LoadBalancing = nil
				cfg.Retry = nil
			},
			expectedErr: true,
		},
		{
			name: "negative retries",
			modify: func(cfg *Config) {
				cfg.MaxRetries = -1
			},
			expectedErr: true,
		},
		{
			name: "invalid pool",
			modify: func(cfg *Config) {
				cfg.Pool.MinConns = 0
			},
			expectedErr: true,
		},
		{
			name: "fallthrough retry policy",
			modify: func(cfg *Config) {
				cfg.Retry = policy.NewFallthroughRetryPolicy()
			},
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig("127.0.0.1")
			tc.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tc.expectedErr {
				t.Errorf("expected error %v, got %v", tc.expectedErr, err)
			}
		})
	}
}
