// Copyright (C) 2025 ScyllaDB

package session

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/scylladb/scylla-cql-client/pkg/frame"
	"github.com/scylladb/scylla-cql-client/pkg/policy"
	"github.com/scylladb/scylla-cql-client/pkg/test/cqltest"
)

var (
	text    = frame.NativeOption(frame.TypeVarchar)
	integer = frame.NativeOption(frame.TypeInt)
	boolean = frame.NativeOption(frame.TypeBoolean)
	uuidT   = frame.NativeOption(frame.TypeUUID)
	inet    = frame.NativeOption(frame.TypeInet)
)

type col struct {
	name string
	typ  frame.Option
}

// rowsOf builds a RESULT Rows message, values are marshalled with the column types.
func rowsOf(t testing.TB, cols []col, rows ...[]interface{}) *frame.RowsResult {
	md := frame.ResultMetadata{ColumnCount: int32(len(cols))}
	for _, c := range cols {
		md.Columns = append(md.Columns, frame.ColumnSpec{Keyspace: "system", Table: "t", Name: c.name, Type: c.typ})
	}
	res := &frame.RowsResult{Metadata: md}
	for _, r := range rows {
		cells := make([][]byte, len(r))
		for i, v := range r {
			b, err := cols[i].typ.Marshal(frame.ProtocolV4, v)
			if err != nil {
				t.Errorf("can't marshal %v as %s: %v", v, cols[i].typ, err)
			}
			cells[i] = b
		}
		res.Rows = append(res.Rows, cells)
	}
	return res
}

type fakeNode struct {
	srv           *cqltest.Server
	hostID        gocql.UUID
	schemaVersion gocql.UUID
	removed       bool
}

// fakeCluster serves system tables from every node, other requests go to
// the application handler of the cluster.
type fakeCluster struct {
	t testing.TB

	mu        sync.Mutex
	nodes     []*fakeNode
	keyspaces map[string]map[string]string
	tables    map[string][]string
	app       func(n int, r *cqltest.Request) cqltest.Reply
}

func newFakeCluster(t testing.TB, n int) *fakeCluster {
	t.Helper()

	c := &fakeCluster{
		t: t,
		keyspaces: map[string]map[string]string{
			"ks": {"class": "org.apache.cassandra.locator.SimpleStrategy", "replication_factor": "1"},
		},
		tables: map[string][]string{
			"ks": {"events"},
		},
	}
	version := gocql.TimeUUID()
	for i := 0; i < n; i++ {
		node := &fakeNode{
			hostID:        gocql.TimeUUID(),
			schemaVersion: version,
		}
		i := i
		node.srv = cqltest.NewServer(t, cqltest.Options{
			Handler: func(r *cqltest.Request) cqltest.Reply {
				return c.handle(i, r)
			},
		})
		c.nodes = append(c.nodes, node)
	}
	return c
}

func (c *fakeCluster) addr(n int) string {
	return c.nodes[n].srv.Addr()
}

func (c *fakeCluster) addrs() []string {
	var out []string
	for i := range c.nodes {
		out = append(out, c.addr(i))
	}
	sort.Strings(out)
	return out
}

func (c *fakeCluster) setApp(h func(n int, r *cqltest.Request) cqltest.Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.app = h
}

func (c *fakeCluster) addTable(keyspace, table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[keyspace] = append(c.tables[keyspace], table)
}

func (c *fakeCluster) dropKeyspace(keyspace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keyspaces, keyspace)
	delete(c.tables, keyspace)
}

func (c *fakeCluster) removeNode(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[n].removed = true
}

func (c *fakeCluster) setSchemaVersion(n int, v gocql.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[n].schemaVersion = v
}

// push sends ev from node n.
func (c *fakeCluster) push(n int, ev frame.Event) {
	c.nodes[n].srv.Push(ev)
}

func (c *fakeCluster) handle(n int, r *cqltest.Request) cqltest.Reply {
	c.mu.Lock()
	if q, ok := r.Message.(*frame.Query); ok {
		if m := c.system(n, q); m != nil {
			c.mu.Unlock()
			return cqltest.Reply{Message: m}
		}
	}
	app := c.app
	c.mu.Unlock()

	if app != nil {
		return app(n, r)
	}
	return cqltest.DefaultHandler(r)
}

// system answers queries of system tables, nil for anything else.
func (c *fakeCluster) system(n int, q *frame.Query) frame.Message {
	switch {
	case strings.HasPrefix(q.Statement, "SELECT * FROM system.local "):
		return c.local(n)
	case strings.HasPrefix(q.Statement, "SELECT * FROM system.peers_v2 "):
		return c.peers(n)
	case strings.HasPrefix(q.Statement, "SELECT * FROM system_schema."):
		return c.schemaRows(strings.Fields(q.Statement)[3], q)
	}
	return nil
}

var peerCols = []col{
	{"peer", inet},
	{"native_address", inet},
	{"native_port", integer},
	{"host_id", uuidT},
	{"data_center", text},
	{"rack", text},
	{"tokens", frame.SetOf(text)},
	{"release_version", text},
	{"schema_version", uuidT},
}

func (c *fakeCluster) local(n int) *frame.RowsResult {
	node := c.nodes[n]
	return rowsOf(c.t, []col{
		{"key", text},
		{"host_id", uuidT},
		{"data_center", text},
		{"rack", text},
		{"tokens", frame.SetOf(text)},
		{"release_version", text},
		{"schema_version", uuidT},
	}, []interface{}{"local", node.hostID, "dc1", "r1", []string{tokenOf(n)}, "4.0.0", node.schemaVersion})
}

func (c *fakeCluster) peers(n int) *frame.RowsResult {
	var rows [][]interface{}
	for i, node := range c.nodes {
		if i == n || node.removed {
			continue
		}
		host, port, _ := net.SplitHostPort(node.srv.Addr())
		ip := net.ParseIP(host)
		p, _ := strconv.Atoi(port)
		rows = append(rows, []interface{}{ip, ip, p, node.hostID, "dc1", "r1", []string{tokenOf(i)}, "4.0.0", node.schemaVersion})
	}
	return rowsOf(c.t, peerCols, rows...)
}

func tokenOf(n int) string {
	return []string{"-6000000000000000000", "0", "6000000000000000000"}[n%3]
}

func (c *fakeCluster) schemaRows(table string, q *frame.Query) *frame.RowsResult {
	keyspace := ""
	if len(q.Params.Values) > 0 {
		keyspace = string(q.Params.Values[0].Bytes)
	}
	match := func(ks string) bool {
		return keyspace == "" || keyspace == ks
	}

	switch table {
	case "system_schema.keyspaces":
		var rows [][]interface{}
		for name, repl := range c.keyspaces {
			if match(name) {
				rows = append(rows, []interface{}{name, true, repl})
			}
		}
		return rowsOf(c.t, []col{
			{"keyspace_name", text},
			{"durable_writes", boolean},
			{"replication", frame.MapOf(text, text)},
		}, rows...)

	case "system_schema.tables":
		var rows [][]interface{}
		for ks, tables := range c.tables {
			for _, name := range tables {
				if match(ks) {
					rows = append(rows, []interface{}{ks, name, 864000})
				}
			}
		}
		return rowsOf(c.t, []col{
			{"keyspace_name", text},
			{"table_name", text},
			{"gc_grace_seconds", integer},
		}, rows...)

	case "system_schema.columns":
		var rows [][]interface{}
		for ks, tables := range c.tables {
			for _, name := range tables {
				if match(ks) {
					rows = append(rows,
						[]interface{}{ks, name, "id", "partition_key", 0, "int", "none"},
						[]interface{}{ks, name, "value", "regular", -1, "text", "none"},
					)
				}
			}
		}
		return rowsOf(c.t, []col{
			{"keyspace_name", text},
			{"table_name", text},
			{"column_name", text},
			{"kind", text},
			{"position", integer},
			{"type", text},
			{"clustering_order", text},
		}, rows...)
	}
	return rowsOf(c.t, nil)
}

func testConfig(contactPoints ...string) Config {
	cfg := DefaultConfig(contactPoints...)
	cfg.Conn.ConnectTimeout = 2 * time.Second
	cfg.Conn.RequestTimeout = 5 * time.Second
	cfg.Pool.Jitter = 0
	cfg.Pool.IdleTimeout = 0
	cfg.Pool.BaseDelay = 50 * time.Millisecond
	cfg.Pool.MaxDelay = 200 * time.Millisecond
	cfg.Consistency = frame.One
	cfg.LoadBalancing = policy.NewRoundRobin()
	cfg.Schema.Backoff = nil
	cfg.SchemaAgreementTimeout = 2 * time.Second
	cfg.SchemaAgreementInterval = 10 * time.Millisecond
	cfg.ControlReconnectDelay = 20 * time.Millisecond
	cfg.ControlReconnectMaxDelay = 100 * time.Millisecond
	return cfg
}

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()

	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = s.Close(context.Background())
	})
	return s
}

func poll(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func hostAddrs(s *Session) []string {
	var out []string
	for _, h := range s.Hosts() {
		out = append(out, h.Addr())
	}
	return out
}
