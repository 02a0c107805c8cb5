// Copyright (C) 2025 ScyllaDB

package cqlclient

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/scylladb/scylla-cql-client/pkg/naming"
	"github.com/scylladb/scylla-cql-client/pkg/pool"
	"go.uber.org/atomic"
)

func TestMonitorHandler(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scylla_cql_client_test_total",
		Help: "Test counter.",
	})
	registry.MustRegister(counter)
	counter.Inc()

	var ready atomic.Bool
	srv := httptest.NewServer(newMonitorHandler(registry, ready.Load))
	t.Cleanup(srv.Close)

	get := func(path string) (int, string) {
		t.Helper()

		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatal(err)
		}
		return resp.StatusCode, string(body)
	}

	if code, _ := get(naming.LivenessPath); code != http.StatusOK {
		t.Errorf("expected liveness status %d, got %d", http.StatusOK, code)
	}
	if code, _ := get(naming.ReadinessPath); code != http.StatusServiceUnavailable {
		t.Errorf("expected readiness status %d before ready, got %d", http.StatusServiceUnavailable, code)
	}
	ready.Store(true)
	if code, _ := get(naming.ReadinessPath); code != http.StatusOK {
		t.Errorf("expected readiness status %d when ready, got %d", http.StatusOK, code)
	}

	code, body := get(naming.MetricsPath)
	if code != http.StatusOK {
		t.Fatalf("expected metrics status %d, got %d", http.StatusOK, code)
	}
	if !strings.Contains(body, "scylla_cql_client_test_total 1") {
		t.Errorf("expected the test counter in metrics, got:\n%s", body)
	}
}

func TestHostWatcher(t *testing.T) {
	t.Parallel()

	a := pool.NewHost("10.0.0.1:9042", pool.HostInfo{})
	b := pool.NewHost("10.0.0.2:9042", pool.HostInfo{})
	a.MarkUp()
	b.MarkUp()

	w := &hostWatcher{}

	got := w.observe([]*pool.Host{a, b})
	expected := []hostChange{
		{Addr: "10.0.0.1:9042", To: pool.StateUp},
		{Addr: "10.0.0.2:9042", To: pool.StateUp},
	}
	if diff := cmp.Diff(expected, got); diff != "" {
		t.Errorf("expected and got joined hosts differ:\n%s", diff)
	}

	if got := w.observe([]*pool.Host{a, b}); len(got) != 0 {
		t.Errorf("expected no changes, got %v", got)
	}

	b.MarkDown()
	got = w.observe([]*pool.Host{a})
	expected = []hostChange{
		{Addr: "10.0.0.2:9042", From: pool.StateUp},
	}
	if diff := cmp.Diff(expected, got); diff != "" {
		t.Errorf("expected and got left hosts differ:\n%s", diff)
	}

	a.MarkDown()
	got = w.observe([]*pool.Host{a})
	expected = []hostChange{
		{Addr: "10.0.0.1:9042", From: pool.StateUp, To: pool.StateDown},
	}
	if diff := cmp.Diff(expected, got); diff != "" {
		t.Errorf("expected and got changed hosts differ:\n%s", diff)
	}
}
