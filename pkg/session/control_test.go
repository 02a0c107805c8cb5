// Copyright (C) 2025 ScyllaDB

package session

import (
	"net"
	"testing"

	"github.com/scylladb/scylla-cql-client/pkg/schema"
	"github.com/scylladb/scylla-cql-client/pkg/transport"
)

func TestPeerAddr(t *testing.T) {
	t.Parallel()

	tt := []struct {
		name     string
		row      schema.Row
		expected string
		ok       bool
	}{
		{
			name:     "inet decoded as string",
			row:      schema.Row{"peer": "10.0.0.2", "native_address": "10.0.1.2"},
			expected: "10.0.1.2:9042",
			ok:       true,
		},
		{
			name:     "inet decoded as net.IP",
			row:      schema.Row{"peer": net.ParseIP("10.0.0.2"), "rpc_address": net.ParseIP("10.0.1.2")},
			expected: "10.0.1.2:9042",
			ok:       true,
		},
		{
			name:     "unspecified rpc_address falls back to peer",
			row:      schema.Row{"peer": "10.0.0.2", "rpc_address": "0.0.0.0"},
			expected: "10.0.0.2:9042",
			ok:       true,
		},
		{
			name:     "native_port",
			row:      schema.Row{"native_address": "::1", "native_port": 19042},
			expected: "[::1]:19042",
			ok:       true,
		},
		{
			name: "unparsable address",
			row:  schema.Row{"peer": "not-an-ip"},
			ok:   false,
		},
		{
			name: "no address",
			row:  schema.Row{"data_center": "dc1"},
			ok:   false,
		},
	}

	c := &control{connCfg: transport.ConnConfig{DefaultPort: transport.DefaultPort}}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, ok := c.peerAddr(tc.row)
			if ok != tc.ok {
				t.Fatalf("expected ok %v, got %v", tc.ok, ok)
			}
			if got != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, got)
			}
		})
	}
}
