// Copyright (C) 2025 ScyllaDB

// Package policy decides which hosts serve a statement and whether a failed
// attempt is retried.
package policy

import (
	"github.com/scylladb/scylla-cql-client/pkg/pool"
	"github.com/scylladb/scylla-cql-client/pkg/token"
	"k8s.io/klog/v2"
)

// Topology is an immutable view of the cluster used to build query plans.
type Topology struct {
	hosts      []*pool.Host
	ring       *token.Ring[*pool.Host]
	strategies map[string]token.Strategy
}

// NewTopology builds the token ring from the tokens of hosts. Hosts with
// malformed tokens are kept out of the ring but still serve queries.
func NewTopology(hosts []*pool.Host, strategies map[string]token.Strategy) *Topology {
	var entries []token.Entry[*pool.Host]
	for _, h := range hosts {
		info := h.Info()
		for _, s := range info.Tokens {
			t, err := token.Parse(s)
			if err != nil {
				klog.ErrorS(err, "Ignoring host token", "Host", h)
				continue
			}
			entries = append(entries, token.Entry[*pool.Host]{Token: t, Node: h})
		}
	}
	if strategies == nil {
		strategies = map[string]token.Strategy{}
	}
	return &Topology{
		hosts:      hosts,
		ring:       token.NewRing(entries),
		strategies: strategies,
	}
}

func (t *Topology) Hosts() []*pool.Host {
	return t.hosts
}

func (t *Topology) Ring() *token.Ring[*pool.Host] {
	return t.ring
}

// Strategy returns the replication strategy of keyspace.
func (t *Topology) Strategy(keyspace string) (token.Strategy, bool) {
	s, ok := t.strategies[keyspace]
	return s, ok
}

// Replicas returns replicas of the routing token, or nil when it can't be routed.
func (t *Topology) Replicas(ri RoutingInfo) []*pool.Host {
	if !ri.HasToken || t.ring.Len() == 0 {
		return nil
	}
	s, ok := t.strategies[ri.Keyspace]
	if !ok {
		return nil
	}
	return t.ring.Replicas(ri.Token, s)
}

// RoutingInfo describes what a statement touches.
type RoutingInfo struct {
	Keyspace string
	Token    token.Token
	HasToken bool
}
