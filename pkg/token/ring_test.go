// Copyright (C) 2025 ScyllaDB

package token

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testNode struct {
	name string
	dc   string
	rack string
}

func (n *testNode) Datacenter() string { return n.dc }
func (n *testNode) Rack() string       { return n.rack }

func names(nodes []*testNode) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.name)
	}
	return out
}

func TestRingPrimary(t *testing.T) {
	t.Parallel()

	a := &testNode{name: "a"}
	b := &testNode{name: "b"}
	c := &testNode{name: "c"}
	r := NewRing([]Entry[*testNode]{
		{Token: 200, Node: c},
		{Token: -100, Node: a},
		{Token: 50, Node: b},
	})

	tt := []struct {
		name     string
		token    Token
		expected string
	}{
		{name: "below first token", token: MinToken, expected: "a"},
		{name: "exactly on a token", token: 50, expected: "b"},
		{name: "between tokens", token: 51, expected: "c"},
		{name: "wraps around past the last token", token: 201, expected: "a"},
		{name: "ring maximum wraps around", token: MaxToken, expected: "a"},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, ok := r.Primary(tc.token)
			if !ok {
				t.Fatal("expected a primary replica")
			}
			if got.name != tc.expected {
				t.Errorf("expected %s, got %s", tc.expected, got.name)
			}
		})
	}
}

func TestRingEmpty(t *testing.T) {
	t.Parallel()

	r := NewRing[*testNode](nil)
	if _, ok := r.Primary(0); ok {
		t.Error("expected no primary replica on an empty ring")
	}
	if got := r.Replicas(0, Strategy{Class: SimpleStrategy, RF: 3}); got != nil {
		t.Errorf("expected no replicas, got %v", names(got))
	}
}

func TestRingReplicas(t *testing.T) {
	t.Parallel()

	a1 := &testNode{name: "a1", dc: "dc1", rack: "r1"}
	a2 := &testNode{name: "a2", dc: "dc1", rack: "r1"}
	a3 := &testNode{name: "a3", dc: "dc1", rack: "r2"}
	b1 := &testNode{name: "b1", dc: "dc2", rack: "r1"}
	b2 := &testNode{name: "b2", dc: "dc2", rack: "r1"}

	// Nodes own two tokens each, a vnode-like layout.
	r := NewRing([]Entry[*testNode]{
		{Token: 0, Node: a1},
		{Token: 10, Node: a2},
		{Token: 20, Node: b1},
		{Token: 30, Node: a3},
		{Token: 40, Node: b2},
		{Token: 50, Node: a1},
		{Token: 60, Node: b1},
		{Token: 70, Node: a2},
		{Token: 80, Node: a3},
		{Token: 90, Node: b2},
	})

	tt := []struct {
		name     string
		token    Token
		strategy Strategy
		expected []string
	}{
		{
			name:     "simple strategy skips repeated nodes",
			token:    45,
			strategy: Strategy{Class: SimpleStrategy, RF: 3},
			expected: []string{"a1", "b1", "a2"},
		},
		{
			name:     "simple strategy wraps around",
			token:    85,
			strategy: Strategy{Class: SimpleStrategy, RF: 3},
			expected: []string{"b2", "a1", "a2"},
		},
		{
			name:     "simple strategy factor above node count",
			token:    0,
			strategy: Strategy{Class: SimpleStrategy, RF: 10},
			expected: []string{"a1", "a2", "b1", "a3", "b2"},
		},
		{
			name:     "network topology prefers distinct racks",
			token:    0,
			strategy: Strategy{Class: NetworkTopologyStrategy, DCRF: map[string]int{"dc1": 2}},
			expected: []string{"a1", "a3"},
		},
		{
			name:     "network topology fills racks with skipped nodes",
			token:    0,
			strategy: Strategy{Class: NetworkTopologyStrategy, DCRF: map[string]int{"dc1": 3}},
			expected: []string{"a1", "a3", "a2"},
		},
		{
			name:     "network topology over two datacenters",
			token:    15,
			strategy: Strategy{Class: NetworkTopologyStrategy, DCRF: map[string]int{"dc1": 1, "dc2": 2}},
			expected: []string{"b1", "a3", "b2"},
		},
		{
			name:     "network topology ignores unknown datacenters",
			token:    15,
			strategy: Strategy{Class: NetworkTopologyStrategy, DCRF: map[string]int{"dc3": 3, "dc2": 1}},
			expected: []string{"b1"},
		},
		{
			name:     "local strategy",
			token:    15,
			strategy: Strategy{Class: LocalStrategy},
			expected: []string{"b1"},
		},
		{
			name:     "everywhere strategy",
			token:    15,
			strategy: Strategy{Class: EverywhereStrategy},
			expected: []string{"b1", "a3", "b2", "a1", "a2"},
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := names(r.Replicas(tc.token, tc.strategy))
			if diff := cmp.Diff(tc.expected, got); diff != "" {
				t.Errorf("expected and got replicas differ:\n%s", diff)
			}
			// Memoized answers are the same.
			again := names(r.Replicas(tc.token, tc.strategy))
			if diff := cmp.Diff(got, again); diff != "" {
				t.Errorf("expected memoized replicas to match:\n%s", diff)
			}
		})
	}
}
