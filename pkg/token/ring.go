// Copyright (C) 2025 ScyllaDB

package token

import (
	"cmp"
	"slices"
	"sync"

	"github.com/scylladb/go-set/strset"
)

// Node is a ring member.
type Node interface {
	comparable
	Datacenter() string
	Rack() string
}

type Entry[N Node] struct {
	Token Token
	Node  N
}

// Ring is an immutable token ring. Replica sets are computed lazily and
// memoized per strategy.
type Ring[N Node] struct {
	entries []Entry[N]
	nodes   []N
	racks   map[string]int
	dcNodes map[string]int

	mu       sync.Mutex
	replicas map[string][][]N
}

// NewRing sorts entries by token. A node owns every range ending at one of its tokens.
func NewRing[N Node](entries []Entry[N]) *Ring[N] {
	r := &Ring[N]{
		entries:  slices.Clone(entries),
		racks:    map[string]int{},
		dcNodes:  map[string]int{},
		replicas: map[string][][]N{},
	}
	slices.SortStableFunc(r.entries, func(a, b Entry[N]) int {
		return cmp.Compare(a.Token, b.Token)
	})

	seen := map[N]struct{}{}
	racks := map[string]*strset.Set{}
	for _, e := range r.entries {
		if _, ok := seen[e.Node]; ok {
			continue
		}
		seen[e.Node] = struct{}{}
		r.nodes = append(r.nodes, e.Node)

		dc := e.Node.Datacenter()
		r.dcNodes[dc]++
		if racks[dc] == nil {
			racks[dc] = strset.New()
		}
		racks[dc].Add(e.Node.Rack())
	}
	for dc, s := range racks {
		r.racks[dc] = s.Size()
	}
	return r
}

func (r *Ring[N]) Len() int {
	return len(r.entries)
}

// Nodes returns distinct nodes in the order of their first token.
func (r *Ring[N]) Nodes() []N {
	return slices.Clone(r.nodes)
}

// Entries returns a copy of the sorted ring.
func (r *Ring[N]) Entries() []Entry[N] {
	return slices.Clone(r.entries)
}

// lowerBound returns the index of the first entry with token not lower than t,
// wrapping around to 0 past the last entry.
func (r *Ring[N]) lowerBound(t Token) int {
	i, _ := slices.BinarySearchFunc(r.entries, t, func(e Entry[N], t Token) int {
		return cmp.Compare(e.Token, t)
	})
	if i >= len(r.entries) {
		return 0
	}
	return i
}

// Primary returns the node owning t.
func (r *Ring[N]) Primary(t Token) (N, bool) {
	var zero N
	if len(r.entries) == 0 {
		return zero, false
	}
	return r.entries[r.lowerBound(t)].Node, true
}

// Replicas returns the replicas of t under s, the primary first.
func (r *Ring[N]) Replicas(t Token, s Strategy) []N {
	if len(r.entries) == 0 {
		return nil
	}
	i := r.lowerBound(t)

	key := s.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	cached, ok := r.replicas[key]
	if !ok {
		cached = make([][]N, len(r.entries))
		r.replicas[key] = cached
	}
	if cached[i] == nil {
		cached[i] = r.computeReplicas(i, s)
	}
	return cached[i]
}

func (r *Ring[N]) computeReplicas(start int, s Strategy) []N {
	switch s.Class {
	case SimpleStrategy:
		return r.simpleReplicas(start, s.RF)
	case NetworkTopologyStrategy:
		return r.networkTopologyReplicas(start, s.DCRF)
	case EverywhereStrategy:
		return r.simpleReplicas(start, len(r.nodes))
	default:
		return r.simpleReplicas(start, 1)
	}
}

// walk calls fn for ring entries starting at start until fn returns false or
// the ring is exhausted.
func (r *Ring[N]) walk(start int, fn func(N) bool) {
	for k := 0; k < len(r.entries); k++ {
		if !fn(r.entries[(start+k)%len(r.entries)].Node) {
			return
		}
	}
}

func (r *Ring[N]) simpleReplicas(start, rf int) []N {
	rf = min(rf, len(r.nodes))
	out := make([]N, 0, rf)
	r.walk(start, func(n N) bool {
		if len(out) == rf {
			return false
		}
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
		return true
	})
	return out
}

// networkTopologyReplicas places replicas on distinct racks of each datacenter
// first. Nodes on already used racks are kept aside and fill the remaining
// replicas once every rack of the datacenter has one.
func (r *Ring[N]) networkTopologyReplicas(start int, dcRF map[string]int) []N {
	type dcState struct {
		want    int
		rf      int
		count   int
		racks   *strset.Set
		skipped []N
	}
	dcs := make(map[string]*dcState, len(dcRF))
	want := 0
	for dc, rf := range dcRF {
		if r.racks[dc] == 0 || rf == 0 {
			continue
		}
		dcs[dc] = &dcState{want: min(rf, r.dcNodes[dc]), rf: rf, racks: strset.New()}
		want += dcs[dc].want
	}

	var out []N
	add := func(st *dcState, n N) {
		out = append(out, n)
		st.count++
	}
	done := func() bool {
		for _, st := range dcs {
			if st.count < st.want {
				return false
			}
		}
		return true
	}

	r.walk(start, func(n N) bool {
		if len(out) == want || done() {
			return false
		}
		st, ok := dcs[n.Datacenter()]
		if !ok || st.count >= st.rf || slices.Contains(out, n) {
			return true
		}

		dcRacks := r.racks[n.Datacenter()]
		switch {
		case st.racks.Size() == dcRacks:
			add(st, n)
		case !st.racks.Has(n.Rack()):
			add(st, n)
			st.racks.Add(n.Rack())
			if st.racks.Size() == dcRacks {
				for _, s := range st.skipped {
					if st.count >= st.rf {
						break
					}
					add(st, s)
				}
				st.skipped = nil
			}
		default:
			if !slices.Contains(st.skipped, n) {
				st.skipped = append(st.skipped, n)
			}
		}
		return true
	})
	return out
}
