// Copyright (C) 2025 ScyllaDB

package schema

import (
	"maps"
	"time"

	"github.com/scylladb/scylla-cql-client/pkg/util/hash"
	"github.com/scylladb/scylla-cql-client/pkg/util/lazy"
	"github.com/scylladb/scylla-cql-client/pkg/util/timeutc"
	"go.uber.org/atomic"
	"k8s.io/klog/v2"
)

// Snapshot is an immutable view of the cluster schema. Changes produce a new
// snapshot, holders of an older one keep seeing the schema as it was.
type Snapshot struct {
	version   int64
	loadedAt  time.Time
	keyspaces map[string]*Keyspace
	digest    *lazy.Value[string]
	refs      atomic.Int64
}

// NewSnapshot builds a snapshot of keyspaces, a later keyspace of the same
// name replaces an earlier one.
func NewSnapshot(version int64, keyspaces ...*Keyspace) *Snapshot {
	m := make(map[string]*Keyspace, len(keyspaces))
	for _, ks := range keyspaces {
		m[ks.Name] = ks
	}
	return newSnapshot(version, m)
}

func newSnapshot(version int64, keyspaces map[string]*Keyspace) *Snapshot {
	s := &Snapshot{
		version:   version,
		loadedAt:  timeutc.Now(),
		keyspaces: keyspaces,
	}
	s.digest = lazy.New(s.computeDigest)
	return s
}

// Version grows by one with every published snapshot.
func (s *Snapshot) Version() int64 {
	return s.version
}

func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// Age is the time since the snapshot was built.
func (s *Snapshot) Age() time.Duration {
	return timeutc.Since(s.loadedAt)
}

func (s *Snapshot) Keyspace(name string) (*Keyspace, error) {
	ks, ok := s.keyspaces[name]
	if !ok {
		return nil, notFound("keyspace", name)
	}
	return ks, nil
}

func (s *Snapshot) Keyspaces() *Iterator[*Keyspace] {
	return sortedIterator(s.keyspaces)
}

// Digest identifies the schema content, snapshots with equal content share
// the digest regardless of version. It's empty when the content can't be
// encoded.
func (s *Snapshot) Digest() string {
	d, err := s.digest.Get()
	if err != nil {
		klog.ErrorS(err, "Can't compute schema digest", "Version", s.version)
		return ""
	}
	return d
}

// Refs returns the number of unreleased handles.
func (s *Snapshot) Refs() int64 {
	return s.refs.Load()
}

// with returns the next version with ks added or replaced.
func (s *Snapshot) with(ks *Keyspace) *Snapshot {
	m := maps.Clone(s.keyspaces)
	m[ks.Name] = ks
	return newSnapshot(s.version+1, m)
}

// without returns the next version without keyspace name.
func (s *Snapshot) without(name string) *Snapshot {
	m := maps.Clone(s.keyspaces)
	delete(m, name)
	return newSnapshot(s.version+1, m)
}

func (s *Snapshot) computeDigest() (string, error) {
	var models []KeyspaceModel
	for ks := range s.Keyspaces().All() {
		models = append(models, newKeyspaceModel(ks))
	}
	return hash.Objects(models)
}

// Handle pins a snapshot until Release is called.
type Handle struct {
	snap     *Snapshot
	released atomic.Bool
}

func newHandle(s *Snapshot) *Handle {
	s.refs.Inc()
	return &Handle{snap: s}
}

func (h *Handle) Snapshot() *Snapshot {
	return h.snap
}

// Release drops the reference, repeated calls are no-ops.
func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.snap.refs.Dec()
	}
}
