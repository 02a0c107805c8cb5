// Copyright (C) 2025 ScyllaDB

package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/scylladb/scylla-cql-client/pkg/frame"
	"github.com/scylladb/scylla-cql-client/pkg/util/retry"
	"go.uber.org/atomic"
	"k8s.io/klog/v2"
)

type RefreshScope string

const (
	RefreshFull     RefreshScope = "full"
	RefreshKeyspace RefreshScope = "keyspace"
	RefreshDrop     RefreshScope = "drop"
)

type CacheConfig struct {
	// Backoff returns the retry policy of a single fetch, nil fetches once.
	Backoff func() retry.Backoff
	// OnPublish is called by the worker after a snapshot is published.
	OnPublish func(s *Snapshot, scope RefreshScope)
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Backoff: func() retry.Backoff {
			return retry.NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2*time.Second, 2, 0.2)
		},
	}
}

type change struct {
	seq    uint64
	full   bool
	detail frame.SchemaChangeDetail
	done   chan error
}

func (c change) keyspace() string {
	if c.full {
		return ""
	}
	return c.detail.Keyspace
}

func (c change) dropsKeyspace() bool {
	return !c.full && c.detail.Change == frame.SchemaDropped && c.detail.Target == frame.TargetKeyspace
}

// Cache keeps the current schema snapshot. Readers load it without locking,
// a single worker started with Run applies changes in the order they were
// enqueued and publishes every new snapshot atomically.
type Cache struct {
	fetcher Fetcher
	cfg     CacheConfig

	current atomic.Pointer[Snapshot]
	pubMu   sync.Mutex

	mu       sync.Mutex
	queue    []change
	enqueued uint64
	applied  uint64
	progress chan struct{}
	kick     chan struct{}
}

func NewCache(fetcher Fetcher, cfg CacheConfig) *Cache {
	c := &Cache{
		fetcher:  fetcher,
		cfg:      cfg,
		progress: make(chan struct{}),
		kick:     make(chan struct{}, 1),
	}
	c.current.Store(NewSnapshot(0))
	return c
}

// Load returns the current snapshot.
func (c *Cache) Load() *Snapshot {
	return c.current.Load()
}

// Acquire returns a handle pinning the current snapshot.
func (c *Cache) Acquire() *Handle {
	return newHandle(c.Load())
}

// Replace publishes s as the current snapshot.
func (c *Cache) Replace(s *Snapshot) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	c.current.Store(s)
}

// Enqueue schedules a schema change and returns its sequence number.
func (c *Cache) Enqueue(d frame.SchemaChangeDetail) uint64 {
	return c.enqueue(change{detail: d})
}

func (c *Cache) enqueue(ch change) uint64 {
	c.mu.Lock()
	c.enqueued++
	ch.seq = c.enqueued
	c.queue = append(c.queue, ch)
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
	return ch.seq
}

// Refresh reloads the whole schema after the already enqueued changes and
// waits for the result.
func (c *Cache) Refresh(ctx context.Context) error {
	done := make(chan error, 1)
	c.enqueue(change{full: true, done: done})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the change with sequence number seq is applied.
func (c *Cache) Wait(ctx context.Context, seq uint64) error {
	for {
		c.mu.Lock()
		applied, progress := c.applied, c.progress
		c.mu.Unlock()

		if applied >= seq {
			return nil
		}
		select {
		case <-progress:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Flush waits for every change enqueued so far.
func (c *Cache) Flush(ctx context.Context) error {
	c.mu.Lock()
	seq := c.enqueued
	c.mu.Unlock()
	return c.Wait(ctx, seq)
}

// Pending returns the number of changes not yet applied.
func (c *Cache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.enqueued - c.applied)
}

// Run applies enqueued changes until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
		}

		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()

		for i, ch := range batch {
			if i+1 < len(batch) && supersedes(batch[i+1], ch) {
				klog.V(4).InfoS("Collapsing schema change", "Change", ch.detail.String(), "Seq", ch.seq)
			} else {
				err := c.apply(ctx, ch)
				if ch.done != nil {
					ch.done <- err
				}
			}
			c.markApplied(ch.seq)
		}
	}
}

// supersedes reports whether applying next makes applying prev redundant.
func supersedes(next, prev change) bool {
	if prev.done != nil {
		return false
	}
	if next.full {
		return true
	}
	return !prev.full && !prev.dropsKeyspace() && !next.dropsKeyspace() && next.keyspace() == prev.keyspace()
}

func (c *Cache) markApplied(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied = seq
	close(c.progress)
	c.progress = make(chan struct{})
}

func (c *Cache) apply(ctx context.Context, ch change) error {
	switch {
	case ch.full:
		var keyspaces []*Keyspace
		err := c.withRetry(ctx, "", func(ctx context.Context) error {
			var err error
			keyspaces, err = c.fetcher.FetchAll(ctx)
			return err
		})
		if err != nil {
			klog.ErrorS(err, "Can't load schema, keeping the current snapshot")
			return fmt.Errorf("can't load schema: %w", err)
		}
		c.publish(RefreshFull, func(cur *Snapshot) *Snapshot {
			return NewSnapshot(cur.Version()+1, keyspaces...)
		})
		return nil

	case ch.dropsKeyspace():
		c.drop(ch.detail.Keyspace)
		return nil

	default:
		name := ch.detail.Keyspace
		var ks *Keyspace
		err := c.withRetry(ctx, name, func(ctx context.Context) error {
			var err error
			ks, err = c.fetcher.FetchKeyspace(ctx, name)
			if errors.Is(err, ErrNotFound) {
				return retry.Permanent(err)
			}
			return err
		})
		if errors.Is(err, ErrNotFound) {
			c.drop(name)
			return nil
		}
		if err != nil {
			klog.ErrorS(err, "Can't refresh keyspace, keeping the current snapshot", "Keyspace", name, "Change", ch.detail.String())
			return fmt.Errorf("can't refresh keyspace %q: %w", name, err)
		}
		c.publish(RefreshKeyspace, func(cur *Snapshot) *Snapshot {
			return cur.with(ks)
		})
		return nil
	}
}

func (c *Cache) drop(name string) {
	c.publish(RefreshDrop, func(cur *Snapshot) *Snapshot {
		if _, err := cur.Keyspace(name); err != nil {
			return nil
		}
		return cur.without(name)
	})
}

// publish stores the snapshot derived from the current one, nil keeps it.
func (c *Cache) publish(scope RefreshScope, next func(cur *Snapshot) *Snapshot) {
	c.pubMu.Lock()
	s := next(c.current.Load())
	if s != nil {
		c.current.Store(s)
	}
	c.pubMu.Unlock()

	if s == nil {
		return
	}
	klog.V(2).InfoS("Published schema snapshot", "Version", s.Version(), "Scope", scope)
	if c.cfg.OnPublish != nil {
		c.cfg.OnPublish(s, scope)
	}
}

func (c *Cache) withRetry(ctx context.Context, keyspace string, op retry.Operation) error {
	b := retry.WithMaxRetries(retry.BackoffFunc(func() time.Duration { return 0 }), 0)
	if c.cfg.Backoff != nil {
		b = c.cfg.Backoff()
	}
	notify := func(err error, attempt int, wait time.Duration) {
		klog.V(2).InfoS("Schema fetch failed, retrying", "Keyspace", keyspace, "Error", err, "Attempt", attempt, "Wait", wait)
	}
	return retry.WithNotify(ctx, b, op, notify)
}
