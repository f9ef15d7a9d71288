// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package handlecache implements a bounded cache of open file handles. Handles
// are opened on demand, reference counted and closed when they are evicted and
// no longer referenced. Eviction uses the CLOCK algorithm.
package handlecache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/streamer/internal/invariants"
	"github.com/cockroachdb/swiss"
)

// OpenFn is called to initialize a new value that is being added to the cache.
type OpenFn[K comparable, V any] func(context.Context, K) (V, error)

// ReleaseFn is called to release a value that is no longer used (specifically:
// it was evicted from the cache AND there are no outstanding references on it).
type ReleaseFn[V any] func(V)

// Cache associates keys with lazily opened values. It is safe for concurrent
// use, although the streaming stack only accesses it from the processing
// goroutine.
type Cache[K comparable, V any] struct {
	capacity  int
	openFn    OpenFn[K, V]
	releaseFn ReleaseFn[V]

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	mu struct {
		sync.Mutex
		nodes  swiss.Map[K, *node[K, V]]
		hand   *node[K, V]
		size   int
		closed bool
	}
}

type node[K comparable, V any] struct {
	key K
	v   V

	links struct {
		next *node[K, V]
		prev *node[K, V]
	}
	refCount int32
	// referenced is set when the entry is accessed and cleared when the clock
	// hand sweeps past it.
	referenced bool
	// evicted is set when the node was removed from the clock while still
	// referenced; the value is released on the last Unref.
	evicted bool
}

func (n *node[K, V]) link(s *node[K, V]) {
	s.links.prev = n.links.prev
	s.links.prev.links.next = s
	s.links.next = n
	s.links.next.links.prev = s
}

func (n *node[K, V]) unlink() *node[K, V] {
	next := n.links.next
	n.links.prev.links.next = n.links.next
	n.links.next.links.prev = n.links.prev
	n.links.prev = n
	n.links.next = n
	return next
}

// New creates a Cache that keeps at most capacity unreferenced values open.
func New[K comparable, V any](capacity int, openFn OpenFn[K, V], releaseFn ReleaseFn[V]) *Cache[K, V] {
	if capacity <= 0 {
		panic(errors.AssertionFailedf("handle cache capacity must be positive: %d", errors.Safe(capacity)))
	}
	c := &Cache[K, V]{
		capacity:  capacity,
		openFn:    openFn,
		releaseFn: releaseFn,
	}
	c.mu.nodes.Init(capacity)
	return c
}

// Ref holds a reference on a cached value. The value stays open until Unref is
// called, even if it is evicted in the meantime.
type Ref[K comparable, V any] struct {
	c *Cache[K, V]
	n *node[K, V]
}

// Value returns the value. It can only be used until Unref is called.
func (r Ref[K, V]) Value() V {
	return r.n.v
}

// Unref releases the reference.
func (r Ref[K, V]) Unref() {
	c := r.c
	c.mu.Lock()
	r.n.refCount--
	if invariants.Enabled && r.n.refCount < 0 {
		c.mu.Unlock()
		panic(errors.AssertionFailedf("handle cache: negative refcount"))
	}
	release := r.n.evicted && r.n.refCount == 0
	c.mu.Unlock()
	if release {
		c.releaseFn(r.n.v)
	}
}

// FindOrCreate retrieves the value for the key, opening it if necessary. The
// caller must call Ref.Unref when it no longer needs the value.
//
// The open function is called with the cache mutex held; it must not call back
// into the cache.
func (c *Cache[K, V]) FindOrCreate(ctx context.Context, key K) (Ref[K, V], error) {
	c.mu.Lock()
	if c.mu.closed {
		c.mu.Unlock()
		return Ref[K, V]{}, errors.New("handle cache closed")
	}
	if n, ok := c.mu.nodes.Get(key); ok {
		n.refCount++
		n.referenced = true
		c.mu.Unlock()
		c.hits.Add(1)
		return Ref[K, V]{c: c, n: n}, nil
	}
	c.misses.Add(1)

	v, err := c.openFn(ctx, key)
	if err != nil {
		c.mu.Unlock()
		return Ref[K, V]{}, err
	}
	n := &node[K, V]{key: key, v: v, refCount: 1}
	n.links.next = n
	n.links.prev = n
	toRelease := c.makeRoomLocked()
	c.mu.nodes.Put(key, n)
	if c.mu.hand == nil {
		c.mu.hand = n
	} else {
		c.mu.hand.link(n)
	}
	c.mu.size++
	c.mu.Unlock()

	for _, v := range toRelease {
		c.releaseFn(v)
	}
	return Ref[K, V]{c: c, n: n}, nil
}

// makeRoomLocked evicts entries until there is room for one more. Entries that
// are currently referenced are skipped; if every entry is referenced the cache
// temporarily exceeds its capacity.
//
// c.mu must be held when calling this.
func (c *Cache[K, V]) makeRoomLocked() []V {
	var toRelease []V
	for sweeps := 2 * c.mu.size; c.mu.size >= c.capacity && sweeps > 0; sweeps-- {
		n := c.mu.hand
		if n.referenced || n.refCount > 0 {
			n.referenced = false
			c.mu.hand = n.links.next
			continue
		}
		if v, ok := c.removeLocked(n); ok {
			toRelease = append(toRelease, v)
		}
		c.evictions.Add(1)
	}
	return toRelease
}

// removeLocked unlinks n. It returns the value if it can be released right
// away.
//
// c.mu must be held when calling this.
func (c *Cache[K, V]) removeLocked(n *node[K, V]) (V, bool) {
	c.mu.nodes.Delete(n.key)
	c.mu.size--
	next := n.unlink()
	if c.mu.hand == n {
		if next == n {
			c.mu.hand = nil
		} else {
			c.mu.hand = next
		}
	}
	if n.refCount > 0 {
		n.evicted = true
		var zero V
		return zero, false
	}
	return n.v, true
}

// Evict removes the entry for the key, if any. The value is released right
// away unless it is referenced, in which case it is released on the last
// Unref. Returns true if an entry was present.
func (c *Cache[K, V]) Evict(key K) bool {
	c.mu.Lock()
	if c.mu.closed {
		c.mu.Unlock()
		return false
	}
	n, ok := c.mu.nodes.Get(key)
	if !ok {
		c.mu.Unlock()
		return false
	}
	v, release := c.removeLocked(n)
	c.mu.Unlock()
	if release {
		c.releaseFn(v)
	}
	return true
}

// Close evicts all entries. There must not be any outstanding references.
func (c *Cache[K, V]) Close() {
	c.mu.Lock()
	var toRelease []V
	for c.mu.hand != nil {
		n := c.mu.hand
		if invariants.Enabled && n.refCount > 0 {
			c.mu.Unlock()
			panic(errors.AssertionFailedf("handle cache closed with outstanding references"))
		}
		if v, ok := c.removeLocked(n); ok {
			toRelease = append(toRelease, v)
		}
	}
	c.mu.nodes.Close()
	c.mu.closed = true
	c.mu.Unlock()
	for _, v := range toRelease {
		c.releaseFn(v)
	}
}

// Metrics holds metrics for the cache.
type Metrics struct {
	// The count of open values in the cache.
	Count int64
	// The number of cache hits.
	Hits int64
	// The number of cache misses.
	Misses int64
	// The number of values evicted to make room for others.
	Evictions int64
}

// Metrics retrieves metrics for the cache.
func (c *Cache[K, V]) Metrics() Metrics {
	c.mu.Lock()
	count := int64(c.mu.size)
	c.mu.Unlock()
	return Metrics{
		Count:     count,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
