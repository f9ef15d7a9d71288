// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package blockcache implements a fixed-capacity cache of file blocks. All
// block data lives in one contiguous buffer divided into equally sized slots.
// Slots are recycled in least-recently-used order, optionally subject to a
// per-file quota.
//
// A Cache is not safe for concurrent use; the streaming stack accesses it only
// from its processing goroutine. Metrics may be read concurrently.
package blockcache

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/streamer/internal/invariants"
	"github.com/cockroachdb/swiss"
)

// Key identifies a block: the file path and the block index within the file
// (the byte offset divided by the block size).
type Key struct {
	File  string
	Block int64
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("%s#%d", k.File, k.Block)
}

const nilSlot = -1

type slot struct {
	key Key
	// n is the number of valid bytes in the slot. Only the final block of a
	// file may be shorter than the block size.
	n    int32
	used bool

	// Global recency list.
	prev, next int32
	// Per-file recency list.
	fprev, fnext int32
}

type fileList struct {
	// head is the most recently used block of the file, tail the least.
	head, tail int32
	count      int
}

// Cache is a block cache. See the package documentation.
type Cache struct {
	blockSize int64
	buf       []byte
	slots     []slot

	index swiss.Map[Key, int32]
	files swiss.Map[string, *fileList]
	// head is the most recently used slot, tail the least.
	head, tail int32
	free       []int32
	// quota is the maximum number of slots a single file may occupy. Zero means
	// no limit.
	quota int

	hits      atomic.Int64
	misses    atomic.Int64
	inserts   atomic.Int64
	evictions atomic.Int64
	count     atomic.Int64
}

// New returns a cache holding capacity/blockSize blocks of blockSize bytes.
func New(capacity, blockSize int64) *Cache {
	if blockSize <= 0 || blockSize > 1<<30 {
		panic(errors.AssertionFailedf("invalid block size %d", errors.Safe(blockSize)))
	}
	numSlots := capacity / blockSize
	if numSlots <= 0 {
		panic(errors.AssertionFailedf("block cache capacity %d is smaller than block size %d",
			errors.Safe(capacity), errors.Safe(blockSize)))
	}
	c := &Cache{
		blockSize: blockSize,
		buf:       make([]byte, numSlots*blockSize),
		slots:     make([]slot, numSlots),
		free:      make([]int32, 0, numSlots),
		head:      nilSlot,
		tail:      nilSlot,
	}
	for i := int32(numSlots) - 1; i >= 0; i-- {
		c.slots[i] = slot{prev: nilSlot, next: nilSlot, fprev: nilSlot, fnext: nilSlot}
		c.free = append(c.free, i)
	}
	c.index.Init(int(numSlots))
	c.files.Init(16)
	return c
}

// BlockSize returns the size of a block.
func (c *Cache) BlockSize() int64 { return c.blockSize }

// NumSlots returns the number of blocks the cache can hold.
func (c *Cache) NumSlots() int { return len(c.slots) }

// Capacity returns the size of the cache buffer in bytes.
func (c *Cache) Capacity() int64 { return int64(len(c.buf)) }

// SetQuota limits the number of slots a single file may occupy. Files already
// above the new quota are trimmed lazily, on their next insert.
func (c *Cache) SetQuota(slots int) {
	if slots < 0 {
		panic(errors.AssertionFailedf("negative quota %d", errors.Safe(slots)))
	}
	c.quota = slots
}

// Quota returns the per-file slot quota, or zero if there is none.
func (c *Cache) Quota() int { return c.quota }

func (c *Cache) data(i int32) []byte {
	off := int64(i) * c.blockSize
	return c.buf[off : off+c.blockSize : off+c.blockSize]
}

// Get returns the cached data for the block, marking it as most recently used.
// The returned slice is only valid until the next call that modifies the
// cache.
func (c *Cache) Get(k Key) ([]byte, bool) {
	i, ok := c.index.Get(k)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.touch(i)
	return c.data(i)[:c.slots[i].n], true
}

// Contains returns true if the block is cached, without affecting recency or
// hit statistics.
func (c *Cache) Contains(k Key) bool {
	_, ok := c.index.Get(k)
	return ok
}

// Insert stores a copy of data for the block, evicting the least recently used
// block (of the same file, if the file reached its quota) when the cache is
// full. data must not be larger than the block size.
func (c *Cache) Insert(k Key, data []byte) {
	if int64(len(data)) > c.blockSize {
		panic(errors.AssertionFailedf("block %d: %d bytes exceed block size %d",
			errors.Safe(k.Block), errors.Safe(len(data)), errors.Safe(c.blockSize)))
	}
	if i, ok := c.index.Get(k); ok {
		c.slots[i].n = int32(copy(c.data(i), data))
		c.touch(i)
		return
	}
	if fl, ok := c.files.Get(k.File); ok && c.quota > 0 && fl.count >= c.quota {
		// The file is at its quota: recycle its own least recently used block.
		for fl.count >= c.quota {
			c.remove(fl.tail)
			c.evictions.Add(1)
		}
	} else if len(c.free) == 0 {
		c.remove(c.tail)
		c.evictions.Add(1)
	}
	i := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	fl, ok := c.files.Get(k.File)
	if !ok {
		fl = &fileList{head: nilSlot, tail: nilSlot}
		c.files.Put(k.File, fl)
	}

	s := &c.slots[i]
	s.key = k
	s.used = true
	s.n = int32(copy(c.data(i), data))
	c.pushFront(i, fl)
	c.index.Put(k, i)
	c.inserts.Add(1)
	c.count.Add(1)
	if invariants.Enabled && invariants.Sometimes(1) {
		c.checkInvariants()
	}
}

// InvalidateRange drops every cached block of the file that overlaps the byte
// range [off, off+n). Returns the number of blocks dropped.
func (c *Cache) InvalidateRange(file string, off, n int64) int {
	if n <= 0 {
		return 0
	}
	dropped := 0
	for b := off / c.blockSize; b <= (off+n-1)/c.blockSize; b++ {
		if i, ok := c.index.Get(Key{File: file, Block: b}); ok {
			c.remove(i)
			dropped++
		}
	}
	return dropped
}

// EvictFile drops every cached block of the file. Returns the number of blocks
// dropped.
func (c *Cache) EvictFile(file string) int {
	fl, ok := c.files.Get(file)
	if !ok {
		return 0
	}
	dropped := 0
	for fl.head != nilSlot {
		c.remove(fl.head)
		dropped++
	}
	return dropped
}

// FileBlocks returns the number of blocks of the file currently cached.
func (c *Cache) FileBlocks(file string) int {
	if fl, ok := c.files.Get(file); ok {
		return fl.count
	}
	return 0
}

func (c *Cache) touch(i int32) {
	s := &c.slots[i]
	fl, _ := c.files.Get(s.key.File)
	c.unlink(i, fl)
	c.pushFront(i, fl)
}

func (c *Cache) pushFront(i int32, fl *fileList) {
	s := &c.slots[i]
	s.prev = nilSlot
	s.next = c.head
	if c.head != nilSlot {
		c.slots[c.head].prev = i
	}
	c.head = i
	if c.tail == nilSlot {
		c.tail = i
	}

	s.fprev = nilSlot
	s.fnext = fl.head
	if fl.head != nilSlot {
		c.slots[fl.head].fprev = i
	}
	fl.head = i
	if fl.tail == nilSlot {
		fl.tail = i
	}
	fl.count++
}

func (c *Cache) unlink(i int32, fl *fileList) {
	s := &c.slots[i]
	if s.prev != nilSlot {
		c.slots[s.prev].next = s.next
	} else {
		c.head = s.next
	}
	if s.next != nilSlot {
		c.slots[s.next].prev = s.prev
	} else {
		c.tail = s.prev
	}

	if s.fprev != nilSlot {
		c.slots[s.fprev].fnext = s.fnext
	} else {
		fl.head = s.fnext
	}
	if s.fnext != nilSlot {
		c.slots[s.fnext].fprev = s.fprev
	} else {
		fl.tail = s.fprev
	}
	fl.count--
	s.prev, s.next, s.fprev, s.fnext = nilSlot, nilSlot, nilSlot, nilSlot
}

// remove drops slot i from the index and returns it to the free list.
func (c *Cache) remove(i int32) {
	s := &c.slots[i]
	if !s.used {
		panic(errors.AssertionFailedf("removing unused slot %d", errors.Safe(i)))
	}
	fl, _ := c.files.Get(s.key.File)
	c.unlink(i, fl)
	if fl.count == 0 {
		c.files.Delete(s.key.File)
	}
	c.index.Delete(s.key)
	*s = slot{prev: nilSlot, next: nilSlot, fprev: nilSlot, fnext: nilSlot}
	c.free = append(c.free, i)
	c.count.Add(-1)
}

func (c *Cache) checkInvariants() {
	used := 0
	for i := c.head; i != nilSlot; i = c.slots[i].next {
		s := &c.slots[i]
		if !s.used {
			panic(errors.AssertionFailedf("unused slot %d in recency list", errors.Safe(i)))
		}
		if j, ok := c.index.Get(s.key); !ok || j != i {
			panic(errors.AssertionFailedf("slot %d not indexed", errors.Safe(i)))
		}
		used++
	}
	if used+len(c.free) != len(c.slots) || used != c.index.Len() {
		panic(errors.AssertionFailedf("slot accounting mismatch: used=%d free=%d total=%d indexed=%d",
			errors.Safe(used), errors.Safe(len(c.free)), errors.Safe(len(c.slots)), errors.Safe(c.index.Len())))
	}
}

// Metrics holds metrics for the cache.
type Metrics struct {
	// The number of bytes of block storage.
	Size int64
	// The number of blocks in the cache.
	Count int64
	// The number of lookups that found the block.
	Hits int64
	// The number of lookups that did not find the block.
	Misses int64
	// The number of blocks inserted.
	Inserts int64
	// The number of blocks evicted to make room for others.
	Evictions int64
}

// Metrics retrieves metrics for the cache.
func (c *Cache) Metrics() Metrics {
	return Metrics{
		Size:      int64(len(c.buf)),
		Count:     c.count.Load(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Inserts:   c.inserts.Load(),
		Evictions: c.evictions.Load(),
	}
}

// HitRate returns the fraction of lookups that were hits, as a percentage.
func (m Metrics) HitRate() float64 {
	if total := m.Hits + m.Misses; total > 0 {
		return 100 * float64(m.Hits) / float64(total)
	}
	return 0
}
