// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package streamer

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/streamer/internal/blockcache"
	"github.com/cockroachdb/streamer/metrics"
	"github.com/cockroachdb/streamer/request"
	"github.com/cockroachdb/swiss"
)

// cacheStage implements a fill-through block cache: a read copies the
// resident blocks into the caller's buffer and forwards one block-aligned
// child read per run of missing blocks. When the children complete, their
// blocks are inserted into the cache and the overlap with the caller's range
// is copied out.
//
// Writes are forwarded as children of the stage. The range they cover is
// invalidated both when the write is queued and when it completes, and a fill
// whose file was invalidated after the fill was issued is not inserted: its
// child may have read the file before the write landed.
//
// It is shared by the block cache and the dedicated cache stages, which differ
// only in which files they admit and in the per-file quota.
type cacheStage struct {
	stageBase

	name       string
	cache      *blockcache.Cache
	onlyEpilog bool
	// admit returns true if reads of the file are cached.
	admit func(path string) bool

	// epoch counts invalidations. fills is the number of outstanding child
	// reads; while there are any, invalidatedAt holds the epoch of the last
	// invalidation of each file.
	epoch         uint64
	fills         int
	invalidatedAt swiss.Map[string, uint64]

	metrics struct {
		childReads  metrics.AtomicCountAndSize
		fullHits    atomic.Int64
		bypassed    atomic.Int64
		invalidated atomic.Int64
		staleFills  atomic.Int64
	}
}

// cacheFill describes the block run read by a child of a cache stage.
type cacheFill struct {
	// block is the index of the first block of the run.
	block int64
	// direct is set when the child reads straight into the parent's buffer.
	direct bool
	// epoch is the invalidation epoch at the time the child was issued.
	epoch uint64
}

func (cs *cacheStage) init(name string, capacity, blockSize int64, onlyEpilog bool) {
	cs.name = name
	cs.cache = blockcache.New(capacity, blockSize)
	cs.onlyEpilog = onlyEpilog
	cs.invalidatedAt.Init(16)
}

// Name implements Stage.
func (cs *cacheStage) Name() string { return cs.name }

func (cs *cacheStage) describe() string {
	return fmt.Sprintf("%s: block-size=%s capacity=%s slots=%d only-epilog-writes=%t",
		cs.name, formatSize(cs.cache.BlockSize()), formatSize(cs.cache.Capacity()),
		cs.cache.NumSlots(), cs.onlyEpilog)
}

// QueueRequest implements Stage.
func (cs *cacheStage) QueueRequest(p *request.Processing, r *request.Request) {
	switch r.Operation() {
	case request.OpWrite:
		cs.write(p, r)
		return
	case request.OpRead:
		rd := r.Read()
		switch {
		case rd.Compression != nil || len(rd.Output) == 0 || !cs.admit(rd.Path):
		case int64(len(rd.Output)) > cs.cache.Capacity():
			cs.metrics.bypassed.Add(1)
		default:
			cs.read(p, r)
			return
		}
	}
	cs.forward(p, r)
}

// invalidate drops the cached blocks of the file overlapping [off, off+n) and
// marks the outstanding fills of the file as stale. A negative n drops every
// block of the file.
func (cs *cacheStage) invalidate(path string, off, n int64) {
	cs.epoch++
	if cs.fills > 0 {
		cs.invalidatedAt.Put(path, cs.epoch)
	}
	var dropped int
	if n < 0 {
		dropped = cs.cache.EvictFile(path)
	} else {
		dropped = cs.cache.InvalidateRange(path, off, n)
	}
	cs.metrics.invalidated.Add(int64(dropped))
}

// stale returns true if the file was invalidated after the fill was issued.
func (cs *cacheStage) stale(path string, fill *cacheFill) bool {
	epoch, ok := cs.invalidatedAt.Get(path)
	return ok && epoch > fill.epoch
}

func (cs *cacheStage) write(p *request.Processing, r *request.Request) {
	if completeIfCanceled(p, r) {
		return
	}
	wd := r.Write()
	cs.invalidate(wd.Path, wd.Offset, int64(len(wd.Input)))
	c := p.Acquire()
	c.CreateWrite(r, wd.Path, wd.Input, wd.Offset)
	c.SetOwner(cs.id)
	c.SetStatus(request.Scheduled)
	cs.forward(p, c)
}

// missingRun is a run of consecutive blocks [first, last] that are not cached.
type missingRun struct {
	first, last int64
}

func (cs *cacheStage) read(p *request.Processing, r *request.Request) {
	if completeIfCanceled(p, r) {
		return
	}
	rd := r.Read()
	bs := cs.cache.BlockSize()
	start := rd.Offset
	end := start + int64(len(rd.Output))
	rd.BytesRead = 0

	// Copy the resident blocks and collect the missing runs. A cached block
	// shorter than the block size ends the file.
	var runs []missingRun
	fileEnd := int64(-1)
	for b := start / bs; b <= (end-1)/bs; b++ {
		data, ok := cs.cache.Get(blockcache.Key{File: rd.Path, Block: b})
		if !ok {
			if n := len(runs); n > 0 && runs[n-1].last == b-1 {
				runs[n-1].last = b
			} else {
				runs = append(runs, missingRun{first: b, last: b})
			}
			continue
		}
		blockStart := b * bs
		lo, hi := max(start, blockStart), min(end, blockStart+int64(len(data)))
		if hi > lo {
			copy(rd.Output[lo-start:hi-start], data[lo-blockStart:hi-blockStart])
			rd.BytesRead += hi - lo
		}
		if int64(len(data)) < bs {
			fileEnd = blockStart + int64(len(data))
			break
		}
	}
	if fileEnd >= 0 && fileEnd-start < rd.MinSize {
		p.Complete(r, errors.Wrapf(ErrShortRead, "%s: %d of %d bytes available at offset %d",
			rd.Path, errors.Safe(max(0, fileEnd-start)), errors.Safe(rd.MinSize), errors.Safe(start)))
		return
	}
	if len(runs) == 0 {
		cs.metrics.fullHits.Add(1)
		p.Complete(r, nil)
		return
	}

	required := start + rd.MinSize
	for _, run := range runs {
		runStart := run.first * bs
		runEnd := (run.last + 1) * bs
		fill := &cacheFill{block: run.first, epoch: cs.epoch}
		var buf []byte
		if runStart >= start && runEnd <= end {
			fill.direct = true
			buf = rd.Output[runStart-start : runEnd-start : runEnd-start]
		} else {
			buf = make([]byte, runEnd-runStart)
		}
		c := p.Acquire()
		cd := c.CreateRead(r, rd.Path, buf, runStart)
		cd.MinSize = max(0, min(runEnd, required)-runStart)
		c.SetOwner(cs.id)
		c.SetTag(fill)
		c.SetStatus(request.Scheduled)
		cs.fills++
		cs.metrics.childReads.Inc(uint64(len(buf)))
		cs.forward(p, c)
	}
}

// ExecuteRequests implements Stage. Cache stages act when requests are queued
// and when children complete.
func (cs *cacheStage) ExecuteRequests(*request.Processing) bool { return false }

// FinalizeRequest implements request.Owner. A completed write invalidates its
// range again. A completed read inserts its blocks, unless the file was
// written in the meantime, and copies them into the parent's buffer.
func (cs *cacheStage) FinalizeRequest(p *request.Processing, c *request.Request) {
	if c.Operation() == request.OpWrite {
		wd := c.Write()
		cs.invalidate(wd.Path, wd.Offset, int64(len(wd.Input)))
		p.Resolve(c.Parent()).Write().BytesWritten = wd.BytesWritten
		return
	}
	fill := c.Tag().(*cacheFill)
	cd := c.Read()
	stale := cs.stale(cd.Path, fill)
	if cs.fills--; cs.fills == 0 {
		cs.invalidatedAt.Clear()
	}
	if c.Status() != request.Completed {
		return
	}
	parent := p.Resolve(c.Parent())
	prd := parent.Read()
	bs := cs.cache.BlockSize()
	data := cd.Output[:cd.BytesRead]

	// A read that came back short reached the end of the file; its last,
	// partial (possibly empty) block is the epilog of the file.
	short := cd.BytesRead < int64(len(cd.Output))
	numBlocks := int64(len(data)) / bs
	if short {
		numBlocks++
	}
	for i := int64(0); i < numBlocks && !stale; i++ {
		epilog := short && i == numBlocks-1
		if cs.onlyEpilog && !epilog {
			continue
		}
		blk := data[i*bs : min((i+1)*bs, int64(len(data)))]
		cs.cache.Insert(blockcache.Key{File: cd.Path, Block: fill.block + i}, blk)
	}
	if stale {
		cs.metrics.staleFills.Add(1)
	}

	if fill.direct {
		prd.BytesRead += cd.BytesRead
		return
	}
	start, end := prd.Offset, prd.Offset+int64(len(prd.Output))
	lo, hi := max(start, cd.Offset), min(end, cd.Offset+cd.BytesRead)
	if hi > lo {
		copy(prd.Output[lo-start:hi-start], data[lo-cd.Offset:hi-cd.Offset])
		prd.BytesRead += hi - lo
	}
}

func (cs *cacheStage) loadMetrics() CacheMetrics {
	return CacheMetrics{
		Metrics:     cs.cache.Metrics(),
		ChildReads:  cs.metrics.childReads.Load(),
		FullHits:    cs.metrics.fullHits.Load(),
		Bypassed:    cs.metrics.bypassed.Load(),
		Invalidated: cs.metrics.invalidated.Load(),
		StaleFills:  cs.metrics.staleFills.Load(),
	}
}

// blockCache is a cache stage shared by all files.
type blockCache struct {
	cacheStage
}

var _ Stage = (*blockCache)(nil)

func newBlockCache(s *Stack, blockSize, capacity int64) *blockCache {
	bc := &blockCache{}
	bc.init("block-cache", capacity, blockSize, s.opts.OnlyEpilogWrites)
	bc.admit = func(string) bool { return true }
	bc.register(s, bc)
	return bc
}

// Describe implements Stage.
func (bc *blockCache) Describe() string { return bc.describe() }

// UpdateMetrics implements Stage.
func (bc *blockCache) UpdateMetrics(m *Metrics) {
	m.BlockCache = bc.loadMetrics()
}
