// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package request

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/streamer/internal/invariants"
)

// DefaultPoolBatchSize is the number of requests a pool allocates the first
// time it runs empty.
const DefaultPoolBatchSize = 32

// pool is a recycle bin backed by an arena. Requests are addressed by their
// arena index; the arena only grows.
type pool struct {
	usage     Usage
	batchSize int
	arena     []*Request
	free      []*Request
	warmed    bool
	allocated atomic.Int64
	available atomic.Int64
}

func (p *pool) acquire() *Request {
	if len(p.free) == 0 {
		n := 1
		if !p.warmed {
			n = p.batchSize
			p.warmed = true
		}
		for i := 0; i < n; i++ {
			r := &Request{usage: p.usage, index: uint32(len(p.arena)), generation: 1, pooled: true}
			p.arena = append(p.arena, r)
			p.free = append(p.free, r)
		}
		p.allocated.Add(int64(n))
		p.available.Add(int64(n))
	}
	r := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.available.Add(-1)
	r.pooled = false
	return r
}

func (p *pool) recycle(r *Request) {
	if r.usage != p.usage {
		panic(errors.AssertionFailedf("recycling %s request into %s pool", r.usage, p.usage))
	}
	if r.pooled {
		panic(errors.AssertionFailedf("request %s recycled twice", r.Handle()))
	}
	if r.queued.Load() {
		panic(errors.AssertionFailedf("recycling request %s that is queued for completion", r.Handle()))
	}
	if invariants.Enabled && slices.Contains(p.free, r) {
		panic(errors.AssertionFailedf("request %s already in the recycle bin", r.Handle()))
	}
	r.reset()
	r.pooled = true
	p.free = append(p.free, r)
	p.available.Add(1)
}

func (p *pool) resolve(h Handle) *Request {
	if h.usage != p.usage || int(h.index) >= len(p.arena) {
		return nil
	}
	r := p.arena[h.index]
	if r.generation != h.generation || r.pooled {
		return nil
	}
	return r
}

// Context owns the request pools, the completion queue and the wake-up
// primitive of the processing goroutine. See the package documentation.
type Context struct {
	// internal is only accessed through the Processing token.
	internal pool

	external struct {
		sync.Mutex
		pool
	}

	completions struct {
		sync.Mutex
		queue []*Request
	}

	wake struct {
		sync.Mutex
		cond    sync.Cond
		pending bool
	}

	owners     []Owner
	processing atomic.Bool
	drained    atomic.Int64
}

// NewContext returns a Context whose pools allocate batchSize requests the
// first time they run empty. A zero batch size is a fatal assertion.
func NewContext(batchSize int) *Context {
	if batchSize <= 0 {
		panic(errors.AssertionFailedf("request pool batch size must be positive: %d", errors.Safe(batchSize)))
	}
	c := &Context{}
	c.internal = pool{usage: Internal, batchSize: batchSize}
	c.external.pool = pool{usage: External, batchSize: batchSize}
	c.wake.cond.L = &c.wake.Mutex
	// OwnerID 0 means no owner.
	c.owners = []Owner{nil}
	return c
}

// RegisterOwner registers a stage that finalizes requests and returns its ID.
// Owners must be registered before the processing goroutine starts.
func (c *Context) RegisterOwner(o Owner) OwnerID {
	if c.processing.Load() {
		panic(errors.AssertionFailedf("registering an owner after processing started"))
	}
	c.owners = append(c.owners, o)
	return OwnerID(len(c.owners) - 1)
}

// Processing returns the token through which the processing goroutine
// accesses the internal pool and drains completions. It may only be claimed
// once.
func (c *Context) Processing() *Processing {
	if !c.processing.CompareAndSwap(false, true) {
		panic(errors.AssertionFailedf("processing token claimed twice"))
	}
	return &Processing{c: c}
}

// Acquire returns an external request, safe to call from any goroutine.
func (c *Context) Acquire() *Request {
	c.external.Lock()
	defer c.external.Unlock()
	return c.external.acquire()
}

// Recycle returns an external request to its pool. The request must have
// completed and been handed back to the application, or never submitted.
func (c *Context) Recycle(r *Request) {
	if r.usage != External {
		panic(errors.AssertionFailedf("recycling an internal request outside the processing goroutine"))
	}
	c.external.Lock()
	defer c.external.Unlock()
	c.external.recycle(r)
}

func (c *Context) resolveExternal(h Handle) *Request {
	c.external.Lock()
	defer c.external.Unlock()
	return c.external.resolve(h)
}

// MarkCompleted pushes a request that reached a terminal status onto the
// completion queue. It does not wake the processing goroutine; callers call
// WakeProcessingThread once a batch is ready. Completing a request twice is a
// fatal assertion.
func (c *Context) MarkCompleted(r *Request) {
	if !r.status.Terminal() {
		panic(errors.AssertionFailedf("request %s marked completed in status %s", r.Handle(), r.status))
	}
	c.completions.Lock()
	defer c.completions.Unlock()
	if r.queued.Swap(true) {
		panic(errors.AssertionFailedf("request %s completed twice", r.Handle()))
	}
	if invariants.Enabled && slices.Contains(c.completions.queue, r) {
		panic(errors.AssertionFailedf("request %s already in the completion queue", r.Handle()))
	}
	c.completions.queue = append(c.completions.queue, r)
}

// HasPendingCompletions returns true if the completion queue is not empty.
func (c *Context) HasPendingCompletions() bool {
	c.completions.Lock()
	defer c.completions.Unlock()
	return len(c.completions.queue) > 0
}

// WakeProcessingThread breaks the processing goroutine out of Wait, or makes
// its next Wait return immediately.
func (c *Context) WakeProcessingThread() {
	c.wake.Lock()
	c.wake.pending = true
	c.wake.cond.Signal()
	c.wake.Unlock()
}

// Stats reports the state of the request pools.
type Stats struct {
	InternalAllocated int64
	InternalAvailable int64
	ExternalAllocated int64
	ExternalAvailable int64
	// Drained is the number of requests processed by drain passes.
	Drained int64
}

// Stats returns pool statistics. Safe to call from any goroutine.
func (c *Context) Stats() Stats {
	return Stats{
		InternalAllocated: c.internal.allocated.Load(),
		InternalAvailable: c.internal.available.Load(),
		ExternalAllocated: c.external.allocated.Load(),
		ExternalAvailable: c.external.available.Load(),
		Drained:           c.drained.Load(),
	}
}

// Processing is the exclusive token of the processing goroutine.
type Processing struct {
	c *Context
	// local is the queue of the current drain pass.
	local []*Request
	spare []*Request
}

// Context returns the context the token belongs to.
func (p *Processing) Context() *Context { return p.c }

// Acquire returns an internal request.
func (p *Processing) Acquire() *Request {
	return p.c.internal.acquire()
}

// Recycle returns a request of either usage to its pool.
func (p *Processing) Recycle(r *Request) {
	if r.usage == External {
		p.c.Recycle(r)
		return
	}
	p.c.internal.recycle(r)
}

// Resolve returns the request a handle refers to. Resolving a stale handle is
// a fatal assertion.
func (p *Processing) Resolve(h Handle) *Request {
	r := p.TryResolve(h)
	if r == nil {
		panic(errors.AssertionFailedf("stale request handle %s", h))
	}
	return r
}

// TryResolve returns the request a handle refers to, or nil if the handle is
// invalid or stale.
func (p *Processing) TryResolve(h Handle) *Request {
	if !h.IsValid() {
		return nil
	}
	if h.usage == Internal {
		return p.c.internal.resolve(h)
	}
	return p.c.resolveExternal(h)
}

// Cancel transitions the Scheduled request h refers to to Canceled. It returns
// false if the handle is stale or the request is not Scheduled. For external
// requests the status is checked and changed under the lock Recycle takes, as
// the application may recycle a request that completed concurrently.
func (p *Processing) Cancel(h Handle) bool {
	if !h.IsValid() {
		return false
	}
	cancel := func(r *Request) bool {
		if r == nil || r.status != Scheduled {
			return false
		}
		r.SetStatus(Canceled)
		return true
	}
	if h.usage == Internal {
		return cancel(p.c.internal.resolve(h))
	}
	p.c.external.Lock()
	defer p.c.external.Unlock()
	return cancel(p.c.external.resolve(h))
}

// IsCanceled returns true if the request or one of its ancestors is Canceled.
func (p *Processing) IsCanceled(r *Request) bool {
	for r != nil {
		if r.status == Canceled {
			return true
		}
		r = p.TryResolve(r.parent)
	}
	return false
}

// Complete finishes a request that a stage executed: it sets Completed (or
// Failed if err is non-nil) and pushes the request onto the completion queue.
// A request that was canceled in the meantime keeps its Canceled status.
func (p *Processing) Complete(r *Request, err error) {
	switch {
	case r.status == Canceled:
	case err != nil:
		r.Fail(err)
	default:
		r.SetStatus(Completed)
	}
	p.c.MarkCompleted(r)
}

// Wait blocks until WakeProcessingThread is called. A wake-up that happened
// since the previous Wait returns immediately.
func (p *Processing) Wait() {
	w := &p.c.wake
	w.Lock()
	for !w.pending {
		w.cond.Wait()
	}
	w.pending = false
	w.Unlock()
}

// DrainCompletions processes the completion queue: owners finalize each
// request, parents are updated and, once their last dependency completed,
// processed in the same pass. Internal requests are recycled; RequestLink
// requests are forced to Completed and returned to the caller instead.
// Returns whether any request was processed.
func (p *Processing) DrainCompletions() (bool, []*Request) {
	var links []*Request
	worked := false
	for {
		c := p.c
		c.completions.Lock()
		p.local, c.completions.queue = c.completions.queue, p.spare[:0]
		c.completions.Unlock()
		if len(p.local) == 0 {
			p.spare = p.local
			return worked, links
		}
		worked = true

		for i := 0; i < len(p.local); i++ {
			r := p.local[i]
			p.local[i] = nil
			c.drained.Add(1)
			if !r.status.Terminal() {
				panic(errors.AssertionFailedf("draining request %s in status %s", r.Handle(), r.status))
			}
			// The owner may hand an external request back to the application,
			// so everything needed afterwards is read first.
			op, usage, parent := r.op, r.usage, r.parent
			status, err := r.status, r.err
			r.queued.Store(false)
			if r.owner != 0 {
				c.owners[r.owner].FinalizeRequest(p, r)
			}
			if parent.IsValid() {
				pr := p.Resolve(parent)
				if pr.mergeChild(status, err) {
					if pr.queued.Swap(true) {
						panic(errors.AssertionFailedf("request %s completed twice", pr.Handle()))
					}
					p.local = append(p.local, pr)
				}
			}
			switch {
			case op == OpRequestLink:
				r.status, r.err = Completed, nil
				links = append(links, r)
			case usage == Internal:
				p.c.internal.recycle(r)
			}
		}
		p.spare = p.local[:0]
		p.local = nil
	}
}
