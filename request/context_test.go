// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package request

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/crlib/testutils/leaktest"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

// recordingOwner records the requests it finalizes, and optionally runs a hook.
type recordingOwner struct {
	finalized []string
	hook      func(p *Processing, r *Request)
}

func (o *recordingOwner) FinalizeRequest(p *Processing, r *Request) {
	o.finalized = append(o.finalized, fmt.Sprintf("%s:%s", r.Tag(), r.Status()))
	if o.hook != nil {
		o.hook(p, r)
	}
}

func TestPoolBatchAllocation(t *testing.T) {
	c := NewContext(4)
	p := c.Processing()

	var reqs []*Request
	for i := 0; i < 4; i++ {
		reqs = append(reqs, p.Acquire())
	}
	require.EqualValues(t, 4, c.Stats().InternalAllocated)
	require.EqualValues(t, 0, c.Stats().InternalAvailable)

	// Once warmed, an empty pool allocates one request at a time.
	reqs = append(reqs, p.Acquire())
	require.EqualValues(t, 5, c.Stats().InternalAllocated)
	for _, r := range reqs {
		p.Recycle(r)
	}
	require.EqualValues(t, 5, c.Stats().InternalAvailable)

	e := c.Acquire()
	require.Equal(t, External, e.Usage())
	require.EqualValues(t, 4, c.Stats().ExternalAllocated)
	c.Recycle(e)
}

func TestPoolNoDoubleIssue(t *testing.T) {
	seed := uint64(time.Now().UnixNano())
	t.Logf("seed %d", seed)
	rng := rand.New(rand.NewPCG(0, seed))

	c := NewContext(DefaultPoolBatchSize)
	p := c.Processing()
	live := map[*Request]bool{}
	var order []*Request
	for i := 0; i < 10000; i++ {
		if len(order) > 0 && rng.IntN(2) == 0 {
			j := rng.IntN(len(order))
			r := order[j]
			order = append(order[:j], order[j+1:]...)
			delete(live, r)
			p.Recycle(r)
			continue
		}
		r := p.Acquire()
		require.False(t, live[r], "request issued twice")
		require.Equal(t, Pending, r.Status())
		require.Equal(t, OpNone, r.Operation())
		live[r] = true
		order = append(order, r)
	}
}

func TestConcurrentExternalAcquire(t *testing.T) {
	defer leaktest.AfterTest(t)()
	c := NewContext(DefaultPoolBatchSize)
	var mu sync.Mutex
	seen := map[*Request]bool{}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r := c.Acquire()
				mu.Lock()
				if seen[r] {
					mu.Unlock()
					panic("request issued twice")
				}
				seen[r] = true
				mu.Unlock()
				if i%2 == 0 {
					mu.Lock()
					delete(seen, r)
					mu.Unlock()
					c.Recycle(r)
				}
			}
		}()
	}
	wg.Wait()
}

func TestFatalAssertions(t *testing.T) {
	require.Panics(t, func() { NewContext(0) })

	c := NewContext(2)
	p := c.Processing()
	require.Panics(t, func() { c.Processing() })

	r := p.Acquire()
	p.Recycle(r)
	require.Panics(t, func() { p.Recycle(r) }, "double recycle")

	r = p.Acquire()
	r.CreateOpen(nil, "a")
	r.SetStatus(Scheduled)
	require.Panics(t, func() { c.MarkCompleted(r) }, "not terminal")
	r.SetStatus(Completed)
	c.MarkCompleted(r)
	require.Panics(t, func() { c.MarkCompleted(r) }, "double completion")
	require.Panics(t, func() { p.Recycle(r) }, "recycling a queued request")
	require.Panics(t, func() { r.SetStatus(Scheduled) }, "leaving a terminal status")
	p.DrainCompletions()

	// An internal request cannot be recycled through the external path.
	r = p.Acquire()
	require.Panics(t, func() { c.Recycle(r) })

	parent := p.Acquire()
	parent.CreateRead(nil, "f", make([]byte, 4), 0)
	parent.SetStatus(Scheduled)
	child := p.Acquire()
	child.CreateRead(parent, "f", make([]byte, 4), 0)
	require.Panics(t, func() { parent.SetStatus(Completed) }, "completed with dependencies")
	require.Panics(t, func() { child.CreateRead(nil, "f", nil, 0) }, "configured twice")
}

func TestStaleHandle(t *testing.T) {
	c := NewContext(2)
	p := c.Processing()
	r := p.Acquire()
	h := r.Handle()
	require.Same(t, r, p.Resolve(h))
	p.Recycle(r)
	require.Nil(t, p.TryResolve(h))
	require.Panics(t, func() { p.Resolve(h) })
	require.False(t, Handle{}.IsValid())

	e := c.Acquire()
	eh := e.Handle()
	require.Same(t, e, p.Resolve(eh))
	c.Recycle(e)
	require.Nil(t, p.TryResolve(eh))
}

// TestDependencyClosure checks that a parent completes exactly when its last
// child completes, for randomized completion orders.
func TestDependencyClosure(t *testing.T) {
	seed := uint64(time.Now().UnixNano())
	t.Logf("seed %d", seed)
	rng := rand.New(rand.NewPCG(0, seed))

	for _, n := range []int{0, 1, 5, 100} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			c := NewContext(DefaultPoolBatchSize)
			owner := &recordingOwner{}
			id := c.RegisterOwner(owner)
			p := c.Processing()

			parent := p.Acquire()
			parent.CreateRead(nil, "f", make([]byte, n), 0)
			parent.SetOwner(id)
			parent.SetTag("parent")
			parent.SetStatus(Scheduled)
			children := make([]*Request, n)
			for i := range children {
				children[i] = p.Acquire()
				children[i].CreateRead(parent, "f", make([]byte, 1), int64(i))
				children[i].SetTag(fmt.Sprintf("child%d", i))
				children[i].SetOwner(id)
				children[i].SetStatus(Scheduled)
			}
			require.Equal(t, n, parent.Dependencies())
			if n == 0 {
				p.Complete(parent, nil)
			}

			rng.Shuffle(len(children), func(i, j int) { children[i], children[j] = children[j], children[i] })
			for i, child := range children {
				require.Equal(t, Scheduled, parent.Status())
				p.Complete(child, nil)
				// Complete a few children before each drain.
				if i == len(children)-1 || rng.IntN(3) == 0 {
					worked, links := p.DrainCompletions()
					require.True(t, worked)
					require.Empty(t, links)
				}
			}
			if n == 0 {
				p.DrainCompletions()
			}
			require.Len(t, owner.finalized, n+1)
			require.Equal(t, "parent:completed", owner.finalized[n])
			// The parent was recycled by the same drain pass.
			require.EqualValues(t, c.Stats().InternalAllocated, c.Stats().InternalAvailable)
		})
	}
}

func TestWorstOutcomePropagation(t *testing.T) {
	c := NewContext(8)
	var parent *Request
	var sawParent bool
	owner := &recordingOwner{hook: func(_ *Processing, r *Request) {
		if r == parent {
			sawParent = true
			require.Equal(t, Failed, r.Status())
			require.EqualError(t, r.Err(), "boom")
		}
	}}
	id := c.RegisterOwner(owner)
	p := c.Processing()

	parent = p.Acquire()
	parent.CreateRead(nil, "f", nil, 0)
	parent.SetOwner(id)
	parent.SetStatus(Scheduled)
	a, b, d := p.Acquire(), p.Acquire(), p.Acquire()
	for _, r := range []*Request{a, b, d} {
		r.CreateRead(parent, "f", nil, 0)
		r.SetStatus(Scheduled)
	}

	p.Complete(a, nil)
	p.Complete(b, errors.New("boom"))
	d.SetStatus(Canceled)
	p.Complete(d, nil)
	p.DrainCompletions()
	require.True(t, sawParent)
}

func TestCanceledParentStaysCanceled(t *testing.T) {
	c := NewContext(8)
	p := c.Processing()
	parent := c.Acquire()
	parent.CreateRead(nil, "f", nil, 0)
	parent.SetStatus(Scheduled)
	child := p.Acquire()
	child.CreateRead(parent, "f", nil, 0)
	child.SetStatus(Scheduled)

	parent.SetStatus(Canceled)
	require.True(t, p.IsCanceled(child))
	p.Complete(child, errors.New("late failure"))
	p.DrainCompletions()
	require.Equal(t, Canceled, parent.Status())
	require.Nil(t, parent.Err())
	require.Equal(t, 0, parent.Dependencies())
	c.Recycle(parent)
}

// TestReentrantDrain checks that completions pushed while finalizing are
// processed by the same DrainCompletions call.
func TestReentrantDrain(t *testing.T) {
	c := NewContext(8)
	owner := &recordingOwner{}
	owner.hook = func(p *Processing, r *Request) {
		if r.Tag() == "first" {
			second := p.Acquire()
			second.CreateOpen(nil, "g")
			second.SetTag("second")
			second.SetOwner(r.Owner())
			p.Complete(second, nil)
		}
	}
	id := c.RegisterOwner(owner)
	p := c.Processing()

	first := p.Acquire()
	first.CreateOpen(nil, "f")
	first.SetTag("first")
	first.SetOwner(id)
	p.Complete(first, nil)

	worked, _ := p.DrainCompletions()
	require.True(t, worked)
	require.Equal(t, []string{"first:completed", "second:completed"}, owner.finalized)
	require.False(t, c.HasPendingCompletions())
	worked, _ = p.DrainCompletions()
	require.False(t, worked)
}

func TestRequestLinksAreCollected(t *testing.T) {
	c := NewContext(8)
	p := c.Processing()
	r := c.Acquire()
	r.CreateRequestLink(nil, "legacy")
	r.SetStatus(Scheduled)
	r.SetStatus(Canceled)
	c.MarkCompleted(r)

	_, links := p.DrainCompletions()
	require.Len(t, links, 1)
	require.Same(t, r, links[0])
	require.Equal(t, Completed, r.Status())
	require.Equal(t, "legacy", r.Link())
	c.Recycle(r)
}

func TestWake(t *testing.T) {
	defer leaktest.AfterTest(t)()
	c := NewContext(8)
	p := c.Processing()

	// A wake-up before Wait is not lost.
	c.WakeProcessingThread()
	p.Wait()

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	c.WakeProcessingThread()
	<-done
}

func TestProcessingCancel(t *testing.T) {
	defer leaktest.AfterTest(t)()
	c := NewContext(4)
	p := c.Processing()

	r := p.Acquire()
	r.CreateRead(nil, "f", make([]byte, 10), 0)
	require.False(t, p.Cancel(r.Handle()))
	r.SetStatus(Scheduled)
	require.True(t, p.Cancel(r.Handle()))
	require.Equal(t, Canceled, r.Status())
	require.False(t, p.Cancel(r.Handle()))
	h := r.Handle()
	p.Recycle(r)
	require.False(t, p.Cancel(h))
	require.False(t, p.Cancel(Handle{}))

	e := c.Acquire()
	e.CreateOpen(nil, "f")
	e.SetStatus(Scheduled)
	e.SetStatus(Completed)
	require.False(t, p.Cancel(e.Handle()))
	require.Equal(t, Completed, e.Status())
	c.Recycle(e)

	// Canceling completed external requests races with the application
	// recycling them.
	handles := make(chan Handle)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(handles)
		for i := 0; i < 1000; i++ {
			e := c.Acquire()
			e.CreateOpen(nil, "f")
			e.SetStatus(Scheduled)
			e.SetStatus(Completed)
			handles <- e.Handle()
			c.Recycle(e)
		}
	}()
	for h := range handles {
		require.False(t, p.Cancel(h))
	}
	wg.Wait()
}
