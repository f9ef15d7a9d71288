// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package streamer

import (
	"container/heap"

	"github.com/cockroachdb/crlib/fifo"
	"github.com/cockroachdb/streamer/request"
)

var driveQueueBackingPool = fifo.MakeQueueBackingPool[*request.Request]()

const numPriorities = int(request.PriorityHigh-request.PriorityLow) + 1

// driveQueue orders the requests waiting for the raw drive. Requests with a
// deadline are served earliest deadline first and ahead of requests without
// one. Ties go to the higher priority, then to the request queued first.
// Requests without a deadline wait in one FIFO queue per priority.
type driveQueue struct {
	deadlines deadlineHeap
	// byPriority is indexed by priority, lowest first.
	byPriority [numPriorities]fifo.Queue[*request.Request]
	seq        uint64
}

func makeDriveQueue() driveQueue {
	var q driveQueue
	for i := range q.byPriority {
		q.byPriority[i] = fifo.MakeQueue(&driveQueueBackingPool)
	}
	return q
}

// Len returns the number of queued requests.
func (q *driveQueue) Len() int {
	n := q.deadlines.Len()
	for i := range q.byPriority {
		n += q.byPriority[i].Len()
	}
	return n
}

// push queues a request.
func (q *driveQueue) push(r *request.Request) {
	if r.Deadline().IsZero() {
		q.byPriority[r.Priority()-request.PriorityLow].PushBack(r)
		return
	}
	q.seq++
	heap.Push(&q.deadlines, deadlineItem{r: r, seq: q.seq})
}

// peek returns the request to serve next, or nil if the queue is empty.
func (q *driveQueue) peek() *request.Request {
	if q.deadlines.Len() > 0 {
		return q.deadlines.items[0].r
	}
	for i := len(q.byPriority) - 1; i >= 0; i-- {
		if q.byPriority[i].Len() > 0 {
			return *q.byPriority[i].PeekFront()
		}
	}
	return nil
}

// pop removes the request returned by peek.
func (q *driveQueue) pop() {
	if q.deadlines.Len() > 0 {
		heap.Pop(&q.deadlines)
		return
	}
	for i := len(q.byPriority) - 1; i >= 0; i-- {
		if q.byPriority[i].Len() > 0 {
			q.byPriority[i].PopFront()
			return
		}
	}
}

type deadlineItem struct {
	r   *request.Request
	seq uint64
}

type deadlineHeap struct {
	items []deadlineItem
}

var _ heap.Interface = (*deadlineHeap)(nil)

func (h *deadlineHeap) Len() int {
	return len(h.items)
}

func (h *deadlineHeap) Less(i, j int) bool {
	a, b := &h.items[i], &h.items[j]
	if da, db := a.r.Deadline(), b.r.Deadline(); !da.Equal(db) {
		return da.Before(db)
	}
	if pa, pb := a.r.Priority(), b.r.Priority(); pa != pb {
		return pa > pb
	}
	return a.seq < b.seq
}

func (h *deadlineHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *deadlineHeap) Push(x any) {
	h.items = append(h.items, x.(deadlineItem))
}

func (h *deadlineHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = deadlineItem{}
	h.items = old[:n-1]
	return item
}
