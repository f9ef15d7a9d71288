// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package streamer

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/streamer/request"
)

// readSplitter caps the size of reads forwarded downstream. A larger read is
// sliced into children of splitSize bytes (the last one may be shorter) that
// read directly into consecutive ranges of the parent's buffer.
type readSplitter struct {
	stageBase
	splitSize int64

	metrics struct {
		parents  atomic.Int64
		children atomic.Int64
	}
}

var _ Stage = (*readSplitter)(nil)

func newReadSplitter(s *Stack, splitSize int64) *readSplitter {
	rs := &readSplitter{splitSize: splitSize}
	rs.register(s, rs)
	return rs
}

// Name implements Stage.
func (rs *readSplitter) Name() string { return "read-splitter" }

// Describe implements Stage.
func (rs *readSplitter) Describe() string {
	return fmt.Sprintf("%s: split-size=%s", rs.Name(), formatSize(rs.splitSize))
}

// QueueRequest implements Stage.
func (rs *readSplitter) QueueRequest(p *request.Processing, r *request.Request) {
	if r.Operation() != request.OpRead || r.Read().Compression != nil ||
		int64(len(r.Read().Output)) <= rs.splitSize {
		rs.forward(p, r)
		return
	}
	if completeIfCanceled(p, r) {
		return
	}
	rs.metrics.parents.Add(1)
	rd := r.Read()
	rd.BytesRead = 0
	size := int64(len(rd.Output))
	for off := int64(0); off < size; off += rs.splitSize {
		end := min(off+rs.splitSize, size)
		c := p.Acquire()
		cd := c.CreateRead(r, rd.Path, rd.Output[off:end:end], rd.Offset+off)
		cd.MinSize = max(0, min(rd.MinSize-off, end-off))
		c.SetOwner(rs.id)
		c.SetStatus(request.Scheduled)
		rs.metrics.children.Add(1)
		rs.forward(p, c)
	}
}

// ExecuteRequests implements Stage. The splitter does all its work when a
// request is queued.
func (rs *readSplitter) ExecuteRequests(*request.Processing) bool { return false }

// FinalizeRequest implements request.Owner. It accumulates the bytes read by
// a child into its parent.
func (rs *readSplitter) FinalizeRequest(p *request.Processing, c *request.Request) {
	parent := p.Resolve(c.Parent())
	parent.Read().BytesRead += c.Read().BytesRead
}

// UpdateMetrics implements Stage.
func (rs *readSplitter) UpdateMetrics(m *Metrics) {
	m.ReadSplitter.SplitSize = rs.splitSize
	m.ReadSplitter.Parents = rs.metrics.parents.Load()
	m.ReadSplitter.Children = rs.metrics.children.Load()
}
