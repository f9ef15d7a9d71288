// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package streamer

import (
	"sync/atomic"

	"github.com/cockroachdb/streamer/request"
)

// dedicatedCache is a cache stage partitioned between the files opened through
// it: each open file may occupy at most ceil(slots/open files) blocks, so that
// one file's traffic cannot evict another file's blocks. Reads of files that
// were not opened are forwarded uncached.
type dedicatedCache struct {
	cacheStage
	// open counts the outstanding Open requests per file. Only accessed by the
	// processing goroutine.
	open map[string]int

	// Copies of the partitioning state for UpdateMetrics.
	files atomic.Int64
	quota atomic.Int64
}

var _ Stage = (*dedicatedCache)(nil)

func newDedicatedCache(s *Stack, blockSize, capacity int64) *dedicatedCache {
	dc := &dedicatedCache{open: make(map[string]int)}
	dc.init("dedicated-cache", capacity, blockSize, s.opts.OnlyEpilogWrites)
	dc.admit = func(path string) bool { return dc.open[path] > 0 }
	dc.register(s, dc)
	return dc
}

// Describe implements Stage.
func (dc *dedicatedCache) Describe() string { return dc.describe() }

// QueueRequest implements Stage.
func (dc *dedicatedCache) QueueRequest(p *request.Processing, r *request.Request) {
	switch r.Operation() {
	case request.OpOpen:
		dc.open[r.Path()]++
		dc.updateQuota()
	case request.OpClose:
		path := r.Path()
		if n := dc.open[path]; n > 1 {
			dc.open[path] = n - 1
		} else if n == 1 {
			delete(dc.open, path)
			dc.invalidate(path, 0, -1)
			dc.updateQuota()
		}
	}
	dc.cacheStage.QueueRequest(p, r)
}

func (dc *dedicatedCache) updateQuota() {
	quota := 0
	if n := len(dc.open); n > 0 {
		quota = (dc.cache.NumSlots() + n - 1) / n
	}
	dc.cache.SetQuota(quota)
	dc.files.Store(int64(len(dc.open)))
	dc.quota.Store(int64(quota))
}

// UpdateMetrics implements Stage.
func (dc *dedicatedCache) UpdateMetrics(m *Metrics) {
	m.DedicatedCache.CacheMetrics = dc.loadMetrics()
	m.DedicatedCache.OpenFiles = dc.files.Load()
	m.DedicatedCache.Quota = dc.quota.Load()
}
