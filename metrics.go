// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package streamer

import (
	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/streamer/internal/blockcache"
	"github.com/cockroachdb/streamer/internal/handlecache"
	"github.com/cockroachdb/streamer/metrics"
	"github.com/cockroachdb/streamer/request"
	"github.com/prometheus/client_golang/prometheus"
)

// CacheMetrics holds the metrics of a cache stage.
type CacheMetrics struct {
	blockcache.Metrics
	// ChildReads are the block-aligned reads forwarded for missing blocks.
	ChildReads metrics.CountAndSize
	// FullHits is the number of reads served entirely from the cache.
	FullHits int64
	// Bypassed is the number of reads larger than the cache.
	Bypassed int64
	// Invalidated is the number of blocks dropped by writes, and by closing
	// files of the dedicated cache.
	Invalidated int64
	// StaleFills is the number of child reads whose blocks were not inserted
	// because the file was invalidated while they were in flight.
	StaleFills int64
}

// Metrics holds metrics for the streaming stack. Sections of stages that are
// not part of the stack are zero.
type Metrics struct {
	Requests struct {
		Submitted int64
		Completed int64
		Canceled  int64
		Failed    int64
		// InFlight is the number of submitted requests that did not complete.
		InFlight int64
		// Links is the number of RequestLink requests handed to the legacy
		// handler.
		Links int64
	}

	Pool request.Stats

	RawDrive struct {
		Reads     metrics.CountAndSize
		Writes    metrics.CountAndSize
		Opens     int64
		Closes    int64
		Failures  int64
		Canceled  int64
		Throttled int64
		// MissedDeadlines is the number of requests started after their
		// deadline passed.
		MissedDeadlines int64
		HandleCache     handlecache.Metrics
	}

	ReadSplitter struct {
		SplitSize int64
		Parents   int64
		Children  int64
	}

	Remote struct {
		Reads    metrics.CountAndSize
		Opens    int64
		Failures int64
	}

	BlockCache CacheMetrics

	DedicatedCache struct {
		CacheMetrics
		OpenFiles int64
		// Quota is the number of blocks each open file may occupy.
		Quota int64
	}

	Decompressor struct {
		// Payloads are the compressed payloads read from the stack below.
		Payloads metrics.CountAndSize
		// Decompressed are the completed decompressions, by uncompressed size.
		Decompressed metrics.CountAndSize
		Queued       int64
		Failures     int64
		Canceled     int64
	}
}

func humanBytes(n int64) redact.SafeString {
	return redact.SafeString(crhumanize.Bytes(n, crhumanize.Compact, crhumanize.OmitI))
}

// String implements fmt.Stringer.
func (m *Metrics) String() string {
	return redact.StringWithoutMarkers(m)
}

// SafeFormat implements redact.SafeFormatter.
func (m *Metrics) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("requests: submitted %d, completed %d, canceled %d, failed %d, in-flight %d, links %d\n",
		m.Requests.Submitted, m.Requests.Completed, m.Requests.Canceled, m.Requests.Failed,
		m.Requests.InFlight, m.Requests.Links)
	w.Printf("pool: internal %d/%d, external %d/%d available, drained %d\n",
		m.Pool.InternalAvailable, m.Pool.InternalAllocated,
		m.Pool.ExternalAvailable, m.Pool.ExternalAllocated, m.Pool.Drained)
	w.Printf("raw-drive: reads %s, writes %s, opens %d, closes %d, failures %d, canceled %d, throttled %d, missed-deadlines %d\n",
		m.RawDrive.Reads, m.RawDrive.Writes, m.RawDrive.Opens, m.RawDrive.Closes,
		m.RawDrive.Failures, m.RawDrive.Canceled, m.RawDrive.Throttled, m.RawDrive.MissedDeadlines)
	w.Printf("handle-cache: open %d, hits %d, misses %d, evictions %d\n",
		m.RawDrive.HandleCache.Count, m.RawDrive.HandleCache.Hits,
		m.RawDrive.HandleCache.Misses, m.RawDrive.HandleCache.Evictions)
	if m.ReadSplitter.SplitSize > 0 {
		w.Printf("read-splitter: split-size %s, parents %d, children %d\n",
			humanBytes(m.ReadSplitter.SplitSize), m.ReadSplitter.Parents, m.ReadSplitter.Children)
	}
	if !m.Remote.Reads.IsZero() || m.Remote.Opens > 0 || m.Remote.Failures > 0 {
		w.Printf("remote: reads %s, opens %d, failures %d\n",
			m.Remote.Reads, m.Remote.Opens, m.Remote.Failures)
	}
	formatCache := func(name redact.SafeString, c *CacheMetrics) {
		if c.Size == 0 {
			return
		}
		w.Printf("%s: size %s, blocks %d, hit-rate %.1f%%, inserts %d, evictions %d, child-reads %s, full-hits %d, bypassed %d, invalidated %d, stale-fills %d\n",
			name, humanBytes(c.Size), c.Count, redact.Safe(c.HitRate()), c.Inserts, c.Evictions,
			c.ChildReads, c.FullHits, c.Bypassed, c.Invalidated, c.StaleFills)
	}
	formatCache("block-cache", &m.BlockCache)
	formatCache("dedicated-cache", &m.DedicatedCache.CacheMetrics)
	if m.DedicatedCache.Size > 0 {
		w.Printf("dedicated-cache: open files %d, quota %d blocks\n",
			m.DedicatedCache.OpenFiles, m.DedicatedCache.Quota)
	}
	w.Printf("decompressor: payloads %s, decompressed %s, queued %d, failures %d, canceled %d\n",
		m.Decompressor.Payloads, m.Decompressor.Decompressed, m.Decompressor.Queued,
		m.Decompressor.Failures, m.Decompressor.Canceled)
}

// collector exports the metrics of a Streamer to prometheus.
type collector struct {
	s     *Streamer
	descs struct {
		requests     *prometheus.Desc
		inFlight     *prometheus.Desc
		ioBytes      *prometheus.Desc
		ioOps        *prometheus.Desc
		cacheHits    *prometheus.Desc
		cacheMisses  *prometheus.Desc
		cacheBlocks  *prometheus.Desc
		decompressed *prometheus.Desc
		queued       *prometheus.Desc
	}
}

// NewCollector returns a prometheus.Collector that reports the metrics of s.
func NewCollector(s *Streamer) prometheus.Collector {
	c := &collector{s: s}
	c.descs.requests = prometheus.NewDesc("streamer_requests_total",
		"Completed requests by final status.", []string{"status"}, nil)
	c.descs.inFlight = prometheus.NewDesc("streamer_requests_in_flight",
		"Submitted requests that did not complete.", nil, nil)
	c.descs.ioBytes = prometheus.NewDesc("streamer_io_bytes_total",
		"Bytes transferred by the raw drive and the remote store.", []string{"source", "op"}, nil)
	c.descs.ioOps = prometheus.NewDesc("streamer_io_ops_total",
		"Operations performed by the raw drive and the remote store.", []string{"source", "op"}, nil)
	c.descs.cacheHits = prometheus.NewDesc("streamer_cache_hits_total",
		"Block lookups that hit.", []string{"cache"}, nil)
	c.descs.cacheMisses = prometheus.NewDesc("streamer_cache_misses_total",
		"Block lookups that missed.", []string{"cache"}, nil)
	c.descs.cacheBlocks = prometheus.NewDesc("streamer_cache_blocks",
		"Blocks resident in the cache.", []string{"cache"}, nil)
	c.descs.decompressed = prometheus.NewDesc("streamer_decompressed_bytes_total",
		"Uncompressed bytes produced by the decompressor.", nil, nil)
	c.descs.queued = prometheus.NewDesc("streamer_decompressor_queued",
		"Compressed reads waiting for read-ahead capacity.", nil, nil)
	return c
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.descs.requests
	ch <- c.descs.inFlight
	ch <- c.descs.ioBytes
	ch <- c.descs.ioOps
	ch <- c.descs.cacheHits
	ch <- c.descs.cacheMisses
	ch <- c.descs.cacheBlocks
	ch <- c.descs.decompressed
	ch <- c.descs.queued
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	m := c.s.Metrics()
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter(c.descs.requests, float64(m.Requests.Completed), "completed")
	counter(c.descs.requests, float64(m.Requests.Canceled), "canceled")
	counter(c.descs.requests, float64(m.Requests.Failed), "failed")
	gauge(c.descs.inFlight, float64(m.Requests.InFlight))

	io := func(source, op string, cs metrics.CountAndSize) {
		counter(c.descs.ioBytes, float64(cs.Bytes), source, op)
		counter(c.descs.ioOps, float64(cs.Count), source, op)
	}
	io("raw-drive", "read", m.RawDrive.Reads)
	io("raw-drive", "write", m.RawDrive.Writes)
	io("remote", "read", m.Remote.Reads)

	cache := func(name string, cm *CacheMetrics) {
		counter(c.descs.cacheHits, float64(cm.Hits), name)
		counter(c.descs.cacheMisses, float64(cm.Misses), name)
		gauge(c.descs.cacheBlocks, float64(cm.Count), name)
	}
	cache("block", &m.BlockCache)
	cache("dedicated", &m.DedicatedCache.CacheMetrics)

	counter(c.descs.decompressed, float64(m.Decompressor.Decompressed.Bytes))
	gauge(c.descs.queued, float64(m.Decompressor.Queued))
}
