// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package streamer

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/streamer/internal/handlecache"
	"github.com/cockroachdb/streamer/internal/rate"
	"github.com/cockroachdb/streamer/metrics"
	"github.com/cockroachdb/streamer/request"
	"github.com/cockroachdb/streamer/vfs"
	"github.com/prometheus/client_golang/prometheus"
)

// rawDrive is the bottom of the stack. It performs file I/O through a vfs.FS,
// keeping recently used files open in a handle cache.
type rawDrive struct {
	stageBase

	fs         vfs.FS
	logger     Logger
	handles    *handlecache.Cache[string, vfs.File]
	queue      driveQueue
	maxPerTick int
	// throttle is nil if throughput is not capped.
	throttle *rate.Throttle
	latency  prometheus.Observer

	metrics struct {
		reads          metrics.AtomicCountAndSize
		writes         metrics.AtomicCountAndSize
		opens          atomic.Int64
		closes         atomic.Int64
		failures       atomic.Int64
		canceled       atomic.Int64
		missedDeadline atomic.Int64
	}
}

var _ Stage = (*rawDrive)(nil)

func newRawDrive(s *Stack) *rawDrive {
	o := s.opts
	d := &rawDrive{
		fs:         o.FS,
		logger:     o.Logger,
		maxPerTick: o.MaxReadsPerTick,
		latency:    o.ReadLatency,
		queue:      makeDriveQueue(),
	}
	d.handles = handlecache.New[string, vfs.File](o.FileHandleCache.Capacity(), d.openFile, d.closeFile)
	if o.ReadBytesPerSec > 0 {
		d.throttle = rate.New(o.ReadBytesPerSec, s.ctx.WakeProcessingThread)
	}
	d.register(s, d)
	return d
}

func (d *rawDrive) openFile(_ context.Context, path string) (vfs.File, error) {
	f, err := d.fs.Open(path)
	if err != nil {
		return nil, err
	}
	d.metrics.opens.Add(1)
	return f, nil
}

func (d *rawDrive) closeFile(f vfs.File) {
	d.metrics.closes.Add(1)
	if err := f.Close(); err != nil {
		d.logger.Errorf("streamer: closing file handle: %v", err)
	}
}

// Name implements Stage.
func (d *rawDrive) Name() string { return "raw-drive" }

// Describe implements Stage.
func (d *rawDrive) Describe() string {
	limit := "unlimited"
	if d.throttle != nil {
		limit = formatSize(d.throttle.BytesPerSec()) + "/s"
	}
	return fmt.Sprintf("%s: handles=%d reads-per-tick=%d rate=%s",
		d.Name(), d.stack.opts.FileHandleCache.Capacity(), d.maxPerTick, limit)
}

// QueueRequest implements Stage.
func (d *rawDrive) QueueRequest(_ *request.Processing, r *request.Request) {
	d.queue.push(r)
}

// ExecuteRequests implements Stage. It executes up to maxPerTick queued
// requests, earliest deadline first, then by priority, then in FIFO order.
func (d *rawDrive) ExecuteRequests(p *request.Processing) bool {
	progress := false
	for n := 0; n < d.maxPerTick && d.queue.Len() > 0; n++ {
		r := d.queue.peek()
		if completeIfCanceled(p, r) {
			d.queue.pop()
			d.metrics.canceled.Add(1)
			progress = true
			continue
		}
		if d.throttle != nil {
			if size := transferSize(r); size > 0 && !d.throttle.Admit(size) {
				break
			}
		}
		d.queue.pop()
		if dl := r.Deadline(); !dl.IsZero() && time.Now().After(dl) {
			d.metrics.missedDeadline.Add(1)
		}
		d.execute(p, r)
		progress = true
	}
	return progress
}

func transferSize(r *request.Request) int64 {
	switch r.Operation() {
	case request.OpRead:
		return int64(len(r.Read().Output))
	case request.OpWrite:
		return int64(len(r.Write().Input))
	}
	return 0
}

func (d *rawDrive) execute(p *request.Processing, r *request.Request) {
	var err error
	switch r.Operation() {
	case request.OpOpen:
		err = d.open(r.Path())
	case request.OpClose:
		d.handles.Evict(r.Path())
	case request.OpRead:
		err = d.read(r.Read())
	case request.OpWrite:
		err = d.write(r.Write())
	case request.OpRequestLink:
		// Completed without I/O; the processing loop hands it to the legacy
		// handler.
	default:
		err = errors.Wrapf(ErrUnsupported, "raw drive: %s request", r.Operation())
	}
	if err != nil {
		d.metrics.failures.Add(1)
		d.logger.Errorf("streamer: %s: %v", r, err)
	}
	p.Complete(r, err)
}

func (d *rawDrive) open(path string) error {
	ref, err := d.handles.FindOrCreate(context.Background(), path)
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	ref.Unref()
	return nil
}

func (d *rawDrive) read(rd *request.ReadData) error {
	if rd.Compression != nil {
		return errors.Wrapf(ErrUnsupported, "raw drive: compressed read of %s", rd.Path)
	}
	ref, err := d.handles.FindOrCreate(context.Background(), rd.Path)
	if err != nil {
		return errors.Wrapf(err, "opening %s", rd.Path)
	}
	defer ref.Unref()

	start := crtime.NowMono()
	n, err := ref.Value().ReadAt(rd.Output, rd.Offset)
	if d.latency != nil {
		d.latency.Observe(start.Elapsed().Seconds())
	}
	rd.BytesRead = int64(n)
	d.metrics.reads.Inc(uint64(n))
	if err != nil && err != io.EOF {
		return errors.Wrapf(err, "reading %s", rd.Path)
	}
	if int64(n) < rd.MinSize {
		return errors.Wrapf(ErrShortRead, "%s: read %d of %d bytes at offset %d",
			rd.Path, errors.Safe(n), errors.Safe(rd.MinSize), errors.Safe(rd.Offset))
	}
	return nil
}

func (d *rawDrive) write(wd *request.WriteData) (err error) {
	f, err := d.fs.OpenReadWrite(wd.Path)
	if err != nil {
		return errors.Wrapf(err, "opening %s", wd.Path)
	}
	defer func() {
		err = errors.CombineErrors(err, f.Close())
	}()
	n, err := f.WriteAt(wd.Input, wd.Offset)
	wd.BytesWritten = int64(n)
	d.metrics.writes.Inc(uint64(n))
	if err != nil {
		return errors.Wrapf(err, "writing %s", wd.Path)
	}
	return f.Sync()
}

// UpdateMetrics implements Stage.
func (d *rawDrive) UpdateMetrics(m *Metrics) {
	m.RawDrive.Reads = d.metrics.reads.Load()
	m.RawDrive.Writes = d.metrics.writes.Load()
	m.RawDrive.Opens = d.metrics.opens.Load()
	m.RawDrive.Closes = d.metrics.closes.Load()
	m.RawDrive.Failures = d.metrics.failures.Load()
	m.RawDrive.Canceled = d.metrics.canceled.Load()
	m.RawDrive.MissedDeadlines = d.metrics.missedDeadline.Load()
	if d.throttle != nil {
		m.RawDrive.Throttled = d.throttle.Throttled()
	}
	m.RawDrive.HandleCache = d.handles.Metrics()
}

// Close implements Stage.
func (d *rawDrive) Close() error {
	if n := d.queue.Len(); n > 0 {
		return errors.AssertionFailedf("raw drive closed with %d queued requests", errors.Safe(n))
	}
	d.handles.Close()
	return nil
}
