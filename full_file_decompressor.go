// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package streamer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/crlib/fifo"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/streamer/metrics"
	"github.com/cockroachdb/streamer/request"
)

var decompressorQueueBackingPool = fifo.MakeQueueBackingPool[*request.Request]()

// fullFileDecompressor is the top of the stack. A compressed read is served by
// reading the whole compressed payload through the stack below (one child
// read) and decompressing it on a background goroutine. The decompression runs
// as a second child of the read (a Custom request), so the read completes only
// once the data is decompressed.
//
// At most readAhead compressed reads are in flight; the rest wait in a queue.
// A semaphore bounds the number of concurrent decompressions to the number of
// job threads.
type fullFileDecompressor struct {
	stageBase

	logger    Logger
	jobs      int
	readAhead int
	sema      *fifo.Semaphore

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// The fields below are only accessed by the processing goroutine.
	queue fifo.Queue[*request.Request]
	// reading is the number of payload reads in flight and running the number
	// of decompression jobs.
	reading int
	running int

	mu struct {
		sync.Mutex
		finished []*decompressJob
	}

	metrics struct {
		payloads     metrics.AtomicCountAndSize
		decompressed metrics.AtomicCountAndSize
		queued       atomic.Int64
		failures     atomic.Int64
		canceled     atomic.Int64
	}
}

// decompressJob is the payload of the Custom request that represents a
// running decompression.
type decompressJob struct {
	job    *request.Request
	read   *request.Request
	info   CompressionInfo
	input  []byte
	output []byte
	offset int64
	err    error
}

var _ Stage = (*fullFileDecompressor)(nil)

func newFullFileDecompressor(s *Stack) *fullFileDecompressor {
	o := s.opts
	d := &fullFileDecompressor{
		logger:    o.Logger,
		jobs:      o.DecompressionJobThreads,
		readAhead: o.DecompressionReadAhead,
		sema:      fifo.NewSemaphore(int64(o.DecompressionJobThreads)),
		queue:     fifo.MakeQueue(&decompressorQueueBackingPool),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.register(s, d)
	return d
}

// Name implements Stage.
func (d *fullFileDecompressor) Name() string { return "full-file-decompressor" }

// Describe implements Stage.
func (d *fullFileDecompressor) Describe() string {
	return fmt.Sprintf("%s: jobs=%d read-ahead=%d", d.Name(), d.jobs, d.readAhead)
}

// QueueRequest implements Stage.
func (d *fullFileDecompressor) QueueRequest(p *request.Processing, r *request.Request) {
	if r.Operation() != request.OpRead || r.Read().Compression == nil {
		d.forward(p, r)
		return
	}
	d.queue.PushBack(r)
	d.metrics.queued.Add(1)
}

// ExecuteRequests implements Stage. It completes finished decompression jobs
// and starts payload reads for queued requests while below the read-ahead
// limit.
func (d *fullFileDecompressor) ExecuteRequests(p *request.Processing) bool {
	progress := false
	if d.running > 0 {
		d.mu.Lock()
		finished := d.mu.finished
		d.mu.finished = nil
		d.mu.Unlock()
		for _, j := range finished {
			d.running--
			if j.err == nil {
				rd := j.read.Read()
				rd.BytesRead = int64(len(rd.Output))
				d.metrics.decompressed.Inc(uint64(len(rd.Output)))
			} else {
				d.metrics.failures.Add(1)
				d.logger.Errorf("streamer: decompressing %s: %v", j.read, j.err)
			}
			p.Complete(j.job, j.err)
			progress = true
		}
	}

	for d.reading+d.running < d.readAhead && d.queue.Len() > 0 {
		r := *d.queue.PeekFront()
		d.queue.PopFront()
		d.metrics.queued.Add(-1)
		progress = true
		if completeIfCanceled(p, r) {
			d.metrics.canceled.Add(1)
			continue
		}
		rd := r.Read()
		info := *rd.Compression
		err := validateCompressionInfo(info)
		if err == nil && (rd.Offset < 0 || rd.Offset+int64(len(rd.Output)) > info.UncompressedSize) {
			err = errors.Errorf("range [%d, %d) outside of uncompressed payload %s",
				errors.Safe(rd.Offset), errors.Safe(rd.Offset+int64(len(rd.Output))), info)
		}
		if err != nil {
			d.metrics.failures.Add(1)
			p.Complete(r, err)
			continue
		}
		rd.BytesRead = 0
		c := p.Acquire()
		c.CreateRead(r, rd.Path, make([]byte, info.CompressedSize), info.CompressedOffset)
		c.SetOwner(d.id)
		c.SetStatus(request.Scheduled)
		d.reading++
		d.forward(p, c)
	}
	return progress
}

// FinalizeRequest implements request.Owner. When the payload read of a
// compressed request completes, it starts the decompression job.
func (d *fullFileDecompressor) FinalizeRequest(p *request.Processing, c *request.Request) {
	if c.Operation() == request.OpCustom {
		return
	}
	d.reading--
	r := p.Resolve(c.Parent())
	if c.Status() != request.Completed {
		return
	}
	if p.IsCanceled(r) {
		d.metrics.canceled.Add(1)
		return
	}
	cd, rd := c.Read(), r.Read()
	d.metrics.payloads.Inc(uint64(cd.BytesRead))
	j := &decompressJob{
		read:   r,
		info:   *rd.Compression,
		input:  cd.Output[:cd.BytesRead],
		output: rd.Output,
		offset: rd.Offset,
	}
	j.job = p.Acquire()
	j.job.CreateCustom(r, j)
	j.job.SetOwner(d.id)
	j.job.SetStatus(request.Scheduled)
	d.running++
	d.wg.Add(1)
	ctx := d.stack.ctx
	go func() {
		defer d.wg.Done()
		if j.err = d.sema.Acquire(d.ctx, 1); j.err == nil {
			j.err = decompressPayload(j.info, j.input, j.output, j.offset)
			d.sema.Release(1)
		}
		d.mu.Lock()
		d.mu.finished = append(d.mu.finished, j)
		d.mu.Unlock()
		ctx.WakeProcessingThread()
	}()
}

// UpdateMetrics implements Stage.
func (d *fullFileDecompressor) UpdateMetrics(m *Metrics) {
	m.Decompressor.Payloads = d.metrics.payloads.Load()
	m.Decompressor.Decompressed = d.metrics.decompressed.Load()
	m.Decompressor.Queued = d.metrics.queued.Load()
	m.Decompressor.Failures = d.metrics.failures.Load()
	m.Decompressor.Canceled = d.metrics.canceled.Load()
}

// Close implements Stage.
func (d *fullFileDecompressor) Close() error {
	d.cancel()
	d.wg.Wait()
	if n := d.queue.Len(); n > 0 {
		return errors.AssertionFailedf("decompressor closed with %d queued requests", errors.Safe(n))
	}
	return nil
}
