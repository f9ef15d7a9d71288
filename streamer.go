// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package streamer implements an asynchronous streaming I/O pipeline: a stack
// of independently configured stages that turns application read and write
// requests into scheduled, cached, split and decompressed file operations.
//
// From the top, the stack consists of the full file decompressor, the
// dedicated cache, the block cache, the virtual file system slot, the read
// splitter and the raw drive. Stages that are disabled by the Options are not
// part of the stack.
//
// All stages run on a single processing goroutine; parallelism comes from the
// decompression jobs and the remote store. Applications acquire requests with
// NewRequest, configure them, and Submit them; completion is reported through
// the request's callback, on the processing goroutine.
package streamer // import "github.com/cockroachdb/streamer"

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/streamer/internal/base"
	"github.com/cockroachdb/streamer/request"
)

// ErrClosed is returned when a request is submitted to a closed Streamer.
var ErrClosed = errors.New("streamer: closed")

// ErrCanceled is returned by the blocking helpers for requests that were
// canceled.
var ErrCanceled = errors.New("streamer: request canceled")

// Streamer owns a stack of stages and the goroutine that processes it.
type Streamer struct {
	opts  Options
	rctx  *request.Context
	stack *Stack
	// frontend finalizes external requests.
	frontend request.OwnerID

	mu struct {
		sync.Mutex
		closed    bool
		submitted []*request.Request
		canceled  []request.Handle
	}
	// inFlight is the number of submitted external requests whose callback
	// did not run yet.
	inFlight atomic.Int64
	done     chan struct{}

	metrics struct {
		submitted atomic.Int64
		completed atomic.Int64
		canceled  atomic.Int64
		failed    atomic.Int64
		links     atomic.Int64
	}
}

// Open builds the stack described by opts and starts the processing
// goroutine. opts may be nil. An unknown configuration value is a fatal
// assertion.
func Open(opts *Options) (*Streamer, error) {
	opts = opts.Clone()
	opts.EnsureDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	s := &Streamer{
		opts: *opts,
		rctx: request.NewContext(opts.RequestPoolBatchSize),
		done: make(chan struct{}),
	}
	s.frontend = s.rctx.RegisterOwner(frontend{s: s})
	s.stack = newStack(s.rctx, &s.opts)
	go s.run(s.rctx.Processing())
	return s, nil
}

// frontend is the owner of external requests.
type frontend struct {
	s *Streamer
}

// FinalizeRequest implements request.Owner. RequestLink requests are
// completed by the processing loop after the drain.
func (f frontend) FinalizeRequest(_ *request.Processing, r *request.Request) {
	if r.Operation() == request.OpRequestLink {
		return
	}
	f.s.finish(r)
}

// finish records the outcome of an external request and hands it back to the
// application. r must not be accessed afterwards.
func (s *Streamer) finish(r *request.Request) {
	switch r.Status() {
	case request.Completed:
		s.metrics.completed.Add(1)
	case request.Canceled:
		s.metrics.canceled.Add(1)
	case request.Failed:
		s.metrics.failed.Add(1)
	}
	if fn := r.Callback(); fn != nil {
		fn(r)
	}
	s.inFlight.Add(-1)
}

// NewRequest returns a request for the application to configure and submit.
// Safe to call from any goroutine.
func (s *Streamer) NewRequest() *request.Request {
	return s.rctx.Acquire()
}

// Release returns a request to the pool. The request must have completed, or
// never been submitted.
func (s *Streamer) Release(r *request.Request) {
	s.rctx.Recycle(r)
}

// Submit hands a configured request to the top of the stack. It returns
// immediately; the request's callback runs on the processing goroutine once
// the request completes. Until then the application must not access the
// request.
func (s *Streamer) Submit(r *request.Request) error {
	if r.Usage() != request.External {
		panic(errors.AssertionFailedf("submitting an internal request"))
	}
	if r.Status() != request.Pending || r.Operation() == request.OpNone {
		panic(errors.AssertionFailedf("submitting request %s", r))
	}
	if r.Parent().IsValid() {
		panic(errors.AssertionFailedf("submitting request %s with a parent", r))
	}
	r.SetOwner(s.frontend)
	s.mu.Lock()
	if s.mu.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.inFlight.Add(1)
	s.mu.submitted = append(s.mu.submitted, r)
	s.mu.Unlock()
	s.metrics.submitted.Add(1)
	s.rctx.WakeProcessingThread()
	return nil
}

// Cancel asks the stack to cancel a submitted request. Cancellation is
// cooperative: work already handed to the drive or to a decompression job
// finishes, work not yet started is skipped. The request completes with the
// Canceled status unless it completed first. Canceling a request that already
// completed is a no-op.
func (s *Streamer) Cancel(r *request.Request) {
	h := r.Handle()
	s.mu.Lock()
	s.mu.canceled = append(s.mu.canceled, h)
	s.mu.Unlock()
	s.rctx.WakeProcessingThread()
}

// Metrics returns a snapshot of the metrics. Safe to call from any goroutine.
func (s *Streamer) Metrics() *Metrics {
	m := &Metrics{}
	m.Requests.Submitted = s.metrics.submitted.Load()
	m.Requests.Completed = s.metrics.completed.Load()
	m.Requests.Canceled = s.metrics.canceled.Load()
	m.Requests.Failed = s.metrics.failed.Load()
	m.Requests.InFlight = s.inFlight.Load()
	m.Requests.Links = s.metrics.links.Load()
	m.Pool = s.rctx.Stats()
	s.stack.updateMetrics(m)
	return m
}

// Stack returns the assembled stack.
func (s *Streamer) Stack() *Stack {
	return s.stack
}

// Options returns the resolved options.
func (s *Streamer) Options() *Options {
	return &s.opts
}

// Close waits for the submitted requests to complete, stops the processing
// goroutine and tears the stack down in reverse build order.
func (s *Streamer) Close() error {
	s.mu.Lock()
	if s.mu.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.closed = true
	s.mu.Unlock()
	s.rctx.WakeProcessingThread()
	<-s.done
	return s.stack.close()
}

// run is the processing loop. Each iteration accepts submissions, applies
// cancellations, lets every stage execute and drains the completion queue. It
// sleeps when an iteration made no progress.
func (s *Streamer) run(p *request.Processing) {
	defer close(s.done)
	var submitted []*request.Request
	var canceled []request.Handle
	for {
		s.mu.Lock()
		submitted, s.mu.submitted = s.mu.submitted, submitted[:0]
		canceled, s.mu.canceled = s.mu.canceled, canceled[:0]
		closed := s.mu.closed
		s.mu.Unlock()

		progress := len(submitted) > 0 || len(canceled) > 0
		top := s.stack.top()
		for i, r := range submitted {
			r.SetStatus(request.Scheduled)
			top.QueueRequest(p, r)
			submitted[i] = nil
		}
		for _, h := range canceled {
			p.Cancel(h)
		}

		if s.stack.executeRequests(p) {
			progress = true
		}
		worked, links := p.DrainCompletions()
		if worked {
			progress = true
		}
		for _, l := range links {
			s.handleLink(p, l)
		}

		if closed && s.inFlight.Load() == 0 {
			return
		}
		if !progress {
			p.Wait()
		}
	}
}

// handleLink hands a completed RequestLink request to the legacy handler.
func (s *Streamer) handleLink(p *request.Processing, l *request.Request) {
	s.metrics.links.Add(1)
	if s.opts.LegacyHandler != nil {
		s.opts.LegacyHandler(l)
	}
	if l.Usage() == request.Internal {
		p.Recycle(l)
		return
	}
	s.finish(l)
}

// ReadFile reads len(buf) bytes of the file at path, starting at offset, and
// blocks until the read completed. If ctx is canceled first, the read is
// canceled.
func (s *Streamer) ReadFile(ctx context.Context, path string, offset int64, buf []byte) (int, error) {
	r := s.NewRequest()
	r.CreateRead(nil, path, buf, offset)
	return s.wait(ctx, r)
}

// ReadCompressed reads the uncompressed bytes [offset, offset+len(buf)) of the
// compressed payload described by info and blocks until they are available.
func (s *Streamer) ReadCompressed(
	ctx context.Context, path string, info CompressionInfo, offset int64, buf []byte,
) (int, error) {
	r := s.NewRequest()
	r.CreateCompressedRead(nil, path, info, buf, offset)
	return s.wait(ctx, r)
}

// ReadCompressionInfo reads and decodes the footer of a compressed container
// file.
func (s *Streamer) ReadCompressionInfo(ctx context.Context, path string) (CompressionInfo, error) {
	size, err := s.FileSize(path)
	if err != nil {
		return CompressionInfo{}, err
	}
	if size < CompressionFooterSize {
		return CompressionInfo{}, base.CorruptionErrorf("%s: %d bytes is too short for a compressed file",
			path, errors.Safe(size))
	}
	var footer [CompressionFooterSize]byte
	if _, err := s.ReadFile(ctx, path, size-CompressionFooterSize, footer[:]); err != nil {
		return CompressionInfo{}, err
	}
	info, err := ParseCompressionFooter(footer[:], size)
	if err != nil {
		return CompressionInfo{}, errors.Wrapf(err, "%s", path)
	}
	return info, nil
}

// FileSize returns the size of the file at path. Paths under the remote
// prefix are sized by the remote store.
func (s *Streamer) FileSize(path string) (int64, error) {
	if v, ok := findStage[*vfsSlot](s.stack); ok {
		if obj, ok := v.objectName(path); ok {
			return v.remote.Size(obj)
		}
	}
	info, err := s.opts.FS.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// WriteFile writes data to the file at path, starting at offset, and blocks
// until the write completed.
func (s *Streamer) WriteFile(ctx context.Context, path string, offset int64, data []byte) (int, error) {
	r := s.NewRequest()
	r.CreateWrite(nil, path, data, offset)
	return s.wait(ctx, r)
}

func (s *Streamer) wait(ctx context.Context, r *request.Request) (int, error) {
	done := make(chan struct{})
	r.SetCallback(func(*request.Request) { close(done) })
	if err := s.Submit(r); err != nil {
		s.Release(r)
		return 0, err
	}
	select {
	case <-done:
	case <-ctx.Done():
		s.Cancel(r)
		<-done
	}
	defer s.Release(r)

	var n int64
	switch r.Operation() {
	case request.OpRead:
		n = r.Read().BytesRead
	case request.OpWrite:
		n = r.Write().BytesWritten
	}
	switch r.Status() {
	case request.Failed:
		return int(n), r.Err()
	case request.Canceled:
		if err := ctx.Err(); err != nil {
			return int(n), errors.Mark(err, ErrCanceled)
		}
		return int(n), ErrCanceled
	}
	return int(n), nil
}
