// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package streamer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/crlib/fifo"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/streamer/metrics"
	"github.com/cockroachdb/streamer/remote"
	"github.com/cockroachdb/streamer/request"
)

// vfsSlot is the virtual file system stage. When a remote store is
// configured, requests for paths under the remote prefix are served from it
// on background goroutines; everything else is forwarded unchanged. The stage
// is only part of non-final builds.
type vfsSlot struct {
	stageBase

	remote remote.Storage
	prefix string
	logger Logger
	sema   *fifo.Semaphore

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu struct {
		sync.Mutex
		finished []remoteResult
	}
	// inFlight is only accessed by the processing goroutine.
	inFlight int

	metrics struct {
		reads    metrics.AtomicCountAndSize
		opens    atomic.Int64
		failures atomic.Int64
	}
}

type remoteResult struct {
	r   *request.Request
	n   int64
	err error
}

var _ Stage = (*vfsSlot)(nil)

func newVFSSlot(s *Stack) *vfsSlot {
	o := s.opts
	v := &vfsSlot{
		remote: o.Remote,
		prefix: o.RemotePrefix,
		logger: o.Logger,
		sema:   fifo.NewSemaphore(int64(o.RemoteReadConcurrency)),
	}
	v.ctx, v.cancel = context.WithCancel(context.Background())
	v.register(s, v)
	return v
}

// Name implements Stage.
func (v *vfsSlot) Name() string { return "vfs-slot" }

// Describe implements Stage.
func (v *vfsSlot) Describe() string {
	if v.remote == nil {
		return fmt.Sprintf("%s: passthrough", v.Name())
	}
	return fmt.Sprintf("%s: remote prefix=%q concurrency=%d",
		v.Name(), v.prefix, v.stack.opts.RemoteReadConcurrency)
}

func (v *vfsSlot) objectName(path string) (string, bool) {
	if v.remote == nil || !strings.HasPrefix(path, v.prefix) {
		return "", false
	}
	return strings.TrimLeft(strings.TrimPrefix(path, v.prefix), "/"), true
}

// QueueRequest implements Stage.
func (v *vfsSlot) QueueRequest(p *request.Processing, r *request.Request) {
	obj, ok := v.objectName(r.Path())
	if op := r.Operation(); !ok || op == request.OpRequestLink || op == request.OpCustom {
		v.forward(p, r)
		return
	}
	if completeIfCanceled(p, r) {
		return
	}
	switch r.Operation() {
	case request.OpOpen:
		v.metrics.opens.Add(1)
		v.spawn(r, func(context.Context) (int64, error) {
			_, err := v.remote.Size(obj)
			return 0, err
		})
	case request.OpClose:
		p.Complete(r, nil)
	case request.OpRead:
		rd := r.Read()
		if rd.Compression != nil {
			v.forward(p, r)
			return
		}
		out, off, minSize := rd.Output, rd.Offset, rd.MinSize
		v.spawn(r, func(ctx context.Context) (int64, error) {
			return v.read(ctx, obj, out, off, minSize)
		})
	default:
		v.metrics.failures.Add(1)
		p.Complete(r, errors.Wrapf(ErrUnsupported, "remote %s request", r.Operation()))
	}
}

// spawn runs fn on a background goroutine once a concurrency slot is
// available, and hands its result back to the processing goroutine.
func (v *vfsSlot) spawn(r *request.Request, fn func(ctx context.Context) (int64, error)) {
	v.inFlight++
	v.wg.Add(1)
	c := v.stack.ctx
	go func() {
		defer v.wg.Done()
		res := remoteResult{r: r}
		if res.err = v.sema.Acquire(v.ctx, 1); res.err == nil {
			res.n, res.err = fn(v.ctx)
			v.sema.Release(1)
		}
		v.mu.Lock()
		v.mu.finished = append(v.mu.finished, res)
		v.mu.Unlock()
		c.WakeProcessingThread()
	}()
}

func (v *vfsSlot) read(
	ctx context.Context, obj string, out []byte, off, minSize int64,
) (int64, error) {
	reader, size, err := v.remote.ReadObject(ctx, obj)
	if err != nil {
		return 0, errors.Wrapf(err, "reading remote object %s", obj)
	}
	defer func() { _ = reader.Close() }()
	n := max(0, min(int64(len(out)), size-off))
	if n < minSize {
		return 0, errors.Wrapf(ErrShortRead, "remote object %s: %d of %d bytes available at offset %d",
			obj, errors.Safe(n), errors.Safe(minSize), errors.Safe(off))
	}
	if n > 0 {
		if err := reader.ReadAt(ctx, out[:n], off); err != nil {
			return 0, errors.Wrapf(err, "reading remote object %s", obj)
		}
	}
	v.metrics.reads.Inc(uint64(n))
	return n, nil
}

// ExecuteRequests implements Stage. It completes the requests whose remote
// operation finished.
func (v *vfsSlot) ExecuteRequests(p *request.Processing) bool {
	if v.inFlight == 0 {
		return false
	}
	v.mu.Lock()
	finished := v.mu.finished
	v.mu.finished = nil
	v.mu.Unlock()
	for _, res := range finished {
		v.inFlight--
		if res.r.Operation() == request.OpRead {
			res.r.Read().BytesRead = res.n
		}
		if res.err != nil {
			v.metrics.failures.Add(1)
			v.logger.Errorf("streamer: %s: %v", res.r, res.err)
		}
		p.Complete(res.r, res.err)
	}
	return len(finished) > 0
}

// UpdateMetrics implements Stage.
func (v *vfsSlot) UpdateMetrics(m *Metrics) {
	m.Remote.Reads = v.metrics.reads.Load()
	m.Remote.Opens = v.metrics.opens.Load()
	m.Remote.Failures = v.metrics.failures.Load()
}

// Close implements Stage. The remote store itself is owned by the caller.
func (v *vfsSlot) Close() error {
	v.cancel()
	v.wg.Wait()
	if v.inFlight > 0 {
		return errors.AssertionFailedf("vfs slot closed with %d remote operations in flight",
			errors.Safe(v.inFlight))
	}
	return nil
}
