// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package streamer

import (
	"bytes"
	"context"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/cockroachdb/crlib/testutils/leaktest"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/streamer/internal/invariants"
	"github.com/cockroachdb/streamer/request"
	"github.com/cockroachdb/streamer/vfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// openTestStreamer opens a Streamer over an in-memory file system unless opts
// specifies one.
func openTestStreamer(t *testing.T, opts *Options) *Streamer {
	t.Helper()
	if opts.FS == nil {
		opts.FS = vfs.NewMem()
	}
	if opts.Logger == nil {
		opts.Logger = NoopLogger
	}
	s, err := Open(opts)
	require.NoError(t, err)
	return s
}

func randomBytes(seed uint64, n int) []byte {
	rng := rand.New(rand.NewPCG(seed, seed))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rng.Uint32())
	}
	return b
}

func writeTestFile(t *testing.T, s *Streamer, name string, data []byte) {
	t.Helper()
	require.NoError(t, vfs.WriteFile(s.Options().FS, name, data))
}

// submitAndWait submits r and blocks until its callback ran.
func submitAndWait(t *testing.T, s *Streamer, r *request.Request) {
	t.Helper()
	done := make(chan struct{})
	r.SetCallback(func(*request.Request) { close(done) })
	require.NoError(t, s.Submit(r))
	<-done
}

func TestReadThroughStack(t *testing.T) {
	defer leaktest.AfterTest(t)()

	s := openTestStreamer(t, &Options{})
	defer func() { require.NoError(t, s.Close()) }()

	data := randomBytes(1, 10<<20)
	writeTestFile(t, s, "data.bin", data)

	ctx := context.Background()
	buf := make([]byte, len(data))
	n, err := s.ReadFile(ctx, "data.bin", 0, buf)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.True(t, bytes.Equal(data, buf))

	// All 160 blocks were missing: the block cache forwarded one aligned
	// 10MiB read, which the splitter turned into ten 1MiB reads.
	m := s.Metrics()
	require.EqualValues(t, 1, m.BlockCache.ChildReads.Count)
	require.EqualValues(t, 10<<20, m.BlockCache.ChildReads.Bytes)
	require.EqualValues(t, 1, m.ReadSplitter.Parents)
	require.EqualValues(t, 10, m.ReadSplitter.Children)
	require.EqualValues(t, 10, m.RawDrive.Reads.Count)
	require.EqualValues(t, 10<<20, m.RawDrive.Reads.Bytes)
	require.EqualValues(t, 160, m.BlockCache.Inserts)
	require.EqualValues(t, 160, m.BlockCache.Count)

	// The second read is served from the cache.
	clear(buf)
	n, err = s.ReadFile(ctx, "data.bin", 0, buf)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.True(t, bytes.Equal(data, buf))
	m = s.Metrics()
	require.EqualValues(t, 10, m.RawDrive.Reads.Count)
	require.EqualValues(t, 1, m.BlockCache.FullHits)
	require.EqualValues(t, 160, m.BlockCache.Hits)
	require.EqualValues(t, 2, m.Requests.Completed)
	require.EqualValues(t, 0, m.Requests.InFlight)
}

func TestReadPartialHits(t *testing.T) {
	defer leaktest.AfterTest(t)()

	s := openTestStreamer(t, &Options{BlockCache: BlockCacheSmallBlocks, BlockCacheSizeMiB: 1})
	defer func() { require.NoError(t, s.Close()) }()

	data := randomBytes(2, 64<<10)
	writeTestFile(t, s, "f", data)
	ctx := context.Background()

	// Cache blocks 2 and 3, then read an unaligned range around them.
	_, err := s.ReadFile(ctx, "f", 8<<10, make([]byte, 8<<10))
	require.NoError(t, err)
	reads := s.Metrics().RawDrive.Reads.Count

	buf := make([]byte, 20<<10)
	n, err := s.ReadFile(ctx, "f", 5000, buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, data[5000:5000+len(buf)], buf)

	// Blocks 1 and 4-6 were missing: two child reads.
	m := s.Metrics()
	require.EqualValues(t, reads+2, m.RawDrive.Reads.Count)
	require.EqualValues(t, 3, m.BlockCache.ChildReads.Count)

	// Everything in [4KiB, 28KiB) is now cached.
	buf = make([]byte, 24<<10)
	_, err = s.ReadFile(ctx, "f", 4<<10, buf)
	require.NoError(t, err)
	require.Equal(t, data[4<<10:28<<10], buf)
	require.EqualValues(t, reads+2, s.Metrics().RawDrive.Reads.Count)
	require.EqualValues(t, 1, s.Metrics().BlockCache.FullHits)
}

func TestReadPastEndOfFile(t *testing.T) {
	defer leaktest.AfterTest(t)()

	s := openTestStreamer(t, &Options{})
	defer func() { require.NoError(t, s.Close()) }()

	data := randomBytes(3, 100<<10)
	writeTestFile(t, s, "short", data)
	ctx := context.Background()

	_, err := s.ReadFile(ctx, "short", 0, make([]byte, 128<<10))
	require.True(t, errors.Is(err, ErrShortRead), "%v", err)
	require.EqualValues(t, 1, s.Metrics().Requests.Failed)

	// With a zero minimum size, the read returns what is there and caches the
	// last, partial block.
	r := s.NewRequest()
	buf := make([]byte, 128<<10)
	rd := r.CreateRead(nil, "short", buf, 0)
	rd.MinSize = 0
	submitAndWait(t, s, r)
	require.Equal(t, request.Completed, r.Status())
	require.EqualValues(t, len(data), rd.BytesRead)
	require.Equal(t, data, buf[:len(data)])
	s.Release(r)

	reads := s.Metrics().RawDrive.Reads.Count
	r = s.NewRequest()
	rd = r.CreateRead(nil, "short", make([]byte, 64<<10), 64<<10)
	rd.MinSize = 0
	submitAndWait(t, s, r)
	require.Equal(t, request.Completed, r.Status())
	require.EqualValues(t, len(data)-64<<10, rd.BytesRead)
	require.Equal(t, data[64<<10:], rd.Output[:rd.BytesRead])
	s.Release(r)

	// The cached epilog block alone tells the cache that a full read of the
	// second block is short.
	_, err = s.ReadFile(ctx, "short", 64<<10, make([]byte, 64<<10))
	require.True(t, errors.Is(err, ErrShortRead), "%v", err)
	require.Equal(t, reads, s.Metrics().RawDrive.Reads.Count)
}

func TestOnlyEpilogWrites(t *testing.T) {
	defer leaktest.AfterTest(t)()

	s := openTestStreamer(t, &Options{
		BlockCache:       BlockCacheSmallBlocks,
		OnlyEpilogWrites: true,
	})
	defer func() { require.NoError(t, s.Close()) }()

	data := randomBytes(4, 10000)
	writeTestFile(t, s, "f", data)
	ctx := context.Background()

	// The read does not reach the end of the file: nothing is cached.
	_, err := s.ReadFile(ctx, "f", 0, make([]byte, 4096))
	require.NoError(t, err)
	require.EqualValues(t, 0, s.Metrics().BlockCache.Inserts)

	r := s.NewRequest()
	rd := r.CreateRead(nil, "f", make([]byte, 12<<10), 0)
	rd.MinSize = 0
	submitAndWait(t, s, r)
	require.Equal(t, request.Completed, r.Status())
	require.EqualValues(t, len(data), rd.BytesRead)
	s.Release(r)
	require.EqualValues(t, 1, s.Metrics().BlockCache.Inserts)

	reads := s.Metrics().RawDrive.Reads.Count
	buf := make([]byte, 10000-8192)
	_, err = s.ReadFile(ctx, "f", 8192, buf)
	require.NoError(t, err)
	require.Equal(t, data[8192:], buf)
	require.Equal(t, reads, s.Metrics().RawDrive.Reads.Count)
}

func TestWriteInvalidatesCache(t *testing.T) {
	defer leaktest.AfterTest(t)()

	s := openTestStreamer(t, &Options{BlockCache: BlockCacheSmallBlocks})
	defer func() { require.NoError(t, s.Close()) }()

	data := randomBytes(5, 16<<10)
	writeTestFile(t, s, "f", data)
	ctx := context.Background()

	buf := make([]byte, len(data))
	_, err := s.ReadFile(ctx, "f", 0, buf)
	require.NoError(t, err)

	patch := bytes.Repeat([]byte{0xab}, 100)
	n, err := s.WriteFile(ctx, "f", 5000, patch)
	require.NoError(t, err)
	require.Equal(t, len(patch), n)
	copy(data[5000:], patch)

	_, err = s.ReadFile(ctx, "f", 0, buf)
	require.NoError(t, err)
	require.Equal(t, data, buf)
	m := s.Metrics()
	require.EqualValues(t, 1, m.BlockCache.Invalidated)
	require.EqualValues(t, 1, m.RawDrive.Writes.Count)
	require.EqualValues(t, 100, m.RawDrive.Writes.Bytes)
}

func TestWriteDuringCacheFill(t *testing.T) {
	defer leaktest.AfterTest(t)()

	s := openTestStreamer(t, &Options{BlockCache: BlockCacheSmallBlocks})
	defer func() { require.NoError(t, s.Close()) }()
	writeTestFile(t, s, "f", make([]byte, 4096))

	// Hold the processing goroutine in a callback so that the read and the
	// write are queued in the same iteration: the cache fill of the read
	// reaches the drive ahead of the write.
	held, hold := make(chan struct{}), make(chan struct{})
	open := s.NewRequest()
	open.CreateOpen(nil, "f")
	open.SetCallback(func(*request.Request) {
		close(held)
		<-hold
	})
	require.NoError(t, s.Submit(open))
	<-held

	patch := bytes.Repeat([]byte{0xab}, 4096)
	var wg sync.WaitGroup
	rd := s.NewRequest()
	rd.CreateRead(nil, "f", make([]byte, 4096), 0)
	wr := s.NewRequest()
	wr.CreateWrite(nil, "f", patch, 0)
	for _, r := range []*request.Request{rd, wr} {
		wg.Add(1)
		r.SetCallback(func(*request.Request) { wg.Done() })
		require.NoError(t, s.Submit(r))
	}
	close(hold)
	wg.Wait()
	require.Equal(t, request.Completed, rd.Status())
	require.Equal(t, request.Completed, wr.Status())
	require.EqualValues(t, len(patch), wr.Write().BytesWritten)
	for _, r := range []*request.Request{open, rd, wr} {
		s.Release(r)
	}

	// The fill read the old contents and was not inserted.
	require.EqualValues(t, 1, s.Metrics().BlockCache.StaleFills)
	buf := make([]byte, 4096)
	_, err := s.ReadFile(context.Background(), "f", 0, buf)
	require.NoError(t, err)
	require.Equal(t, patch, buf)
	_, err = s.ReadFile(context.Background(), "f", 0, buf)
	require.NoError(t, err)
	require.Equal(t, patch, buf)
}

func TestDedicatedCachePartitioning(t *testing.T) {
	defer leaktest.AfterTest(t)()

	s := openTestStreamer(t, &Options{
		BlockCache:            BlockCacheDisabled,
		DedicatedCache:        BlockCacheSmallBlocks,
		DedicatedCacheSizeMiB: 1,
	})
	defer func() { require.NoError(t, s.Close()) }()
	dc, ok := findStage[*dedicatedCache](s.Stack())
	require.True(t, ok)
	require.Equal(t, 256, dc.cache.NumSlots())

	a, b := randomBytes(6, 1<<20), randomBytes(7, 64<<10)
	writeTestFile(t, s, "a", a)
	writeTestFile(t, s, "b", b)
	ctx := context.Background()

	// Files that were not opened are not cached.
	_, err := s.ReadFile(ctx, "a", 0, make([]byte, 4096))
	require.NoError(t, err)
	require.EqualValues(t, 0, s.Metrics().DedicatedCache.Inserts)

	open := func(path string) {
		r := s.NewRequest()
		r.CreateOpen(nil, path)
		submitAndWait(t, s, r)
		require.Equal(t, request.Completed, r.Status())
		s.Release(r)
	}
	closeFile := func(path string) {
		r := s.NewRequest()
		r.CreateClose(nil, path)
		submitAndWait(t, s, r)
		require.Equal(t, request.Completed, r.Status())
		s.Release(r)
	}

	open("a")
	require.EqualValues(t, 256, s.Metrics().DedicatedCache.Quota)
	open("b")
	m := s.Metrics()
	require.EqualValues(t, 2, m.DedicatedCache.OpenFiles)
	require.EqualValues(t, 128, m.DedicatedCache.Quota)

	buf := make([]byte, len(b))
	_, err = s.ReadFile(ctx, "b", 0, buf)
	require.NoError(t, err)
	require.Equal(t, b, buf)
	buf = make([]byte, len(a))
	_, err = s.ReadFile(ctx, "a", 0, buf)
	require.NoError(t, err)
	require.Equal(t, a, buf)

	// a is limited to its share and did not evict b's blocks.
	require.Equal(t, 128, dc.cache.FileBlocks("a"))
	require.Equal(t, 16, dc.cache.FileBlocks("b"))

	closeFile("a")
	m = s.Metrics()
	require.EqualValues(t, 1, m.DedicatedCache.OpenFiles)
	require.EqualValues(t, 256, m.DedicatedCache.Quota)
	require.Equal(t, 0, dc.cache.FileBlocks("a"))
	closeFile("b")
}

func TestCancel(t *testing.T) {
	defer leaktest.AfterTest(t)()

	// The first read empties the token bucket; the next one would wait a
	// second.
	s := openTestStreamer(t, &Options{
		BlockCache:      BlockCacheDisabled,
		ReadSplitter:    ReadSplitterDisabled,
		ReadBytesPerSec: 4096,
	})
	defer func() { require.NoError(t, s.Close()) }()
	writeTestFile(t, s, "f", randomBytes(8, 8192))

	_, err := s.ReadFile(context.Background(), "f", 0, make([]byte, 4096))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.ReadFile(ctx, "f", 4096, make([]byte, 4096))
	require.True(t, errors.Is(err, ErrCanceled), "%v", err)
	require.True(t, errors.Is(err, context.Canceled), "%v", err)

	m := s.Metrics()
	require.EqualValues(t, 1, m.Requests.Canceled)
	require.EqualValues(t, 1, m.RawDrive.Canceled)
	require.EqualValues(t, 1, m.RawDrive.Reads.Count)

	// Canceling a completed request is a no-op.
	r := s.NewRequest()
	r.CreateRead(nil, "f", make([]byte, 10), 0)
	submitAndWait(t, s, r)
	s.Cancel(r)
	_, err = s.ReadFile(context.Background(), "f", 0, make([]byte, 1))
	require.NoError(t, err)
	require.Equal(t, request.Completed, r.Status())
	require.EqualValues(t, 1, s.Metrics().Requests.Canceled)
	s.Release(r)
}

func TestRequestLink(t *testing.T) {
	defer leaktest.AfterTest(t)()

	var mu sync.Mutex
	var links []any
	s := openTestStreamer(t, &Options{
		LegacyHandler: func(l *request.Request) {
			mu.Lock()
			defer mu.Unlock()
			links = append(links, l.Link())
		},
	})
	defer func() { require.NoError(t, s.Close()) }()

	r := s.NewRequest()
	r.CreateRequestLink(nil, "legacy-op")
	submitAndWait(t, s, r)
	require.Equal(t, request.Completed, r.Status())
	s.Release(r)

	mu.Lock()
	require.Equal(t, []any{"legacy-op"}, links)
	mu.Unlock()
	require.EqualValues(t, 1, s.Metrics().Requests.Links)
}

func TestUnsupportedRequest(t *testing.T) {
	defer leaktest.AfterTest(t)()

	s := openTestStreamer(t, &Options{})
	defer func() { require.NoError(t, s.Close()) }()

	r := s.NewRequest()
	r.CreateCustom(nil, "payload")
	submitAndWait(t, s, r)
	require.Equal(t, request.Failed, r.Status())
	require.True(t, errors.Is(r.Err(), ErrUnsupported), "%v", r.Err())
	s.Release(r)
}

func TestSubmitValidation(t *testing.T) {
	defer leaktest.AfterTest(t)()

	s := openTestStreamer(t, &Options{})
	r := s.NewRequest()
	require.Panics(t, func() { _ = s.Submit(r) })
	r.CreateOpen(nil, "f")
	r.SetStatus(request.Scheduled)
	require.Panics(t, func() { _ = s.Submit(r) })

	require.NoError(t, s.Close())
	r = s.NewRequest()
	r.CreateOpen(nil, "f")
	require.True(t, errors.Is(s.Submit(r), ErrClosed))
	require.True(t, errors.Is(s.Close(), ErrClosed))
	_, err := s.ReadFile(context.Background(), "f", 0, make([]byte, 1))
	require.True(t, errors.Is(err, ErrClosed))
}

func TestCloseWaitsForRequests(t *testing.T) {
	defer leaktest.AfterTest(t)()

	s := openTestStreamer(t, &Options{})
	writeTestFile(t, s, "f", randomBytes(9, 1<<20))

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	completed := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		r := s.NewRequest()
		r.CreateRead(nil, "f", make([]byte, 32<<10), int64(i)*(32<<10))
		r.SetCallback(func(r *request.Request) {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			if r.Status() == request.Completed {
				completed++
			}
		})
		require.NoError(t, s.Submit(r))
	}
	require.NoError(t, s.Close())
	wg.Wait()
	require.Equal(t, n, completed)
	require.EqualValues(t, 0, s.Metrics().Requests.InFlight)
}

func TestConcurrentReaders(t *testing.T) {
	defer leaktest.AfterTest(t)()

	s := openTestStreamer(t, &Options{BlockCache: BlockCacheSmallBlocks, BlockCacheSizeMiB: 1})
	defer func() { require.NoError(t, s.Close()) }()
	data := randomBytes(10, 4<<20)
	writeTestFile(t, s, "f", data)

	readsPerGoroutine := 50
	if invariants.RaceEnabled {
		readsPerGoroutine = 10
	}
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(seed, seed))
			for i := 0; i < readsPerGoroutine; i++ {
				off := rng.IntN(len(data) - 1)
				size := 1 + rng.IntN(min(len(data)-off, 300<<10))
				buf := make([]byte, size)
				if _, err := s.ReadFile(context.Background(), "f", int64(off), buf); err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(buf, data[off:off+size]) {
					errs <- errors.Newf("mismatch reading [%d, %d)", off, off+size)
					return
				}
			}
		}(uint64(g))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestMetricsAndCollector(t *testing.T) {
	defer leaktest.AfterTest(t)()

	s := openTestStreamer(t, &Options{
		Logger:         NewZapLogger(zaptest.NewLogger(t).Sugar()),
		DedicatedCache: BlockCacheLargeBlocks,
	})
	defer func() { require.NoError(t, s.Close()) }()
	writeTestFile(t, s, "f", randomBytes(11, 1<<20))
	_, err := s.ReadFile(context.Background(), "f", 0, make([]byte, 1<<20))
	require.NoError(t, err)

	str := s.Metrics().String()
	for _, section := range []string{
		"requests:", "pool:", "raw-drive:", "handle-cache:", "read-splitter:",
		"block-cache:", "decompressor:",
	} {
		require.Contains(t, str, section)
	}
	require.NotContains(t, str, "‹")

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(s)))
	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, name := range []string{
		"streamer_requests_total", "streamer_requests_in_flight", "streamer_io_bytes_total",
		"streamer_io_ops_total", "streamer_cache_hits_total", "streamer_cache_blocks",
	} {
		require.True(t, names[name], name)
	}
}

func TestReadLatencyObserver(t *testing.T) {
	defer leaktest.AfterTest(t)()

	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "read_latency_seconds"})
	s := openTestStreamer(t, &Options{BlockCache: BlockCacheDisabled, ReadLatency: h})
	defer func() { require.NoError(t, s.Close()) }()
	writeTestFile(t, s, "f", randomBytes(12, 4096))
	for i := 0; i < 3; i++ {
		_, err := s.ReadFile(context.Background(), "f", 0, make([]byte, 4096))
		require.NoError(t, err)
	}

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(h))
	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	require.EqualValues(t, 3, families[0].GetMetric()[0].GetHistogram().GetSampleCount())
}
