// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	minLatency = 10 * time.Microsecond
	maxLatency = 10 * time.Second
)

var benchConfig struct {
	concurrency int
	readSize    string
	passes      int
}

var benchCmd = &cobra.Command{
	Use:   "bench <path>...",
	Short: "run the concurrent read benchmark",
	Long: `
Read every file in fixed-size chunks from concurrent readers, repeating the
scan for the configured number of passes. Print a table with the throughput
and read latency percentiles of each pass, followed by the stack metrics.
`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBench,
}

type benchRead struct {
	path   string
	offset int64
	size   int64
}

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(minLatency.Nanoseconds(), maxLatency.Nanoseconds(), 1)
}

// passLatency accumulates the read latencies of one pass.
type passLatency struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

func (p *passLatency) merge(h *hdrhistogram.Histogram) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hist.Merge(h)
}

func recordLatency(h *hdrhistogram.Histogram, elapsed time.Duration) {
	if elapsed < minLatency {
		elapsed = minLatency
	} else if elapsed > maxLatency {
		elapsed = maxLatency
	}
	_ = h.RecordValue(elapsed.Nanoseconds())
}

func formatLatency(h *hdrhistogram.Histogram, q float64) string {
	return time.Duration(h.ValueAtQuantile(q)).Round(time.Microsecond).String()
}

func runBench(cmd *cobra.Command, args []string) (err error) {
	readSize, err := crhumanize.ParseBytes[int64](benchConfig.readSize)
	if err != nil {
		return err
	}
	if readSize <= 0 || benchConfig.concurrency <= 0 {
		return errors.New("read size and concurrency must be positive")
	}

	ctx := context.Background()
	s, err := openStreamer(ctx)
	if err != nil {
		return err
	}
	defer func() { err = errors.CombineErrors(err, closeStreamer(s)) }()

	var reads []benchRead
	for _, path := range args {
		size, err := s.FileSize(path)
		if err != nil {
			return err
		}
		for off := int64(0); off < size; off += readSize {
			reads = append(reads, benchRead{path: path, offset: off, size: min(readSize, size-off)})
		}
	}

	out := cmd.OutOrStdout()
	tbl := tablewriter.NewWriter(out)
	tbl.SetHeader([]string{"pass", "reads", "bytes", "elapsed", "throughput", "p50", "p95", "p99", "drive reads"})
	tbl.SetAlignment(tablewriter.ALIGN_RIGHT)
	for pass := 0; pass < benchConfig.passes; pass++ {
		before := s.Metrics()
		lat := passLatency{hist: newHistogram()}
		start := time.Now()
		var next, bytesRead atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < benchConfig.concurrency; i++ {
			g.Go(func() error {
				hist := newHistogram()
				defer lat.merge(hist)
				buf := make([]byte, readSize)
				for {
					idx := next.Add(1) - 1
					if idx >= int64(len(reads)) {
						return nil
					}
					rd := reads[idx]
					readStart := time.Now()
					n, err := s.ReadFile(gctx, rd.path, rd.offset, buf[:rd.size])
					if err != nil {
						return errors.Wrapf(err, "%s@%d", rd.path, rd.offset)
					}
					recordLatency(hist, time.Since(readStart))
					bytesRead.Add(int64(n))
				}
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		elapsed := time.Since(start)
		driveReads := s.Metrics().RawDrive.Reads.Since(before.RawDrive.Reads)
		tbl.Append([]string{
			fmt.Sprint(pass + 1),
			fmt.Sprint(lat.hist.TotalCount()),
			crhumanize.Bytes(bytesRead.Load(), crhumanize.Compact, crhumanize.OmitI).String(),
			elapsed.Round(time.Microsecond).String(),
			crhumanize.BytesPerSec(int64(float64(bytesRead.Load())/elapsed.Seconds()), crhumanize.Compact, crhumanize.OmitI).String(),
			formatLatency(lat.hist, 50),
			formatLatency(lat.hist, 95),
			formatLatency(lat.hist, 99),
			driveReads.String(),
		})
	}
	tbl.Render()
	fmt.Fprintf(out, "\n%s", s.Metrics())
	return nil
}
