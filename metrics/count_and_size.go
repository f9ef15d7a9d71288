// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package metrics contains the counter types reported by the streaming stack.
package metrics

import (
	"sync/atomic"

	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/streamer/internal/invariants"
)

// CountAndSize is a snapshot of the number of transfers a stage performed and
// the number of bytes they moved.
type CountAndSize struct {
	Count uint64
	Bytes uint64
}

// Inc records one transfer of the given size.
func (cs *CountAndSize) Inc(bytes uint64) {
	cs.Count++
	cs.Bytes += bytes
}

// Since returns the transfers recorded after prev, an earlier snapshot of the
// same counter.
func (cs CountAndSize) Since(prev CountAndSize) CountAndSize {
	return CountAndSize{
		Count: invariants.SafeSub(cs.Count, prev.Count),
		Bytes: invariants.SafeSub(cs.Bytes, prev.Bytes),
	}
}

// AvgSize returns the average transfer size, or 0 if there were none.
func (cs CountAndSize) AvgSize() uint64 {
	if cs.Count == 0 {
		return 0
	}
	return cs.Bytes / cs.Count
}

// IsZero returns true if no transfer was recorded.
func (cs CountAndSize) IsZero() bool {
	return cs.Count == 0 && cs.Bytes == 0
}

// String implements fmt.Stringer.
func (cs CountAndSize) String() string {
	return redact.StringWithoutMarkers(cs)
}

// SafeFormat implements redact.SafeFormatter.
func (cs CountAndSize) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s (%s)", crhumanize.Count(cs.Count, crhumanize.Compact),
		crhumanize.Bytes(cs.Bytes, crhumanize.Compact, crhumanize.OmitI))
}

// AtomicCountAndSize is the live counter behind a CountAndSize. It is updated
// by the processing goroutine and loaded by any goroutine.
type AtomicCountAndSize struct {
	count atomic.Uint64
	bytes atomic.Uint64
}

// Inc records one transfer of the given size.
func (a *AtomicCountAndSize) Inc(bytes uint64) {
	a.count.Add(1)
	a.bytes.Add(bytes)
}

// Load returns a snapshot of the counter. The count and size are loaded
// independently and may be momentarily inconsistent with each other.
func (a *AtomicCountAndSize) Load() CountAndSize {
	return CountAndSize{Count: a.count.Load(), Bytes: a.bytes.Load()}
}
