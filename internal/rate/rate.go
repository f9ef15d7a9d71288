// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package rate caps the byte throughput of the raw drive.
package rate // import "github.com/cockroachdb/streamer/internal/rate"

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/tokenbucket"
)

// Throttle is a token bucket of bytes, refilled at a fixed number of bytes
// per second with a burst of one second's worth.
//
// Admit never blocks. When a transfer does not fit, the throttle arms a
// one-shot timer that calls the wake function once enough bytes should have
// accumulated, and the caller retries then. A transfer larger than the burst
// is admitted as soon as the bucket is full, putting it into debt.
//
// Throttle is thread-safe.
type Throttle struct {
	mu struct {
		sync.Mutex
		tb          tokenbucket.TokenBucket
		bytesPerSec int64
		armed       bool
	}
	wake      func()
	afterFunc func(d time.Duration, f func())
	throttled atomic.Int64
}

// New returns a Throttle admitting bytesPerSec bytes per second. wake is
// called from a timer goroutine after a rejected Admit.
func New(bytesPerSec int64, wake func()) *Throttle {
	return NewWithCustomTime(bytesPerSec, wake, time.Now, func(d time.Duration, f func()) {
		time.AfterFunc(d, f)
	})
}

// NewWithCustomTime is like New but uses the given functions to retrieve the
// current time and to schedule the wake-up (useful for testing).
func NewWithCustomTime(
	bytesPerSec int64, wake func(), nowFn func() time.Time, afterFunc func(time.Duration, func()),
) *Throttle {
	t := &Throttle{wake: wake, afterFunc: afterFunc}
	t.mu.tb.InitWithNowFn(tokenbucket.TokensPerSecond(bytesPerSec), tokenbucket.Tokens(bytesPerSec), nowFn)
	t.mu.bytesPerSec = bytesPerSec
	return t
}

// Admit takes n bytes from the bucket and returns true, or returns false and
// arms the wake-up timer if it is not armed already.
func (t *Throttle) Admit(n int64) bool {
	t.mu.Lock()
	ok, after := t.mu.tb.TryToFulfill(tokenbucket.Tokens(n))
	arm := !ok && !t.mu.armed
	if arm {
		t.mu.armed = true
	}
	t.mu.Unlock()
	if ok {
		return true
	}
	t.throttled.Add(1)
	if arm {
		t.afterFunc(after, t.fire)
	}
	return false
}

func (t *Throttle) fire() {
	t.mu.Lock()
	t.mu.armed = false
	t.mu.Unlock()
	t.wake()
}

// Debit removes n bytes for a transfer that bypassed Admit; it can put the
// bucket into debt, delaying later transfers.
func (t *Throttle) Debit(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mu.tb.Adjust(-tokenbucket.Tokens(n))
}

// Throttled returns the number of rejected Admit calls.
func (t *Throttle) Throttled() int64 {
	return t.throttled.Load()
}

// BytesPerSec returns the current limit.
func (t *Throttle) BytesPerSec() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mu.bytesPerSec
}

// SetBytesPerSec updates the limit and the burst.
func (t *Throttle) SetBytesPerSec(bytesPerSec int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mu.tb.UpdateConfig(tokenbucket.TokensPerSecond(bytesPerSec), tokenbucket.Tokens(bytesPerSec))
	t.mu.bytesPerSec = bytesPerSec
}
