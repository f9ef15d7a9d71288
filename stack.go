// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package streamer

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/streamer/internal/buildtags"
	"github.com/cockroachdb/streamer/internal/invariants"
	"github.com/cockroachdb/streamer/request"
)

// Stage is one layer of the streaming stack. A stage either serves a request
// itself, forwards it to the stage below, or creates child requests that must
// complete before the request does.
//
// QueueRequest, ExecuteRequests and FinalizeRequest are only called on the
// processing goroutine. Describe and UpdateMetrics may be called from any
// goroutine.
type Stage interface {
	request.Owner
	// Name returns the kind of the stage.
	Name() string
	// Describe returns the name of the stage followed by its resolved
	// configuration.
	Describe() string
	// QueueRequest hands a scheduled request to the stage.
	QueueRequest(p *request.Processing, r *request.Request)
	// ExecuteRequests performs queued work. It returns true if the stage made
	// progress.
	ExecuteRequests(p *request.Processing) bool
	// UpdateMetrics adds the stage's metrics to m.
	UpdateMetrics(m *Metrics)
	// Close releases the resources of the stage. It is called once the
	// processing goroutine exited, in reverse build order.
	Close() error
}

// stageBase holds the position of a stage in its stack.
type stageBase struct {
	stack *Stack
	// index is the position of the stage in Stack.stages; the stage below is
	// at index-1.
	index int
	id    request.OwnerID
}

// register appends the stage to the stack and registers it as a request
// owner.
func (b *stageBase) register(s *Stack, self Stage) {
	b.stack = s
	b.index = len(s.stages)
	b.id = s.ctx.RegisterOwner(self)
	s.stages = append(s.stages, self)
}

// forward hands a request to the stage below.
func (b *stageBase) forward(p *request.Processing, r *request.Request) {
	if b.index == 0 {
		panic(errors.AssertionFailedf("forwarding %s below the bottom of the stack", r))
	}
	b.stack.stages[b.index-1].QueueRequest(p, r)
}

// completeIfCanceled completes a request without children as Canceled if it or
// one of its ancestors was canceled. Returns true if it did.
func completeIfCanceled(p *request.Processing, r *request.Request) bool {
	if !p.IsCanceled(r) {
		return false
	}
	if r.Status() != request.Canceled {
		r.SetStatus(request.Canceled)
	}
	p.Complete(r, nil)
	return true
}

// FinalizeRequest is the default for stages that never own requests.
func (b *stageBase) FinalizeRequest(*request.Processing, *request.Request) {}

// Close is the default for stages without resources.
func (b *stageBase) Close() error { return nil }

// Stack is an assembled chain of stages. Stages are stored bottom-up: the raw
// drive is first and the full file decompressor, the entry point for
// submissions, is last.
type Stack struct {
	ctx        *request.Context
	opts       *Options
	stages     []Stage
	closeCheck invariants.CloseChecker
}

// newStack builds the stack described by opts bottom-up, registering every
// stage with ctx. opts must have defaults filled in. An unknown configuration
// value is a fatal assertion.
func newStack(ctx *request.Context, opts *Options) *Stack {
	s := &Stack{ctx: ctx, opts: opts}
	newRawDrive(s)
	if size := opts.ReadSplitter.SplitSize(opts.BlockCache); size > 0 {
		newReadSplitter(s, size)
	}
	if !buildtags.Final {
		newVFSSlot(s)
	}
	if bs := opts.BlockCache.BlockSize(); bs > 0 {
		newBlockCache(s, bs, int64(opts.BlockCacheSizeMiB)<<20)
	}
	if bs := opts.DedicatedCache.BlockSize(); bs > 0 {
		newDedicatedCache(s, bs, int64(opts.DedicatedCacheSizeMiB)<<20)
	}
	newFullFileDecompressor(s)
	for i := len(s.stages) - 1; i >= 0; i-- {
		opts.Logger.Infof("streamer: stage %d: %s", len(s.stages)-i, s.stages[i].Describe())
	}
	return s
}

// top returns the stage that accepts submissions.
func (s *Stack) top() Stage {
	return s.stages[len(s.stages)-1]
}

// Stages returns the stages from the top of the stack to the bottom.
func (s *Stack) Stages() []Stage {
	res := make([]Stage, len(s.stages))
	for i := range s.stages {
		res[i] = s.stages[len(s.stages)-1-i]
	}
	return res
}

// Names returns the names of the stages, top first.
func (s *Stack) Names() []string {
	names := make([]string, 0, len(s.stages))
	for _, st := range s.Stages() {
		names = append(names, st.Name())
	}
	return names
}

// String returns a description of every stage, top first, one per line.
func (s *Stack) String() string {
	var buf strings.Builder
	for _, st := range s.Stages() {
		fmt.Fprintf(&buf, "%s\n", st.Describe())
	}
	return buf.String()
}

// executeRequests runs every stage top-down and returns true if any made
// progress.
func (s *Stack) executeRequests(p *request.Processing) bool {
	s.closeCheck.AssertNotClosed()
	progress := false
	for i := len(s.stages) - 1; i >= 0; i-- {
		if s.stages[i].ExecuteRequests(p) {
			progress = true
		}
	}
	return progress
}

func (s *Stack) updateMetrics(m *Metrics) {
	for _, st := range s.stages {
		st.UpdateMetrics(m)
	}
}

// close tears the stages down in reverse build order.
func (s *Stack) close() error {
	s.closeCheck.Close()
	var err error
	for i := len(s.stages) - 1; i >= 0; i-- {
		err = errors.CombineErrors(err, s.stages[i].Close())
	}
	return err
}

// findStage returns the first stage of type T, searching from the top.
func findStage[T Stage](s *Stack) (T, bool) {
	for i := len(s.stages) - 1; i >= 0; i-- {
		if st, ok := s.stages[i].(T); ok {
			return st, true
		}
	}
	var zero T
	return zero, false
}

// formatSize formats a byte count using the largest binary unit that divides
// it exactly.
func formatSize(n int64) string {
	switch {
	case n == 0:
		return "0B"
	case n%(1<<30) == 0:
		return fmt.Sprintf("%dGiB", n>>30)
	case n%(1<<20) == 0:
		return fmt.Sprintf("%dMiB", n>>20)
	case n%(1<<10) == 0:
		return fmt.Sprintf("%dKiB", n>>10)
	}
	return fmt.Sprintf("%dB", n)
}
