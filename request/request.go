// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package request defines the unit of work that flows through the streaming
// stack and the Context that owns request memory, dependency tracking and
// completion notification.
//
// Requests are pooled. External requests are acquired and configured by
// application goroutines, submitted, and handed back to the application by
// the completion callback. Internal requests are created and recycled only by
// the processing goroutine, through the Processing token.
package request

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/streamer/internal/compression"
)

// Operation determines which stages act on a request.
type Operation uint8

const (
	// OpNone is the operation of a request that was acquired but not yet
	// configured.
	OpNone Operation = iota
	OpOpen
	OpClose
	OpRead
	OpWrite
	// OpRequestLink marks a request that is handed to the legacy handler after
	// it completes instead of being recycled.
	OpRequestLink
	// OpCustom carries stage-private work, such as a running decompression job.
	OpCustom
)

var operationNames = [...]string{
	OpNone:        "none",
	OpOpen:        "open",
	OpClose:       "close",
	OpRead:        "read",
	OpWrite:       "write",
	OpRequestLink: "request-link",
	OpCustom:      "custom",
}

// String implements fmt.Stringer.
func (o Operation) String() string {
	if int(o) < len(operationNames) {
		return operationNames[o]
	}
	return fmt.Sprintf("operation(%d)", uint8(o))
}

// SafeValue implements redact.SafeValue.
func (Operation) SafeValue() {}

// Usage partitions requests between the processing goroutine (Internal) and
// application goroutines (External).
type Usage uint8

const (
	Internal Usage = iota
	External
)

// String implements fmt.Stringer.
func (u Usage) String() string {
	switch u {
	case Internal:
		return "internal"
	case External:
		return "external"
	}
	return fmt.Sprintf("usage(%d)", uint8(u))
}

// SafeValue implements redact.SafeValue.
func (Usage) SafeValue() {}

// Status is the state of a request.
//
//	Pending -> Scheduled -> Completed | Canceled | Failed
//
// Completed, Canceled and Failed are terminal.
type Status uint8

const (
	Pending Status = iota
	Scheduled
	Completed
	Canceled
	Failed
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Scheduled:
		return "scheduled"
	case Completed:
		return "completed"
	case Canceled:
		return "canceled"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// SafeValue implements redact.SafeValue.
func (Status) SafeValue() {}

// Terminal returns true for Completed, Canceled and Failed.
func (s Status) Terminal() bool {
	return s >= Completed
}

// severity orders terminal outcomes for propagation to a parent.
func (s Status) severity() int {
	switch s {
	case Failed:
		return 3
	case Canceled:
		return 2
	case Completed:
		return 1
	}
	return 0
}

// Priority orders requests competing for the drive. Among requests with the
// same deadline, higher priorities are served first. The zero value is
// PriorityNormal.
type Priority int8

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	}
	return fmt.Sprintf("priority(%d)", int8(p))
}

// SafeValue implements redact.SafeValue.
func (Priority) SafeValue() {}

// Handle refers to a pooled request. A handle becomes stale when the request
// is recycled; resolving a stale handle is a fatal assertion.
type Handle struct {
	index      uint32
	generation uint32
	usage      Usage
}

// IsValid returns false for the zero Handle.
func (h Handle) IsValid() bool {
	return h.generation != 0
}

// String implements fmt.Stringer.
func (h Handle) String() string {
	if !h.IsValid() {
		return "none"
	}
	return fmt.Sprintf("%s#%d.%d", h.usage, h.index, h.generation)
}

// OwnerID identifies a registered Owner. The zero value means no owner.
type OwnerID uint32

// Owner is a stage responsible for finalizing requests it created or
// scheduled. FinalizeRequest is called by the drain on the processing
// goroutine once the request reached a terminal status, before the request's
// parent is updated.
type Owner interface {
	FinalizeRequest(p *Processing, r *Request)
}

// CompressionInfo describes where a compressed payload lives within a file and
// how to decode it.
type CompressionInfo struct {
	Algorithm        compression.Algorithm
	CompressedOffset int64
	CompressedSize   int64
	UncompressedSize int64
	// Checksum is the xxhash64 of the compressed payload. Zero disables
	// verification.
	Checksum uint64
}

// SafeFormat implements redact.SafeFormatter.
func (c CompressionInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s [%d, %d) -> %d bytes", redact.SafeString(c.Algorithm.String()),
		c.CompressedOffset, c.CompressedOffset+c.CompressedSize, c.UncompressedSize)
}

// String implements fmt.Stringer.
func (c CompressionInfo) String() string {
	return redact.StringWithoutMarkers(c)
}

// ReadData is the payload of an OpRead request.
type ReadData struct {
	Path string
	// Output receives the data; its length is the number of bytes requested.
	Output []byte
	Offset int64
	// MinSize is the number of bytes that must be read for the request to
	// succeed. It defaults to len(Output); a smaller value allows reads that
	// run into the end of the file.
	MinSize int64
	// BytesRead is set when the request completes.
	BytesRead int64
	// Compression, if set, marks a read of uncompressed bytes
	// [Offset, Offset+len(Output)) from a compressed payload.
	Compression *CompressionInfo
}

// WriteData is the payload of an OpWrite request.
type WriteData struct {
	Path         string
	Input        []byte
	Offset       int64
	BytesWritten int64
}

// Request is the unit of work flowing through the stack.
type Request struct {
	op     Operation
	usage  Usage
	status Status
	err    error

	owner        OwnerID
	parent       Handle
	dependencies int32
	// childStatus and childErr accumulate the worst outcome reported by
	// completed children while the request is not terminal.
	childStatus Status
	childErr    error

	index      uint32
	generation uint32
	// queued is set while the request sits in a completion queue.
	queued atomic.Bool
	// pooled is set while the request sits in a recycle bin.
	pooled bool

	callback func(*Request)
	tag      any

	priority Priority
	// deadline is the time by which the request should be served. The zero
	// value means no deadline.
	deadline time.Time

	path   string
	read   ReadData
	write  WriteData
	link   any
	custom any
}

// Handle returns a handle that refers to this incarnation of the request.
func (r *Request) Handle() Handle {
	return Handle{index: r.index, generation: r.generation, usage: r.usage}
}

// Operation returns the configured operation.
func (r *Request) Operation() Operation { return r.op }

// Usage returns whether the request is internal or external.
func (r *Request) Usage() Usage { return r.usage }

// Status returns the current status.
func (r *Request) Status() Status { return r.status }

// Err returns the error of a Failed request, or nil.
func (r *Request) Err() error { return r.err }

// Owner returns the ID of the stage that finalizes the request.
func (r *Request) Owner() OwnerID { return r.owner }

// SetOwner sets the stage that finalizes the request.
func (r *Request) SetOwner(id OwnerID) { r.owner = id }

// Parent returns the handle of the parent request, if any.
func (r *Request) Parent() Handle { return r.parent }

// Dependencies returns the number of children that have not completed yet.
func (r *Request) Dependencies() int { return int(r.dependencies) }

// SetCallback sets a function invoked on the processing goroutine when an
// external request completes. After the callback starts, the application owns
// the request again.
func (r *Request) SetCallback(fn func(*Request)) { r.callback = fn }

// Callback returns the completion callback.
func (r *Request) Callback() func(*Request) { return r.callback }

// SetTag attaches caller-defined data to the request.
func (r *Request) SetTag(tag any) { r.tag = tag }

// Tag returns the caller-defined data.
func (r *Request) Tag() any { return r.tag }

// SetPriority sets the priority of the request. Children created afterwards
// inherit it.
func (r *Request) SetPriority(p Priority) {
	if p < PriorityLow || p > PriorityHigh {
		panic(errors.AssertionFailedf("invalid priority %d", errors.Safe(int8(p))))
	}
	r.priority = p
}

// Priority returns the priority of the request.
func (r *Request) Priority() Priority { return r.priority }

// SetDeadline sets the time by which the request should be served. The zero
// time clears the deadline. Children created afterwards inherit it.
func (r *Request) SetDeadline(t time.Time) { r.deadline = t }

// Deadline returns the deadline of the request, or the zero time if it has
// none.
func (r *Request) Deadline() time.Time { return r.deadline }

// Path returns the path the request operates on, or "" for operations that
// have none.
func (r *Request) Path() string {
	switch r.op {
	case OpRead:
		return r.read.Path
	case OpWrite:
		return r.write.Path
	}
	return r.path
}

// Read returns the payload of an OpRead request.
func (r *Request) Read() *ReadData {
	if r.op != OpRead {
		panic(errors.AssertionFailedf("request is %s, not read", r.op))
	}
	return &r.read
}

// Write returns the payload of an OpWrite request.
func (r *Request) Write() *WriteData {
	if r.op != OpWrite {
		panic(errors.AssertionFailedf("request is %s, not write", r.op))
	}
	return &r.write
}

// Link returns the payload of an OpRequestLink request.
func (r *Request) Link() any { return r.link }

// Custom returns the payload of an OpCustom request.
func (r *Request) Custom() any { return r.custom }

// String implements fmt.Stringer.
func (r *Request) String() string {
	return redact.StringWithoutMarkers(r)
}

// SafeFormat implements redact.SafeFormatter.
func (r *Request) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s %s", r.op, r.status)
	switch r.op {
	case OpOpen, OpClose:
		w.Printf(" %s", r.path)
	case OpRead:
		w.Printf(" %s [%d, %d)", r.read.Path, r.read.Offset, r.read.Offset+int64(len(r.read.Output)))
	case OpWrite:
		w.Printf(" %s [%d, %d)", r.write.Path, r.write.Offset, r.write.Offset+int64(len(r.write.Input)))
	}
	if r.dependencies > 0 {
		w.Printf(" deps=%d", r.dependencies)
	}
}

func (r *Request) configure(parent *Request, op Operation) {
	if r.status != Pending || r.op != OpNone {
		panic(errors.AssertionFailedf("configuring request in state %s (%s)", r.status, r.op))
	}
	r.op = op
	if parent != nil {
		if parent.status.Terminal() {
			panic(errors.AssertionFailedf("adding a dependency to a %s request", parent.status))
		}
		if !parent.Handle().IsValid() || parent.pooled {
			panic(errors.AssertionFailedf("adding a dependency to a recycled request"))
		}
		r.parent = parent.Handle()
		r.priority = parent.priority
		r.deadline = parent.deadline
		parent.dependencies++
	}
}

// CreateOpen configures the request to open path. If parent is non-nil, the
// request becomes one of its dependencies.
func (r *Request) CreateOpen(parent *Request, path string) {
	r.configure(parent, OpOpen)
	r.path = path
}

// CreateClose configures the request to close path.
func (r *Request) CreateClose(parent *Request, path string) {
	r.configure(parent, OpClose)
	r.path = path
}

// CreateRead configures the request to read len(output) bytes of path at
// offset into output.
func (r *Request) CreateRead(parent *Request, path string, output []byte, offset int64) *ReadData {
	r.configure(parent, OpRead)
	r.read = ReadData{
		Path:    path,
		Output:  output,
		Offset:  offset,
		MinSize: int64(len(output)),
	}
	return &r.read
}

// CreateCompressedRead configures the request to read uncompressed bytes
// [offset, offset+len(output)) of the compressed payload described by info.
func (r *Request) CreateCompressedRead(
	parent *Request, path string, info CompressionInfo, output []byte, offset int64,
) *ReadData {
	d := r.CreateRead(parent, path, output, offset)
	d.Compression = &info
	return d
}

// CreateWrite configures the request to write input to path at offset.
func (r *Request) CreateWrite(parent *Request, path string, input []byte, offset int64) *WriteData {
	r.configure(parent, OpWrite)
	r.write = WriteData{Path: path, Input: input, Offset: offset}
	return &r.write
}

// CreateRequestLink configures a request that is surfaced to the legacy
// handler when it completes.
func (r *Request) CreateRequestLink(parent *Request, link any) {
	r.configure(parent, OpRequestLink)
	r.link = link
}

// CreateCustom configures a stage-private request.
func (r *Request) CreateCustom(parent *Request, data any) {
	r.configure(parent, OpCustom)
	r.custom = data
}

// SetStatus transitions the request to s. Leaving a terminal status, or
// completing a request that still has dependencies, is a fatal assertion.
// Use Fail for the Failed status.
func (r *Request) SetStatus(s Status) {
	if s == Failed {
		panic(errors.AssertionFailedf("use Fail to fail a request"))
	}
	r.transition(s)
}

// Fail transitions the request to Failed with the given error.
func (r *Request) Fail(err error) {
	if err == nil {
		panic(errors.AssertionFailedf("failing a request with a nil error"))
	}
	r.transition(Failed)
	r.err = err
}

func (r *Request) transition(s Status) {
	if r.status.Terminal() {
		panic(errors.AssertionFailedf("request %s: transition %s -> %s out of a terminal status",
			r.op, r.status, s))
	}
	if s == Completed && r.dependencies > 0 {
		panic(errors.AssertionFailedf("request %s completed with %d outstanding dependencies",
			r.op, r.dependencies))
	}
	if s < r.status {
		panic(errors.AssertionFailedf("request %s: transition %s -> %s", r.op, r.status, s))
	}
	r.status = s
}

// mergeChild records the outcome of a completed child. Returns true if this
// was the last outstanding dependency, in which case a non-terminal request
// settles to the worst child outcome.
func (r *Request) mergeChild(status Status, err error) bool {
	if r.dependencies <= 0 {
		panic(errors.AssertionFailedf("request %s: dependency count would become negative", r.op))
	}
	r.dependencies--
	if !r.status.Terminal() && status.severity() > r.childStatus.severity() {
		r.childStatus = status
		r.childErr = err
	}
	if r.dependencies > 0 {
		return false
	}
	if !r.status.Terminal() {
		switch r.childStatus {
		case Failed:
			r.status, r.err = Failed, r.childErr
		case Canceled:
			r.status = Canceled
		default:
			r.status = Completed
		}
	}
	return true
}

// reset clears the request for reuse and invalidates outstanding handles.
func (r *Request) reset() {
	gen := r.generation + 1
	if gen == 0 {
		gen = 1
	}
	*r = Request{
		usage:      r.usage,
		index:      r.index,
		generation: gen,
	}
}
