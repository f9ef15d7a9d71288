// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package streamer

import (
	"github.com/cockroachdb/streamer/internal/base"
	"go.uber.org/zap"
)

// Logger defines an interface for writing log messages.
type Logger = base.Logger

// DefaultLogger logs to the Go stdlib logs.
var DefaultLogger Logger = base.DefaultLogger{}

// NoopLogger discards all messages other than fatal ones.
var NoopLogger Logger = base.NoopLogger{}

// NewZapLogger returns a Logger that writes to the given zap logger.
func NewZapLogger(s *zap.SugaredLogger) Logger {
	return base.NewZapLogger(s)
}

// Errors reported by the stack.
var (
	// ErrCorruption marks checksum and decompression failures.
	ErrCorruption = base.ErrCorruption
	// ErrShortRead is reported when a read returned fewer bytes than required.
	ErrShortRead = base.ErrShortRead
	// ErrUnsupported is reported for requests that no stage can serve.
	ErrUnsupported = base.ErrUnsupported
)
