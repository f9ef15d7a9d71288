// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"
)

// Logger defines an interface for writing log messages.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// DefaultLogger logs to the Go stdlib logs.
type DefaultLogger struct{}

var _ Logger = DefaultLogger{}

// Infof implements the Logger.Infof interface.
func (DefaultLogger) Infof(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
}

// Errorf implements the Logger.Errorf interface.
func (DefaultLogger) Errorf(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
}

// Fatalf implements the Logger.Fatalf interface.
func (DefaultLogger) Fatalf(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
	os.Exit(1)
}

// NoopLogger discards all messages. Fatalf still exits.
type NoopLogger struct{}

var _ Logger = NoopLogger{}

// Infof implements the Logger.Infof interface.
func (NoopLogger) Infof(format string, args ...interface{}) {}

// Errorf implements the Logger.Errorf interface.
func (NoopLogger) Errorf(format string, args ...interface{}) {}

// Fatalf implements the Logger.Fatalf interface.
func (NoopLogger) Fatalf(format string, args ...interface{}) {
	os.Exit(1)
}

// ZapLogger forwards log messages to a zap.SugaredLogger.
type ZapLogger struct {
	s *zap.SugaredLogger
}

var _ Logger = ZapLogger{}

// NewZapLogger returns a Logger backed by s.
func NewZapLogger(s *zap.SugaredLogger) ZapLogger {
	return ZapLogger{s: s.WithOptions(zap.AddCallerSkip(1))}
}

// Infof implements the Logger.Infof interface.
func (l ZapLogger) Infof(format string, args ...interface{}) {
	l.s.Infof(format, args...)
}

// Errorf implements the Logger.Errorf interface.
func (l ZapLogger) Errorf(format string, args ...interface{}) {
	l.s.Errorf(format, args...)
}

// Fatalf implements the Logger.Fatalf interface.
func (l ZapLogger) Fatalf(format string, args ...interface{}) {
	l.s.Fatalf(format, args...)
}
