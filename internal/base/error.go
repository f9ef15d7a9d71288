// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import "github.com/cockroachdb/errors"

// ErrCorruption is a marker to indicate that data in a file (a compressed
// payload or its checksum) is corrupted.
var ErrCorruption = errors.New("streamer: corruption")

// MarkCorruptionError marks given error as a corruption error.
func MarkCorruptionError(err error) error {
	if errors.Is(err, ErrCorruption) {
		return err
	}
	return errors.Mark(err, ErrCorruption)
}

// CorruptionErrorf formats according to a format specifier and returns
// the string as an error value that is marked as a corruption error.
func CorruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// ErrShortRead is returned when the raw drive could not read the number of
// bytes a request requires (typically because the range extends past the end of
// the file).
var ErrShortRead = errors.New("streamer: short read")

// ErrUnsupported is returned when a request reaches the bottom of the stack
// with an operation that no stage serves.
var ErrUnsupported = errors.New("streamer: unsupported request")
