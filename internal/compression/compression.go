// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package compression implements the block codecs used for compressed files:
// Snappy, Zstd, MinLZ and LZ4, plus a no-op codec.
package compression

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// Algorithm identifies a compression codec. The numeric values are persisted in
// compressed file headers and must not change.
type Algorithm uint8

const (
	// None stores the payload verbatim.
	None Algorithm = iota
	Snappy
	Zstd
	MinLZ
	LZ4

	// NumAlgorithms is the number of known algorithms.
	NumAlgorithms
)

var algorithmNames = [NumAlgorithms]string{
	None:   "none",
	Snappy: "snappy",
	Zstd:   "zstd",
	MinLZ:  "minlz",
	LZ4:    "lz4",
}

// String implements fmt.Stringer.
func (a Algorithm) String() string {
	if a < NumAlgorithms {
		return algorithmNames[a]
	}
	return "unknown"
}

// SafeFormat implements redact.SafeFormatter.
func (a Algorithm) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(a.String()))
}

// IsValid returns true if a is a known algorithm.
func (a Algorithm) IsValid() bool {
	return a < NumAlgorithms
}

// ParseAlgorithm parses the string representation of an algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	for i, name := range algorithmNames {
		if strings.EqualFold(s, name) {
			return Algorithm(i), nil
		}
	}
	return None, errors.Errorf("unknown compression algorithm %q", errors.Safe(s))
}

// Compressor compresses blocks.
type Compressor interface {
	// Compress a block, appending the compressed data to dst[:0]. Returns the
	// compressed data and the algorithm that was actually used: codecs that
	// can't shrink the input fall back to None.
	Compress(dst, src []byte) ([]byte, Algorithm)

	// Close must be called when the Compressor is no longer needed.
	// After Close is called, the Compressor must not be used again.
	Close()
}

// Decompressor decompresses blocks.
type Decompressor interface {
	// DecompressInto decompresses compressed into buf. The buf slice must have
	// the exact size as the decompressed value.
	DecompressInto(buf, compressed []byte) error

	// Close must be called when the Decompressor is no longer needed.
	// After Close is called, the Decompressor must not be used again.
	Close()
}

// GetCompressor returns a Compressor for the given algorithm.
func GetCompressor(a Algorithm) Compressor {
	switch a {
	case None:
		return noopCodec{}
	case Snappy:
		return snappyCodec{}
	case Zstd:
		return getZstdCompressor()
	case MinLZ:
		return minlzCodec{}
	case LZ4:
		return lz4Compressor{}
	default:
		panic(errors.AssertionFailedf("invalid compression algorithm %d", errors.Safe(a)))
	}
}

// GetDecompressor returns a Decompressor for the given algorithm.
func GetDecompressor(a Algorithm) Decompressor {
	switch a {
	case None:
		return noopCodec{}
	case Snappy:
		return snappyCodec{}
	case Zstd:
		return getZstdDecompressor()
	case MinLZ:
		return minlzCodec{}
	case LZ4:
		return lz4Decompressor{}
	default:
		panic(errors.AssertionFailedf("invalid compression algorithm %d", errors.Safe(a)))
	}
}

// Decompress is a convenience wrapper that decompresses src into dst using the
// given algorithm.
func Decompress(a Algorithm, dst, src []byte) error {
	if !a.IsValid() {
		return errors.Errorf("invalid compression algorithm %d", errors.Safe(a))
	}
	d := GetDecompressor(a)
	defer d.Close()
	return d.DecompressInto(dst, src)
}
