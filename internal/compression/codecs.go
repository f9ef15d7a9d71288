// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compression

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/streamer/internal/base"
	"github.com/golang/snappy"
	"github.com/minio/minlz"
)

// verbatim returns src copied into dst, tagged as stored without compression.
func verbatim(dst, src []byte) ([]byte, Algorithm) {
	return append(dst[:0], src...), None
}

// shrunk returns compressed unless it is no smaller than src, in which case
// src is stored verbatim.
func shrunk(compressed, src []byte, a Algorithm) ([]byte, Algorithm) {
	if len(compressed) >= len(src) {
		return verbatim(compressed, src)
	}
	return compressed, a
}

// checkDecoded verifies that a codec decoded exactly into buf.
func checkDecoded(a Algorithm, result, buf []byte) error {
	if len(result) != len(buf) {
		return base.CorruptionErrorf("streamer: %s decoded %d bytes, expected %d",
			a, errors.Safe(len(result)), errors.Safe(len(buf)))
	}
	if len(result) > 0 && &result[0] != &buf[0] {
		return base.CorruptionErrorf("streamer: %s decoded into a different buffer", a)
	}
	return nil
}

type noopCodec struct{}

var _ Compressor = noopCodec{}
var _ Decompressor = noopCodec{}

func (noopCodec) Compress(dst, src []byte) ([]byte, Algorithm) {
	return verbatim(dst, src)
}

func (noopCodec) DecompressInto(buf, compressed []byte) error {
	if len(compressed) != len(buf) {
		return base.CorruptionErrorf("streamer: uncompressed payload length %d, expected %d",
			errors.Safe(len(compressed)), errors.Safe(len(buf)))
	}
	copy(buf, compressed)
	return nil
}

func (noopCodec) Close() {}

type snappyCodec struct{}

var _ Compressor = snappyCodec{}
var _ Decompressor = snappyCodec{}

func (snappyCodec) Compress(dst, src []byte) ([]byte, Algorithm) {
	return shrunk(snappy.Encode(dst[:cap(dst)], src), src, Snappy)
}

func (snappyCodec) DecompressInto(buf, compressed []byte) error {
	n, err := snappy.DecodedLen(compressed)
	if err != nil {
		return base.MarkCorruptionError(err)
	}
	if n != len(buf) {
		return base.CorruptionErrorf("streamer: snappy payload decodes to %d bytes, expected %d",
			errors.Safe(n), errors.Safe(len(buf)))
	}
	result, err := snappy.Decode(buf, compressed)
	if err != nil {
		return base.MarkCorruptionError(err)
	}
	return checkDecoded(Snappy, result, buf)
}

func (snappyCodec) Close() {}

type minlzCodec struct{}

var _ Compressor = minlzCodec{}
var _ Decompressor = minlzCodec{}

func (minlzCodec) Compress(dst, src []byte) ([]byte, Algorithm) {
	// Blocks over minlz.MaxBlockSize are encoded as Snappy, which the MinLZ
	// decoder also reads.
	if len(src) > minlz.MaxBlockSize {
		compressed, a := snappyCodec{}.Compress(dst, src)
		if a == Snappy {
			a = MinLZ
		}
		return compressed, a
	}
	compressed, err := minlz.Encode(dst, src, minlz.LevelBalanced)
	if err != nil {
		panic(errors.Wrap(err, "minlz compression"))
	}
	return shrunk(compressed, src, MinLZ)
}

func (minlzCodec) DecompressInto(buf, compressed []byte) error {
	result, err := minlz.Decode(buf, compressed)
	if err != nil {
		return base.MarkCorruptionError(err)
	}
	return checkDecoded(MinLZ, result, buf)
}

func (minlzCodec) Close() {}
