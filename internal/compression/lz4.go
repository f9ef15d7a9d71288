// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compression

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/streamer/internal/base"
	"github.com/pierrec/lz4/v4"
)

type lz4Compressor struct{}

var _ Compressor = lz4Compressor{}

func (lz4Compressor) Compress(dst, src []byte) ([]byte, Algorithm) {
	bound := lz4.CompressBlockBound(len(src))
	if cap(dst) < bound {
		dst = make([]byte, bound)
	}
	dst = dst[:bound]
	n, err := lz4.CompressBlock(src, dst, nil)
	if err != nil {
		panic(errors.Wrap(err, "lz4 compression"))
	}
	// CompressBlock returns 0 when the input is incompressible.
	if n == 0 || n >= len(src) {
		return verbatim(dst, src)
	}
	return dst[:n], LZ4
}

func (lz4Compressor) Close() {}

type lz4Decompressor struct{}

var _ Decompressor = lz4Decompressor{}

func (lz4Decompressor) DecompressInto(buf, compressed []byte) error {
	n, err := lz4.UncompressBlock(compressed, buf)
	if err != nil {
		return base.MarkCorruptionError(err)
	}
	return checkDecoded(LZ4, buf[:n], buf)
}

func (lz4Decompressor) Close() {}
