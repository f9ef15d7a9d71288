// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compression

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/streamer/internal/base"
	"github.com/klauspost/compress/zstd"
)

type zstdCompressor struct {
	enc *zstd.Encoder
}

var _ Compressor = (*zstdCompressor)(nil)

var zstdEncoderPool = sync.Pool{
	New: func() interface{} {
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			panic(errors.Wrap(err, "zstd encoder initialization"))
		}
		return enc
	},
}

func getZstdCompressor() *zstdCompressor {
	return &zstdCompressor{enc: zstdEncoderPool.Get().(*zstd.Encoder)}
}

func (z *zstdCompressor) Compress(dst, src []byte) ([]byte, Algorithm) {
	return shrunk(z.enc.EncodeAll(src, dst[:0]), src, Zstd)
}

func (z *zstdCompressor) Close() {
	zstdEncoderPool.Put(z.enc)
	z.enc = nil
}

type zstdDecompressor struct {
	dec *zstd.Decoder
}

var _ Decompressor = (*zstdDecompressor)(nil)

var zstdDecoderPool = sync.Pool{
	New: func() interface{} {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			panic(errors.Wrap(err, "zstd decoder initialization"))
		}
		return dec
	},
}

func getZstdDecompressor() *zstdDecompressor {
	return &zstdDecompressor{dec: zstdDecoderPool.Get().(*zstd.Decoder)}
}

func (z *zstdDecompressor) DecompressInto(dst, src []byte) error {
	result, err := z.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return base.MarkCorruptionError(err)
	}
	return checkDecoded(Zstd, result, dst)
}

func (z *zstdDecompressor) Close() {
	zstdDecoderPool.Put(z.dec)
	z.dec = nil
}
