// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package streamer

import (
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/streamer/internal/base"
	"github.com/cockroachdb/streamer/internal/compression"
	"github.com/cockroachdb/streamer/request"
)

// Compression is the algorithm of a compressed payload.
type Compression = compression.Algorithm

// The supported compression algorithms.
const (
	NoCompression     = compression.None
	SnappyCompression = compression.Snappy
	ZstdCompression   = compression.Zstd
	MinLZCompression  = compression.MinLZ
	LZ4Compression    = compression.LZ4
)

// ParseCompression returns the algorithm with the given name.
func ParseCompression(s string) (Compression, error) {
	return compression.ParseAlgorithm(s)
}

// CompressionInfo describes a compressed payload within a file.
type CompressionInfo = request.CompressionInfo

// A compressed container file is the compressed payload followed by a fixed
// size footer, so that the payload starts at offset zero and stays aligned
// with the blocks of the caches:
//
//	+---------+---------------+-----------------+----------+-----------+---------+----------+--------+
//	| payload | compressed    | uncompressed    | xxhash64 | algorithm | version | reserved | magic  |
//	|         | length (8)    | length (8)      | (8)      | (1)       | (1)     | (2)      | "STRZ" |
//	+---------+---------------+-----------------+----------+-----------+---------+----------+--------+
//
// Integers are little-endian. The checksum covers the compressed payload.
const (
	CompressionFooterSize = 32

	compressionMagic   = "STRZ"
	compressionVersion = 2
)

// WriteCompressed compresses data with the given algorithm and writes a
// container file to w. The algorithm recorded in the footer (and returned) is
// NoCompression if the codec could not shrink the data.
func WriteCompressed(w io.Writer, data []byte, algo Compression) (CompressionInfo, error) {
	if !algo.IsValid() {
		return CompressionInfo{}, errors.Errorf("invalid compression algorithm %d", errors.Safe(algo))
	}
	c := compression.GetCompressor(algo)
	payload, used := c.Compress(nil, data)
	c.Close()

	info := CompressionInfo{
		Algorithm:        used,
		CompressedSize:   int64(len(payload)),
		UncompressedSize: int64(len(data)),
		Checksum:         xxhash.Sum64(payload),
	}
	var footer [CompressionFooterSize]byte
	binary.LittleEndian.PutUint64(footer[0:8], uint64(info.CompressedSize))
	binary.LittleEndian.PutUint64(footer[8:16], uint64(info.UncompressedSize))
	binary.LittleEndian.PutUint64(footer[16:24], info.Checksum)
	footer[24] = byte(used)
	footer[25] = compressionVersion
	copy(footer[28:], compressionMagic)
	if _, err := w.Write(payload); err != nil {
		return CompressionInfo{}, err
	}
	if _, err := w.Write(footer[:]); err != nil {
		return CompressionInfo{}, err
	}
	return info, nil
}

// ParseCompressionFooter decodes the footer of a container file of the given
// size. b holds the last CompressionFooterSize bytes of the file.
func ParseCompressionFooter(b []byte, fileSize int64) (CompressionInfo, error) {
	if len(b) != CompressionFooterSize {
		return CompressionInfo{}, base.CorruptionErrorf("compression footer is %d bytes, expected %d",
			errors.Safe(len(b)), errors.Safe(CompressionFooterSize))
	}
	if string(b[28:]) != compressionMagic {
		return CompressionInfo{}, base.CorruptionErrorf("invalid compression footer magic %q",
			errors.Safe(b[28:]))
	}
	if v := b[25]; v != compressionVersion {
		return CompressionInfo{}, base.CorruptionErrorf("unsupported compression footer version %d",
			errors.Safe(v))
	}
	info := CompressionInfo{
		Algorithm:        Compression(b[24]),
		CompressedSize:   int64(binary.LittleEndian.Uint64(b[0:8])),
		UncompressedSize: int64(binary.LittleEndian.Uint64(b[8:16])),
		Checksum:         binary.LittleEndian.Uint64(b[16:24]),
	}
	if err := validateCompressionInfo(info); err != nil {
		return CompressionInfo{}, base.MarkCorruptionError(err)
	}
	if info.CompressedSize+CompressionFooterSize != fileSize {
		return CompressionInfo{}, base.CorruptionErrorf("compressed payload of %d bytes in a file of %d bytes",
			errors.Safe(info.CompressedSize), errors.Safe(fileSize))
	}
	return info, nil
}

func validateCompressionInfo(info CompressionInfo) error {
	switch {
	case !info.Algorithm.IsValid():
		return errors.Errorf("invalid compression algorithm %d", errors.Safe(info.Algorithm))
	case info.CompressedOffset < 0 || info.CompressedSize < 0 || info.UncompressedSize < 0:
		return errors.Errorf("invalid compressed payload %s", info)
	case info.Algorithm == NoCompression && info.CompressedSize != info.UncompressedSize:
		return errors.Errorf("uncompressed payload %s changes size", info)
	}
	return nil
}

// decompressPayload verifies the checksum of a compressed payload and
// decompresses the uncompressed range [offset, offset+len(out)) into out.
func decompressPayload(info CompressionInfo, payload, out []byte, offset int64) error {
	if int64(len(payload)) != info.CompressedSize {
		return base.CorruptionErrorf("compressed payload is %d bytes, expected %d",
			errors.Safe(len(payload)), errors.Safe(info.CompressedSize))
	}
	if info.Checksum != 0 {
		if sum := xxhash.Sum64(payload); sum != info.Checksum {
			return base.CorruptionErrorf("checksum mismatch: computed %016x, expected %016x",
				errors.Safe(sum), errors.Safe(info.Checksum))
		}
	}
	if offset == 0 && int64(len(out)) == info.UncompressedSize {
		return compression.Decompress(info.Algorithm, out, payload)
	}
	buf := make([]byte, info.UncompressedSize)
	if err := compression.Decompress(info.Algorithm, buf, payload); err != nil {
		return err
	}
	copy(out, buf[offset:])
	return nil
}
