// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compression

import (
	"bytes"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/cockroachdb/crlib/testutils/leaktest"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/streamer/internal/base"
	"github.com/stretchr/testify/require"
)

func TestCompressionRoundtrip(t *testing.T) {
	defer leaktest.AfterTest(t)()

	seed := uint64(time.Now().UnixNano())
	t.Logf("seed %d", seed)
	rng := rand.New(rand.NewPCG(0, seed))

	for a := None; a < NumAlgorithms; a++ {
		t.Run(a.String(), func(t *testing.T) {
			// Half random bytes, half a repeated pattern, so every codec has
			// something to shrink.
			payload := make([]byte, 1+rng.IntN(64<<10 /* 64 KiB */))
			for i := range payload[:len(payload)/2] {
				payload[i] = byte(rng.Uint32())
			}
			copy(payload[len(payload)/2:], bytes.Repeat([]byte("streamer"), len(payload)))

			// Create a randomly-sized buffer to house the compressed output. If it's
			// not sufficient, Compress should allocate one that is.
			compressedBuf := make([]byte, 1+rng.IntN(1<<10 /* 1 KiB */))
			compressor := GetCompressor(a)
			defer compressor.Close()
			compressed, used := compressor.Compress(compressedBuf, payload)
			require.True(t, used == a || used == None)

			got := make([]byte, len(payload))
			require.NoError(t, Decompress(used, got, compressed))
			require.Equal(t, payload, got)
		})
	}
}

func TestIncompressibleStoredVerbatim(t *testing.T) {
	defer leaktest.AfterTest(t)()
	rng := rand.New(rand.NewPCG(0, 1 /* fixed seed */))
	payload := make([]byte, 4<<10)
	for i := range payload {
		payload[i] = byte(rng.Uint32())
	}
	for a := None; a < NumAlgorithms; a++ {
		t.Run(a.String(), func(t *testing.T) {
			c := GetCompressor(a)
			defer c.Close()
			compressed, used := c.Compress(nil, payload)
			require.Equal(t, None, used)
			require.Equal(t, payload, compressed)
		})
	}
}

// TestDecompressionError tests that decompressing garbage returns a corruption
// error.
func TestDecompressionError(t *testing.T) {
	defer leaktest.AfterTest(t)()
	rng := rand.New(rand.NewPCG(0, 1 /* fixed seed */))

	garbage := make([]byte, 1+rng.IntN(10<<10 /* 10 KiB */))
	for i := range garbage {
		garbage[i] = byte(rng.Uint32())
	}
	for _, a := range []Algorithm{Snappy, Zstd, MinLZ, LZ4} {
		t.Run(a.String(), func(t *testing.T) {
			dst := make([]byte, 64<<10)
			err := Decompress(a, dst, garbage)
			t.Log(err)
			require.Error(t, err)
			require.True(t, errors.Is(err, base.ErrCorruption))
		})
	}

	// A verbatim payload of the wrong length is also corrupt.
	err := Decompress(None, make([]byte, 10), make([]byte, 9))
	require.True(t, errors.Is(err, base.ErrCorruption))
}

func TestParseAlgorithm(t *testing.T) {
	for a := None; a < NumAlgorithms; a++ {
		got, err := ParseAlgorithm(a.String())
		require.NoError(t, err)
		require.Equal(t, a, got)
	}
	got, err := ParseAlgorithm("ZSTD")
	require.NoError(t, err)
	require.Equal(t, Zstd, got)

	_, err = ParseAlgorithm("brotli")
	require.Error(t, err)
	require.Equal(t, "unknown", NumAlgorithms.String())
}
