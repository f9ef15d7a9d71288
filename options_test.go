// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package streamer

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/streamer/vfs"
	"github.com/stretchr/testify/require"
)

func TestOptionsString(t *testing.T) {
	const expected = `[Options]
  block_cache=balanced
  block_cache_size_mib=64
  decompression_job_threads=2
  decompression_read_ahead=4
  dedicated_cache=disabled
  dedicated_cache_size_mib=16
  file_handle_cache=balanced
  max_reads_per_tick=64
  only_epilog_writes=false
  read_bytes_per_sec=0
  read_splitter=balanced-size
  remote_prefix=
  remote_read_concurrency=8
  request_pool_batch_size=32
`

	var opts *Options
	opts = opts.Clone()
	opts.EnsureDefaults()
	if v := opts.String(); expected != v {
		t.Fatalf("expected\n%s\nbut found\n%s", expected, v)
	}
	require.Equal(t, vfs.Default, opts.FS)
	require.Equal(t, DefaultLogger, opts.Logger)
}

func TestOptionsEnsureDefaultsKeepsExplicitValues(t *testing.T) {
	opts := &Options{
		BlockCache:              BlockCacheDisabled,
		DedicatedCache:          BlockCacheLargeBlocks,
		FileHandleCache:         FileHandleCacheSmall,
		ReadSplitter:            ReadSplitterMatchBlockCache,
		DecompressionJobThreads: 5,
	}
	opts.EnsureDefaults()
	require.Equal(t, BlockCacheDisabled, opts.BlockCache)
	require.Equal(t, BlockCacheLargeBlocks, opts.DedicatedCache)
	require.Equal(t, FileHandleCacheSmall, opts.FileHandleCache)
	require.Equal(t, ReadSplitterMatchBlockCache, opts.ReadSplitter)
	require.Equal(t, 5, opts.DecompressionJobThreads)
	require.Equal(t, 10, opts.DecompressionReadAhead)
}

func TestOptionsParse(t *testing.T) {
	opts := &Options{
		BlockCache:              BlockCacheSmallBlocks,
		BlockCacheSizeMiB:       8,
		DedicatedCache:          BlockCacheLargeBlocks,
		OnlyEpilogWrites:        true,
		FileHandleCache:         FileHandleCacheLarge,
		ReadSplitter:            ReadSplitterLargeSize,
		DecompressionJobThreads: 3,
		ReadBytesPerSec:         1 << 20,
		RemotePrefix:            "remote/",
	}
	opts.EnsureDefaults()
	str := opts.String()

	var parsed Options
	require.NoError(t, parsed.Parse(str))
	if v := parsed.String(); str != v {
		t.Fatalf("expected\n%s\nbut found\n%s", str, v)
	}

	// Comments, blank lines and other sections are ignored.
	parsed = Options{}
	require.NoError(t, parsed.Parse(`
; comment
[Other]
  block_cache=whatever
[Options]
  # comment
  block_cache=large-blocks
`))
	require.Equal(t, BlockCacheLargeBlocks, parsed.BlockCache)
}

func TestOptionsParseErrors(t *testing.T) {
	testCases := []struct {
		options  string
		expected string
	}{
		{"[Options]\n  foo\n", `invalid key=value syntax`},
		{"[Options]\n  foo=bar\n", `unknown option: Options\.foo \(line 2\)`},
		{"[Options]\n  block_cache=huge\n", `parsing block_cache: unknown block cache configuration "huge"`},
		{"[Options]\n  read_splitter=tiny\n", `unknown read splitter configuration "tiny"`},
		{"[Options]\n  file_handle_cache=xl\n", `unknown file handle cache configuration "xl"`},
		{"[Options]\n  max_reads_per_tick=many\n", `parsing max_reads_per_tick`},
		{"[Options]\n  only_epilog_writes=maybe\n", `parsing only_epilog_writes`},
	}
	for _, c := range testCases {
		t.Run("", func(t *testing.T) {
			var opts Options
			err := opts.Parse(c.options)
			require.Error(t, err)
			require.Regexp(t, c.expected, err.Error())
		})
	}

	// Syntax errors are marked as corruption.
	var opts Options
	require.True(t, errors.Is(opts.Parse("[Options]\nfoo\n"), ErrCorruption))
}

func TestOptionsValidate(t *testing.T) {
	testCases := []struct {
		options  string
		expected string
	}{
		{``, ``},
		{"[Options]\n  decompression_job_threads=-2\n", `decompression_job_threads \(-2\) must be positive`},
		{"[Options]\n  decompression_read_ahead=-1\n", `decompression_read_ahead \(-1\) must be positive`},
		{"[Options]\n  block_cache_size_mib=-1\n", `block_cache_size_mib \(-1\) must not be negative`},
		{"[Options]\n  read_bytes_per_sec=-5\n", `read_bytes_per_sec \(-5\) must not be negative`},
		{"[Options]\n  max_reads_per_tick=-1\n  remote_read_concurrency=-1\n",
			`max_reads_per_tick \(-1\) must be positive\nremote_read_concurrency \(-1\) must be positive`},
	}
	for _, c := range testCases {
		t.Run("", func(t *testing.T) {
			var opts Options
			require.NoError(t, opts.Parse(c.options))
			opts.EnsureDefaults()
			err := opts.Validate()
			if c.expected == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				require.Regexp(t, c.expected, err.Error())
			}
		})
	}
}

func TestLoadOptionsYAML(t *testing.T) {
	const doc = `
block_cache: small-blocks
block_cache_size_mib: 4
dedicated_cache: balanced
read_splitter: match-block-cache
only_epilog_writes: true
decompression_job_threads: 6
remote_prefix: s3/
`
	opts := &Options{MaxReadsPerTick: 7}
	require.NoError(t, LoadOptionsYAML(strings.NewReader(doc), opts))
	require.Equal(t, BlockCacheSmallBlocks, opts.BlockCache)
	require.Equal(t, 4, opts.BlockCacheSizeMiB)
	require.Equal(t, BlockCacheBalanced, opts.DedicatedCache)
	require.Equal(t, ReadSplitterMatchBlockCache, opts.ReadSplitter)
	require.True(t, opts.OnlyEpilogWrites)
	require.Equal(t, 6, opts.DecompressionJobThreads)
	require.Equal(t, "s3/", opts.RemotePrefix)
	require.Equal(t, 7, opts.MaxReadsPerTick)

	// An empty document leaves the options unchanged.
	require.NoError(t, LoadOptionsYAML(strings.NewReader(""), opts))
	require.Equal(t, 7, opts.MaxReadsPerTick)

	err := LoadOptionsYAML(strings.NewReader("block_cache: huge\n"), opts)
	require.Error(t, err)
	require.Contains(t, err.Error(), `unknown block cache configuration "huge"`)
	require.Error(t, LoadOptionsYAML(strings.NewReader("cache_size: 5\n"), opts))
}

func TestConfigurationSizes(t *testing.T) {
	require.EqualValues(t, 0, BlockCacheDisabled.BlockSize())
	require.EqualValues(t, 4<<10, BlockCacheSmallBlocks.BlockSize())
	require.EqualValues(t, 64<<10, BlockCacheBalanced.BlockSize())
	require.EqualValues(t, 1<<20, BlockCacheLargeBlocks.BlockSize())
	// Default must be resolved first.
	require.Panics(t, func() { _ = BlockCacheDefault.BlockSize() })

	require.Equal(t, 1, FileHandleCacheSmall.Capacity())
	require.Equal(t, 32, FileHandleCacheBalanced.Capacity())
	require.Equal(t, 1024, FileHandleCacheLarge.Capacity())

	require.EqualValues(t, 0, ReadSplitterDisabled.SplitSize(BlockCacheBalanced))
	require.EqualValues(t, 256<<10, ReadSplitterSmallSize.SplitSize(BlockCacheBalanced))
	require.EqualValues(t, 1<<20, ReadSplitterBalancedSize.SplitSize(BlockCacheBalanced))
	require.EqualValues(t, 4<<20, ReadSplitterLargeSize.SplitSize(BlockCacheBalanced))
	for _, c := range []BlockCacheConfiguration{BlockCacheSmallBlocks, BlockCacheBalanced, BlockCacheLargeBlocks} {
		require.Equal(t, c.BlockSize(), ReadSplitterMatchBlockCache.SplitSize(c))
	}
	// Matching a disabled block cache falls back to 1MiB.
	require.EqualValues(t, 1<<20, ReadSplitterMatchBlockCache.SplitSize(BlockCacheDisabled))

	require.Equal(t, "unknown-block-cache(9)", BlockCacheConfiguration(9).String())
	b, err := ReadSplitterSmallSize.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "small-size", string(b))
	c := ReadSplitterLargeSize
	require.Error(t, c.UnmarshalText([]byte("bogus")))
	require.Equal(t, ReadSplitterLargeSize, c)
}
