// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package streamer

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/streamer/internal/base"
	"github.com/cockroachdb/streamer/remote"
	"github.com/cockroachdb/streamer/request"
	"github.com/cockroachdb/streamer/vfs"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

const (
	defaultBlockCacheSizeMiB       = 64
	defaultDedicatedCacheSizeMiB   = 16
	defaultDecompressionJobThreads = 2
	defaultMaxReadsPerTick         = 64
	defaultRemoteReadConcurrency   = 8

	// matchBlockCacheFallbackSplitSize is the split size used by the
	// MatchBlockCache policy when the block cache is disabled.
	matchBlockCacheFallbackSplitSize = 1 << 20
)

func parseEnum(names []string, what, s string) (int, error) {
	for i, n := range names {
		if n == s {
			return i, nil
		}
	}
	return 0, errors.Newf("unknown %s %q", errors.Safe(what), s)
}

func enumName(names []string, what string, v int) string {
	if v < 0 || v >= len(names) {
		return fmt.Sprintf("unknown-%s(%d)", what, v)
	}
	return names[v]
}

// BlockCacheConfiguration selects the block size of a cache stage.
type BlockCacheConfiguration uint8

const (
	// BlockCacheDefault is resolved by EnsureDefaults.
	BlockCacheDefault BlockCacheConfiguration = iota
	BlockCacheDisabled
	BlockCacheSmallBlocks
	BlockCacheBalanced
	BlockCacheLargeBlocks
)

var blockCacheNames = []string{"default", "disabled", "small-blocks", "balanced", "large-blocks"}

// String implements fmt.Stringer.
func (c BlockCacheConfiguration) String() string {
	return enumName(blockCacheNames, "block-cache", int(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c BlockCacheConfiguration) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *BlockCacheConfiguration) UnmarshalText(b []byte) error {
	v, err := parseEnum(blockCacheNames, "block cache configuration", string(b))
	if err != nil {
		return err
	}
	*c = BlockCacheConfiguration(v)
	return nil
}

// BlockSize returns the block size in bytes, or zero if the cache is
// disabled. An unknown configuration is a fatal assertion.
func (c BlockCacheConfiguration) BlockSize() int64 {
	switch c {
	case BlockCacheDisabled:
		return 0
	case BlockCacheSmallBlocks:
		return 4 << 10
	case BlockCacheBalanced:
		return 64 << 10
	case BlockCacheLargeBlocks:
		return 1 << 20
	}
	panic(errors.AssertionFailedf("unknown block cache configuration %d", errors.Safe(c)))
}

// FileHandleCacheConfiguration selects the number of open file handles the
// raw drive keeps.
type FileHandleCacheConfiguration uint8

const (
	// FileHandleCacheDefault is resolved by EnsureDefaults.
	FileHandleCacheDefault FileHandleCacheConfiguration = iota
	FileHandleCacheSmall
	FileHandleCacheBalanced
	FileHandleCacheLarge
)

var fileHandleCacheNames = []string{"default", "small", "balanced", "large"}

// String implements fmt.Stringer.
func (c FileHandleCacheConfiguration) String() string {
	return enumName(fileHandleCacheNames, "file-handle-cache", int(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c FileHandleCacheConfiguration) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *FileHandleCacheConfiguration) UnmarshalText(b []byte) error {
	v, err := parseEnum(fileHandleCacheNames, "file handle cache configuration", string(b))
	if err != nil {
		return err
	}
	*c = FileHandleCacheConfiguration(v)
	return nil
}

// Capacity returns the number of file handles. An unknown configuration is a
// fatal assertion.
func (c FileHandleCacheConfiguration) Capacity() int {
	switch c {
	case FileHandleCacheSmall:
		return 1
	case FileHandleCacheBalanced:
		return 32
	case FileHandleCacheLarge:
		return 1024
	}
	panic(errors.AssertionFailedf("unknown file handle cache configuration %d", errors.Safe(c)))
}

// ReadSplitterConfiguration selects the maximum size of a read forwarded
// below the read splitter.
type ReadSplitterConfiguration uint8

const (
	// ReadSplitterDefault is resolved by EnsureDefaults.
	ReadSplitterDefault ReadSplitterConfiguration = iota
	ReadSplitterDisabled
	// ReadSplitterMatchBlockCache splits reads at the block size of the block
	// cache. When the block cache is disabled it falls back to 1MiB.
	ReadSplitterMatchBlockCache
	ReadSplitterSmallSize
	ReadSplitterBalancedSize
	ReadSplitterLargeSize
)

var readSplitterNames = []string{
	"default", "disabled", "match-block-cache", "small-size", "balanced-size", "large-size",
}

// String implements fmt.Stringer.
func (c ReadSplitterConfiguration) String() string {
	return enumName(readSplitterNames, "read-splitter", int(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c ReadSplitterConfiguration) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ReadSplitterConfiguration) UnmarshalText(b []byte) error {
	v, err := parseEnum(readSplitterNames, "read splitter configuration", string(b))
	if err != nil {
		return err
	}
	*c = ReadSplitterConfiguration(v)
	return nil
}

// SplitSize returns the split size in bytes given the block cache
// configuration, or zero if reads are not split. An unknown configuration is a
// fatal assertion.
func (c ReadSplitterConfiguration) SplitSize(blockCache BlockCacheConfiguration) int64 {
	switch c {
	case ReadSplitterDisabled:
		return 0
	case ReadSplitterMatchBlockCache:
		if bs := blockCache.BlockSize(); bs > 0 {
			return bs
		}
		return matchBlockCacheFallbackSplitSize
	case ReadSplitterSmallSize:
		return 256 << 10
	case ReadSplitterBalancedSize:
		return 1 << 20
	case ReadSplitterLargeSize:
		return 4 << 20
	}
	panic(errors.AssertionFailedf("unknown read splitter configuration %d", errors.Safe(c)))
}

// Options holds the configuration of a Streamer. The stage configuration
// consists of qualitative choices plus a few small integer knobs; byte sizes
// are derived from the choices.
type Options struct {
	// BlockCache selects the block size of the shared block cache.
	BlockCache BlockCacheConfiguration `yaml:"block_cache"`
	// BlockCacheSizeMiB is the capacity of the shared block cache.
	BlockCacheSizeMiB int `yaml:"block_cache_size_mib"`

	// DedicatedCache selects the block size of the per-file cache. Only files
	// opened through an Open request are cached.
	DedicatedCache        BlockCacheConfiguration `yaml:"dedicated_cache"`
	DedicatedCacheSizeMiB int                     `yaml:"dedicated_cache_size_mib"`

	// OnlyEpilogWrites restricts the caches to the last block of each read
	// that reaches the end of the file.
	OnlyEpilogWrites bool `yaml:"only_epilog_writes"`

	FileHandleCache FileHandleCacheConfiguration `yaml:"file_handle_cache"`
	ReadSplitter    ReadSplitterConfiguration    `yaml:"read_splitter"`

	// DecompressionJobThreads is the number of concurrent decompression jobs.
	DecompressionJobThreads int `yaml:"decompression_job_threads"`
	// DecompressionReadAhead is the number of compressed files read from the
	// stack below the decompressor at the same time. It defaults to twice the
	// number of job threads.
	DecompressionReadAhead int `yaml:"decompression_read_ahead"`

	// RequestPoolBatchSize is the number of requests a pool allocates the first
	// time it runs empty.
	RequestPoolBatchSize int `yaml:"request_pool_batch_size"`

	// MaxReadsPerTick bounds the number of requests the raw drive executes per
	// iteration of the processing loop.
	MaxReadsPerTick int `yaml:"max_reads_per_tick"`
	// ReadBytesPerSec caps the raw drive throughput. Zero means unlimited.
	ReadBytesPerSec int64 `yaml:"read_bytes_per_sec"`

	// RemotePrefix selects the paths served from Remote.
	RemotePrefix string `yaml:"remote_prefix"`
	// RemoteReadConcurrency bounds the number of concurrent remote reads.
	RemoteReadConcurrency int `yaml:"remote_read_concurrency"`

	// FS is the file system used by the raw drive. Defaults to vfs.Default.
	FS vfs.FS `yaml:"-"`
	// Remote, if set, serves reads of paths under RemotePrefix. The remote
	// stage is omitted in final builds.
	Remote remote.Storage `yaml:"-"`
	// Logger defaults to DefaultLogger.
	Logger Logger `yaml:"-"`
	// ReadLatency, if set, observes the latency of raw drive reads in seconds.
	ReadLatency prometheus.Observer `yaml:"-"`
	// LegacyHandler, if set, receives RequestLink requests once they complete.
	// It runs on the processing goroutine.
	LegacyHandler func(link *request.Request) `yaml:"-"`
}

// EnsureDefaults fills in default values for unset fields.
func (o *Options) EnsureDefaults() {
	if o.BlockCache == BlockCacheDefault {
		o.BlockCache = BlockCacheBalanced
	}
	if o.BlockCacheSizeMiB == 0 {
		o.BlockCacheSizeMiB = defaultBlockCacheSizeMiB
	}
	if o.DedicatedCache == BlockCacheDefault {
		o.DedicatedCache = BlockCacheDisabled
	}
	if o.DedicatedCacheSizeMiB == 0 {
		o.DedicatedCacheSizeMiB = defaultDedicatedCacheSizeMiB
	}
	if o.FileHandleCache == FileHandleCacheDefault {
		o.FileHandleCache = FileHandleCacheBalanced
	}
	if o.ReadSplitter == ReadSplitterDefault {
		o.ReadSplitter = ReadSplitterBalancedSize
	}
	if o.DecompressionJobThreads == 0 {
		o.DecompressionJobThreads = defaultDecompressionJobThreads
	}
	if o.DecompressionReadAhead == 0 {
		o.DecompressionReadAhead = 2 * max(o.DecompressionJobThreads, 1)
	}
	if o.RequestPoolBatchSize == 0 {
		o.RequestPoolBatchSize = request.DefaultPoolBatchSize
	}
	if o.MaxReadsPerTick == 0 {
		o.MaxReadsPerTick = defaultMaxReadsPerTick
	}
	if o.RemoteReadConcurrency == 0 {
		o.RemoteReadConcurrency = defaultRemoteReadConcurrency
	}
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Logger == nil {
		o.Logger = DefaultLogger
	}
}

// Validate verifies that the integer knobs are consistent. It is called by
// Open after EnsureDefaults. Unknown enumeration values are not reported here;
// they are fatal when the stack is assembled.
func (o *Options) Validate() error {
	var buf strings.Builder
	if o.BlockCacheSizeMiB < 0 {
		fmt.Fprintf(&buf, "block_cache_size_mib (%d) must not be negative\n", o.BlockCacheSizeMiB)
	}
	if o.DedicatedCacheSizeMiB < 0 {
		fmt.Fprintf(&buf, "dedicated_cache_size_mib (%d) must not be negative\n", o.DedicatedCacheSizeMiB)
	}
	if o.DecompressionJobThreads < 1 {
		fmt.Fprintf(&buf, "decompression_job_threads (%d) must be positive\n", o.DecompressionJobThreads)
	}
	if o.DecompressionReadAhead < 1 {
		fmt.Fprintf(&buf, "decompression_read_ahead (%d) must be positive\n", o.DecompressionReadAhead)
	}
	if o.RequestPoolBatchSize < 1 {
		fmt.Fprintf(&buf, "request_pool_batch_size (%d) must be positive\n", o.RequestPoolBatchSize)
	}
	if o.MaxReadsPerTick < 1 {
		fmt.Fprintf(&buf, "max_reads_per_tick (%d) must be positive\n", o.MaxReadsPerTick)
	}
	if o.ReadBytesPerSec < 0 {
		fmt.Fprintf(&buf, "read_bytes_per_sec (%d) must not be negative\n", o.ReadBytesPerSec)
	}
	if o.RemoteReadConcurrency < 1 {
		fmt.Fprintf(&buf, "remote_read_concurrency (%d) must be positive\n", o.RemoteReadConcurrency)
	}
	if buf.Len() == 0 {
		return nil
	}
	return errors.New(buf.String())
}

// Clone creates a shallow copy of the options.
func (o *Options) Clone() *Options {
	n := &Options{}
	if o != nil {
		*n = *o
	}
	return n
}

// String returns the options in INI format, which can be read back with
// Parse. Collaborators (FS, Remote, Logger and handlers) are not included.
func (o *Options) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "[Options]\n")
	fmt.Fprintf(&buf, "  block_cache=%s\n", o.BlockCache)
	fmt.Fprintf(&buf, "  block_cache_size_mib=%d\n", o.BlockCacheSizeMiB)
	fmt.Fprintf(&buf, "  decompression_job_threads=%d\n", o.DecompressionJobThreads)
	fmt.Fprintf(&buf, "  decompression_read_ahead=%d\n", o.DecompressionReadAhead)
	fmt.Fprintf(&buf, "  dedicated_cache=%s\n", o.DedicatedCache)
	fmt.Fprintf(&buf, "  dedicated_cache_size_mib=%d\n", o.DedicatedCacheSizeMiB)
	fmt.Fprintf(&buf, "  file_handle_cache=%s\n", o.FileHandleCache)
	fmt.Fprintf(&buf, "  max_reads_per_tick=%d\n", o.MaxReadsPerTick)
	fmt.Fprintf(&buf, "  only_epilog_writes=%t\n", o.OnlyEpilogWrites)
	fmt.Fprintf(&buf, "  read_bytes_per_sec=%d\n", o.ReadBytesPerSec)
	fmt.Fprintf(&buf, "  read_splitter=%s\n", o.ReadSplitter)
	fmt.Fprintf(&buf, "  remote_prefix=%s\n", o.RemotePrefix)
	fmt.Fprintf(&buf, "  remote_read_concurrency=%d\n", o.RemoteReadConcurrency)
	fmt.Fprintf(&buf, "  request_pool_batch_size=%d\n", o.RequestPoolBatchSize)
	return buf.String()
}

// Parse parses options in the format produced by String. Blank lines and
// lines starting with ';' or '#' are ignored, as are sections other than
// [Options]. Unknown keys are errors.
func (o *Options) Parse(s string) error {
	var section string
	for lineNum, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 0 || line[0] == ';' || line[0] == '#' {
			continue
		}
		n := len(line)
		if line[0] == '[' && line[n-1] == ']' {
			section = line[1 : n-1]
			continue
		}
		pos := strings.Index(line, "=")
		if pos < 0 {
			const maxLen = 50
			if len(line) > maxLen {
				line = line[:maxLen-3] + "..."
			}
			return base.CorruptionErrorf("invalid key=value syntax: %q", errors.Safe(line))
		}
		if section != "Options" {
			continue
		}
		key := strings.TrimSpace(line[:pos])
		value := strings.TrimSpace(line[pos+1:])

		var err error
		switch key {
		case "block_cache":
			err = o.BlockCache.UnmarshalText([]byte(value))
		case "block_cache_size_mib":
			o.BlockCacheSizeMiB, err = strconv.Atoi(value)
		case "decompression_job_threads":
			o.DecompressionJobThreads, err = strconv.Atoi(value)
		case "decompression_read_ahead":
			o.DecompressionReadAhead, err = strconv.Atoi(value)
		case "dedicated_cache":
			err = o.DedicatedCache.UnmarshalText([]byte(value))
		case "dedicated_cache_size_mib":
			o.DedicatedCacheSizeMiB, err = strconv.Atoi(value)
		case "file_handle_cache":
			err = o.FileHandleCache.UnmarshalText([]byte(value))
		case "max_reads_per_tick":
			o.MaxReadsPerTick, err = strconv.Atoi(value)
		case "only_epilog_writes":
			o.OnlyEpilogWrites, err = strconv.ParseBool(value)
		case "read_bytes_per_sec":
			o.ReadBytesPerSec, err = strconv.ParseInt(value, 10, 64)
		case "read_splitter":
			err = o.ReadSplitter.UnmarshalText([]byte(value))
		case "remote_prefix":
			o.RemotePrefix = value
		case "remote_read_concurrency":
			o.RemoteReadConcurrency, err = strconv.Atoi(value)
		case "request_pool_batch_size":
			o.RequestPoolBatchSize, err = strconv.Atoi(value)
		default:
			return errors.Errorf("streamer: unknown option: %s.%s (line %d)",
				errors.Safe(section), errors.Safe(key), errors.Safe(lineNum+1))
		}
		if err != nil {
			return errors.Wrapf(err, "streamer: parsing %s", errors.Safe(key))
		}
	}
	return nil
}

// LoadOptionsYAML reads a YAML preferences document into o. Fields that are
// absent keep their current value; unknown fields are errors.
func LoadOptionsYAML(r io.Reader, o *Options) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(o); err != nil && err != io.EOF {
		return errors.Wrap(err, "streamer: loading options")
	}
	return nil
}
