// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"os"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// ErrInjected is the error returned by operations failed by an ErrorFS.
var ErrInjected = errors.New("injected error")

// ErrorFSMode is a bit field specifying the operation types for which error
// injection is enabled.
type ErrorFSMode int

const (
	// ErrorFSRead enables errors for filesystem read operations (opening a
	// file for reading, reading it, or calling stat).
	ErrorFSRead ErrorFSMode = 1 << iota
	// ErrorFSWrite enables errors for filesystem write operations.
	ErrorFSWrite
)

// ErrorFS wraps another FS and injects errors into operations on paths that
// have a configured prefix. Errors are injected either on every matching
// operation or only on the N-th one.
type ErrorFS struct {
	FS
	mode   ErrorFSMode
	prefix string
	// countdown, if positive, fails only the countdown-th matching operation.
	countdown atomic.Int32
	enabled   atomic.Bool
	injected  atomic.Int64
}

var _ FS = (*ErrorFS)(nil)

// NewErrorFS returns an ErrorFS failing every operation of the given mode on
// paths starting with prefix.
func NewErrorFS(fs FS, mode ErrorFSMode, prefix string) *ErrorFS {
	e := &ErrorFS{FS: fs, mode: mode, prefix: prefix}
	e.enabled.Store(true)
	return e
}

// FailNth arranges for only the n-th matching operation (1-based) to fail.
func (fs *ErrorFS) FailNth(n int32) {
	fs.countdown.Store(n)
}

// SetEnabled turns injection on or off.
func (fs *ErrorFS) SetEnabled(enabled bool) {
	fs.enabled.Store(enabled)
}

// Injected returns the number of errors injected so far.
func (fs *ErrorFS) Injected() int64 {
	return fs.injected.Load()
}

func (fs *ErrorFS) maybeError(mode ErrorFSMode, name string) error {
	if fs.mode&mode == 0 || !fs.enabled.Load() || !strings.HasPrefix(name, fs.prefix) {
		return nil
	}
	if fs.countdown.Load() > 0 {
		if fs.countdown.Add(-1) != 0 {
			return nil
		}
		fs.enabled.Store(false)
	}
	fs.injected.Add(1)
	return errors.Wrapf(ErrInjected, "%s", name)
}

// Create implements FS.Create.
func (fs *ErrorFS) Create(name string) (File, error) {
	if err := fs.maybeError(ErrorFSWrite, name); err != nil {
		return nil, err
	}
	f, err := fs.FS.Create(name)
	if err != nil {
		return nil, err
	}
	return &errorFile{name: name, file: f, fs: fs}, nil
}

// Open implements FS.Open.
func (fs *ErrorFS) Open(name string) (File, error) {
	if err := fs.maybeError(ErrorFSRead, name); err != nil {
		return nil, err
	}
	f, err := fs.FS.Open(name)
	if err != nil {
		return nil, err
	}
	return &errorFile{name: name, file: f, fs: fs}, nil
}

// OpenReadWrite implements FS.OpenReadWrite.
func (fs *ErrorFS) OpenReadWrite(name string) (File, error) {
	if err := fs.maybeError(ErrorFSWrite, name); err != nil {
		return nil, err
	}
	f, err := fs.FS.OpenReadWrite(name)
	if err != nil {
		return nil, err
	}
	return &errorFile{name: name, file: f, fs: fs}, nil
}

// Stat implements FS.Stat.
func (fs *ErrorFS) Stat(name string) (os.FileInfo, error) {
	if err := fs.maybeError(ErrorFSRead, name); err != nil {
		return nil, err
	}
	return fs.FS.Stat(name)
}

// errorFile implements File, injecting errors into reads and writes.
type errorFile struct {
	name string
	file File
	fs   *ErrorFS
}

func (f *errorFile) Close() error {
	return f.file.Close()
}

func (f *errorFile) ReadAt(p []byte, off int64) (int, error) {
	if err := f.fs.maybeError(ErrorFSRead, f.name); err != nil {
		return 0, err
	}
	return f.file.ReadAt(p, off)
}

func (f *errorFile) WriteAt(p []byte, off int64) (int, error) {
	if err := f.fs.maybeError(ErrorFSWrite, f.name); err != nil {
		return 0, err
	}
	return f.file.WriteAt(p, off)
}

func (f *errorFile) Stat() (os.FileInfo, error) {
	if err := f.fs.maybeError(ErrorFSRead, f.name); err != nil {
		return nil, err
	}
	return f.file.Stat()
}

func (f *errorFile) Sync() error {
	if err := f.fs.maybeError(ErrorFSWrite, f.name); err != nil {
		return err
	}
	return f.file.Sync()
}
