// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
)

const sep = "/"

// NewMem returns a new memory-backed FS implementation.
func NewMem() *MemFS {
	return &MemFS{
		nodes: map[string]*memNode{"": {isDir: true}},
	}
}

// MemFS implements FS in memory. Paths are cleaned and treated as relative to
// a single root, so "/a/b" and "a/b" name the same file.
type MemFS struct {
	mu    sync.Mutex
	nodes map[string]*memNode
}

var _ FS = (*MemFS)(nil)

// memNode holds a file's data, or marks a directory.
type memNode struct {
	isDir bool
	mu    struct {
		sync.Mutex
		data    []byte
		modTime time.Time
	}
}

func cleanPath(name string) string {
	name = path.Clean(strings.TrimLeft(name, sep))
	if name == "." || name == sep {
		return ""
	}
	return strings.TrimLeft(name, sep)
}

// String dumps the contents of the MemFS.
func (y *MemFS) String() string {
	y.mu.Lock()
	defer y.mu.Unlock()
	names := make([]string, 0, len(y.nodes))
	for name := range y.nodes {
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	var b bytes.Buffer
	for _, name := range names {
		n := y.nodes[name]
		if n.isDir {
			fmt.Fprintf(&b, "          %s/\n", name)
			continue
		}
		n.mu.Lock()
		fmt.Fprintf(&b, "%8d  %s\n", len(n.mu.data), name)
		n.mu.Unlock()
	}
	return b.String()
}

// parentLocked checks that the parent directory of name exists.
//
// y.mu must be held when calling this.
func (y *MemFS) parentLocked(op, name string) error {
	dir := path.Dir(name)
	if dir == "." {
		dir = ""
	}
	if p, ok := y.nodes[dir]; !ok || !p.isDir {
		return &os.PathError{Op: op, Path: name, Err: oserror.ErrNotExist}
	}
	return nil
}

// Create implements FS.Create.
func (y *MemFS) Create(fullname string) (File, error) {
	name := cleanPath(fullname)
	if name == "" {
		return nil, errors.New("streamer/vfs: empty file name")
	}
	y.mu.Lock()
	defer y.mu.Unlock()
	if err := y.parentLocked("create", name); err != nil {
		return nil, err
	}
	if n, ok := y.nodes[name]; ok && n.isDir {
		return nil, &os.PathError{Op: "create", Path: fullname, Err: errors.New("is a directory")}
	}
	n := &memNode{}
	n.mu.modTime = time.Now()
	y.nodes[name] = n
	return &memFile{name: path.Base(name), n: n, read: true, write: true}, nil
}

func (y *MemFS) open(fullname string, write bool) (File, error) {
	name := cleanPath(fullname)
	y.mu.Lock()
	defer y.mu.Unlock()
	n, ok := y.nodes[name]
	if !ok {
		if !write {
			return nil, &os.PathError{Op: "open", Path: fullname, Err: oserror.ErrNotExist}
		}
		if err := y.parentLocked("open", name); err != nil {
			return nil, err
		}
		n = &memNode{}
		n.mu.modTime = time.Now()
		y.nodes[name] = n
	}
	if n.isDir && write {
		return nil, &os.PathError{Op: "open", Path: fullname, Err: errors.New("is a directory")}
	}
	return &memFile{name: path.Base(name), n: n, read: true, write: write}, nil
}

// Open implements FS.Open.
func (y *MemFS) Open(fullname string) (File, error) {
	return y.open(fullname, false)
}

// OpenReadWrite implements FS.OpenReadWrite.
func (y *MemFS) OpenReadWrite(fullname string) (File, error) {
	return y.open(fullname, true)
}

// Remove implements FS.Remove.
func (y *MemFS) Remove(fullname string) error {
	name := cleanPath(fullname)
	y.mu.Lock()
	defer y.mu.Unlock()
	n, ok := y.nodes[name]
	if !ok || name == "" {
		return &os.PathError{Op: "remove", Path: fullname, Err: oserror.ErrNotExist}
	}
	if n.isDir {
		prefix := name + sep
		for other := range y.nodes {
			if strings.HasPrefix(other, prefix) {
				return &os.PathError{Op: "remove", Path: fullname, Err: oserror.ErrExist}
			}
		}
	}
	delete(y.nodes, name)
	return nil
}

// MkdirAll implements FS.MkdirAll.
func (y *MemFS) MkdirAll(dirname string, perm os.FileMode) error {
	name := cleanPath(dirname)
	y.mu.Lock()
	defer y.mu.Unlock()
	for name != "" {
		if n, ok := y.nodes[name]; ok {
			if !n.isDir {
				return &os.PathError{Op: "mkdir", Path: dirname, Err: errors.New("not a directory")}
			}
		} else {
			y.nodes[name] = &memNode{isDir: true}
		}
		name = path.Dir(name)
		if name == "." {
			name = ""
		}
	}
	return nil
}

// List implements FS.List.
func (y *MemFS) List(dirname string) ([]string, error) {
	name := cleanPath(dirname)
	y.mu.Lock()
	defer y.mu.Unlock()
	if n, ok := y.nodes[name]; !ok || !n.isDir {
		return nil, &os.PathError{Op: "open", Path: dirname, Err: oserror.ErrNotExist}
	}
	prefix := name
	if prefix != "" {
		prefix += sep
	}
	var children []string
	for other := range y.nodes {
		if other == "" || !strings.HasPrefix(other, prefix) {
			continue
		}
		if rest := other[len(prefix):]; !strings.Contains(rest, sep) {
			children = append(children, rest)
		}
	}
	slices.Sort(children)
	return children, nil
}

// Stat implements FS.Stat.
func (y *MemFS) Stat(fullname string) (os.FileInfo, error) {
	name := cleanPath(fullname)
	y.mu.Lock()
	n, ok := y.nodes[name]
	y.mu.Unlock()
	if !ok {
		return nil, &os.PathError{Op: "stat", Path: fullname, Err: oserror.ErrNotExist}
	}
	return n.info(path.Base(name)), nil
}

// PathJoin implements FS.PathJoin.
func (*MemFS) PathJoin(elem ...string) string {
	return path.Join(elem...)
}

func (n *memNode) info(name string) *memFileInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return &memFileInfo{
		name:    name,
		size:    int64(len(n.mu.data)),
		modTime: n.mu.modTime,
		isDir:   n.isDir,
	}
}

// memFile is a reader or writer of a node's data. Implements File.
type memFile struct {
	name        string
	n           *memNode
	read, write bool
}

var _ File = (*memFile)(nil)

func (f *memFile) Close() error {
	if f.n == nil {
		panic("streamer/vfs: double close")
	}
	// Set node pointer to nil, to cause panic on any subsequent method call.
	f.n = nil
	return nil
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if !f.read {
		return 0, errors.New("streamer/vfs: file was not opened for reading")
	}
	if f.n.isDir {
		return 0, errors.New("streamer/vfs: cannot read a directory")
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	if off >= int64(len(f.n.mu.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.n.mu.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	if !f.write {
		return 0, errors.New("streamer/vfs: file was not opened for writing")
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	f.n.mu.modTime = time.Now()
	if end := int(off) + len(p); end > len(f.n.mu.data) {
		f.n.mu.data = slices.Grow(f.n.mu.data, end-len(f.n.mu.data))[:end]
	}
	copy(f.n.mu.data[off:], p)
	return len(p), nil
}

func (f *memFile) Stat() (os.FileInfo, error) {
	return f.n.info(f.name), nil
}

func (f *memFile) Sync() error {
	return nil
}

// memFileInfo implements os.FileInfo for a memFile.
type memFileInfo struct {
	name    string
	size    int64
	modTime time.Time
	isDir   bool
}

var _ os.FileInfo = (*memFileInfo)(nil)

func (f *memFileInfo) Name() string {
	return f.name
}

func (f *memFileInfo) Size() int64 {
	return f.size
}

func (f *memFileInfo) Mode() os.FileMode {
	if f.isDir {
		return os.ModeDir | 0755
	}
	return 0755
}

func (f *memFileInfo) ModTime() time.Time {
	return f.modTime
}

func (f *memFileInfo) IsDir() bool {
	return f.isDir
}

func (f *memFileInfo) Sys() interface{} {
	return nil
}
