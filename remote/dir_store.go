// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package remote

import (
	"context"
	"io"
	"path"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/streamer/vfs"
)

// NewDirStore returns a Storage that serves the objects of a directory tree.
// An object name is a slash-separated path relative to root; the directories
// in it are created on demand by CreateObject. It is used to mirror a bucket
// on a local disk and in tests.
func NewDirStore(root string, fs vfs.FS) Storage {
	return &dirStore{root: root, fs: fs}
}

type dirStore struct {
	root string
	fs   vfs.FS
}

var _ Storage = (*dirStore)(nil)

// filename returns the file backing an object. Names escaping the root are
// rejected.
func (s *dirStore) filename(objName string) (string, error) {
	clean := path.Clean("/" + objName)[1:]
	if clean == "" || clean != strings.TrimPrefix(objName, "/") {
		return "", errors.Newf("invalid object name %q", objName)
	}
	return s.fs.PathJoin(s.root, clean), nil
}

// Close is part of the Storage interface.
func (s *dirStore) Close() error {
	return nil
}

// ReadObject is part of the Storage interface.
func (s *dirStore) ReadObject(
	_ context.Context, objName string,
) (_ ObjectReader, objSize int64, _ error) {
	name, err := s.filename(objName)
	if err != nil {
		return nil, 0, err
	}
	f, err := s.fs.Open(name)
	if err != nil {
		return nil, 0, err
	}
	stat, err := f.Stat()
	if err != nil {
		return nil, 0, errors.CombineErrors(err, f.Close())
	}
	if stat.IsDir() {
		return nil, 0, errors.CombineErrors(
			errors.Wrapf(oserror.ErrNotExist, "%s is a directory", objName), f.Close())
	}
	return &fileReader{f: f, size: stat.Size()}, stat.Size(), nil
}

// fileReader reads an object from an open file. It never returns a partial
// result.
type fileReader struct {
	f    vfs.File
	size int64
}

var _ ObjectReader = (*fileReader)(nil)

// ReadAt is part of the ObjectReader interface.
func (r *fileReader) ReadAt(_ context.Context, p []byte, offset int64) error {
	if end := offset + int64(len(p)); offset < 0 || end > r.size {
		return errors.Newf("read [%d, %d) outside of object of %d bytes",
			errors.Safe(offset), errors.Safe(end), errors.Safe(r.size))
	}
	n, err := r.f.ReadAt(p, offset)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// Close is part of the ObjectReader interface.
func (r *fileReader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// fileWriter appends to a new object and syncs it on Close.
type fileWriter struct {
	f   vfs.File
	off int64
}

func (w *fileWriter) Write(p []byte) (int, error) {
	n, err := w.f.WriteAt(p, w.off)
	w.off += int64(n)
	return n, err
}

func (w *fileWriter) Close() error {
	if w.f == nil {
		return nil
	}
	err := errors.CombineErrors(w.f.Sync(), w.f.Close())
	w.f = nil
	return err
}

// CreateObject is part of the Storage interface.
func (s *dirStore) CreateObject(objName string) (io.WriteCloser, error) {
	name, err := s.filename(objName)
	if err != nil {
		return nil, err
	}
	if err := s.fs.MkdirAll(path.Dir(name), 0755); err != nil {
		return nil, err
	}
	f, err := s.fs.Create(name)
	if err != nil {
		return nil, err
	}
	return &fileWriter{f: f}, nil
}

// List is part of the Storage interface. With a delimiter, names that
// continue past the delimiter after the prefix are collapsed into a single
// entry ending at the delimiter, the way bucket listings report common
// prefixes.
func (s *dirStore) List(prefix, delimiter string) ([]string, error) {
	var res []string
	err := s.walk("", func(objName string) {
		if !strings.HasPrefix(objName, prefix) {
			return
		}
		if delimiter != "" {
			rest := objName[len(prefix):]
			if i := strings.Index(rest, delimiter); i >= 0 {
				objName = prefix + rest[:i+len(delimiter)]
			}
		}
		res = append(res, objName)
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(res)
	return slices.Compact(res), nil
}

// walk calls fn with the name of every object under dir.
func (s *dirStore) walk(dir string, fn func(objName string)) error {
	names, err := s.fs.List(s.fs.PathJoin(s.root, dir))
	if err != nil {
		return err
	}
	for _, name := range names {
		objName := path.Join(dir, name)
		stat, err := s.fs.Stat(s.fs.PathJoin(s.root, objName))
		if err != nil {
			return err
		}
		if stat.IsDir() {
			if err := s.walk(objName, fn); err != nil {
				return err
			}
			continue
		}
		fn(objName)
	}
	return nil
}

// Delete is part of the Storage interface.
func (s *dirStore) Delete(objName string) error {
	name, err := s.filename(objName)
	if err != nil {
		return err
	}
	return s.fs.Remove(name)
}

// Size is part of the Storage interface.
func (s *dirStore) Size(objName string) (int64, error) {
	name, err := s.filename(objName)
	if err != nil {
		return 0, err
	}
	stat, err := s.fs.Stat(name)
	if err != nil {
		return 0, err
	}
	if stat.IsDir() {
		return 0, errors.Wrapf(oserror.ErrNotExist, "%s is a directory", objName)
	}
	return stat.Size(), nil
}

// IsNotExistError is part of the Storage interface.
func (s *dirStore) IsNotExistError(err error) bool {
	return oserror.IsNotExist(err)
}
