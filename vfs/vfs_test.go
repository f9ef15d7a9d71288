// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/stretchr/testify/require"
)

func testFS(t *testing.T, fs FS, dir string) {
	require.NoError(t, fs.MkdirAll(fs.PathJoin(dir, "a", "b"), 0755))
	name := fs.PathJoin(dir, "a", "b", "f")
	require.NoError(t, WriteFile(fs, name, []byte("hello world")))

	f, err := fs.Open(name)
	require.NoError(t, err)
	buf := make([]byte, 5)
	n, err := f.ReadAt(buf, 6)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf[:n]))

	// Reading past the end is a short read.
	n, err = f.ReadAt(buf, 8)
	require.Equal(t, 3, n)
	require.Equal(t, io.EOF, err)
	fi, err := f.Stat()
	require.NoError(t, err)
	require.EqualValues(t, 11, fi.Size())
	require.NoError(t, f.Close())

	rw, err := fs.OpenReadWrite(name)
	require.NoError(t, err)
	_, err = rw.WriteAt([]byte("WORLD!"), 6)
	require.NoError(t, err)
	require.NoError(t, rw.Close())
	fi, err = fs.Stat(name)
	require.NoError(t, err)
	require.EqualValues(t, 12, fi.Size())

	names, err := fs.List(fs.PathJoin(dir, "a", "b"))
	require.NoError(t, err)
	require.Equal(t, []string{"f"}, names)

	_, err = fs.Open(fs.PathJoin(dir, "missing"))
	require.True(t, oserror.IsNotExist(err))

	require.NoError(t, fs.Remove(name))
	_, err = fs.Stat(name)
	require.True(t, oserror.IsNotExist(err))
}

func TestMemFS(t *testing.T) {
	fs := NewMem()
	testFS(t, fs, "/root")
	require.Equal(t, "          root/\n          root/a/\n          root/a/b/\n", fs.String())
}

func TestDefaultFS(t *testing.T) {
	testFS(t, Default, t.TempDir())
}

func TestMemFSMissingParent(t *testing.T) {
	fs := NewMem()
	_, err := fs.Create("no/such/dir/f")
	require.True(t, oserror.IsNotExist(err))
	_, err = fs.Create("top")
	require.NoError(t, err)
	require.NoError(t, fs.MkdirAll("d", 0755))
	_, err = fs.Create("d/f")
	require.NoError(t, err)
	err = fs.Remove("d")
	require.True(t, oserror.IsExist(err))
}

func TestErrorFSInjection(t *testing.T) {
	mem := NewMem()
	require.NoError(t, mem.MkdirAll("data", 0755))
	require.NoError(t, WriteFile(mem, "data/f", []byte("abc")))
	require.NoError(t, WriteFile(mem, "other", []byte("xyz")))

	fs := NewErrorFS(mem, ErrorFSRead, "data/")
	_, err := fs.Open("data/f")
	require.True(t, errors.Is(err, ErrInjected))
	f, err := fs.Open("other")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Fail only the second read.
	fs.SetEnabled(true)
	fs.FailNth(3)
	f, err = fs.Open("data/f")
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	_, err = f.ReadAt(buf, 0)
	require.True(t, errors.Is(err, ErrInjected))
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.EqualValues(t, 2, fs.Injected())
}
