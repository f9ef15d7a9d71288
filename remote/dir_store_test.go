// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package remote

import (
	"context"
	"io"
	"testing"

	"github.com/cockroachdb/streamer/vfs"
	"github.com/stretchr/testify/require"
)

func createObject(t *testing.T, s Storage, name, contents string) {
	t.Helper()
	w, err := s.CreateObject(name)
	require.NoError(t, err)
	_, err = io.WriteString(w, contents)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestDirStore(t *testing.T) {
	ctx := context.Background()
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("bucket", 0755))
	s := NewDirStore("bucket", fs)
	defer s.Close()

	w, err := s.CreateObject("data/obj-1")
	require.NoError(t, err)
	_, err = io.WriteString(w, "hello ")
	require.NoError(t, err)
	_, err = io.WriteString(w, "remote")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	// Directories are created on demand.
	stat, err := fs.Stat("bucket/data")
	require.NoError(t, err)
	require.True(t, stat.IsDir())

	size, err := s.Size("data/obj-1")
	require.NoError(t, err)
	require.EqualValues(t, 12, size)
	_, err = s.Size("data")
	require.True(t, s.IsNotExistError(err), "%v", err)

	r, objSize, err := s.ReadObject(ctx, "data/obj-1")
	require.NoError(t, err)
	require.EqualValues(t, 12, objSize)
	buf := make([]byte, 6)
	require.NoError(t, r.ReadAt(ctx, buf, 6))
	require.Equal(t, "remote", string(buf))
	// Partial results are never returned.
	require.Error(t, r.ReadAt(ctx, buf, 8))
	require.Error(t, r.ReadAt(ctx, buf, -1))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	require.NoError(t, s.Delete("data/obj-1"))
	_, _, err = s.ReadObject(ctx, "data/obj-1")
	require.True(t, s.IsNotExistError(err), "%v", err)
}

func TestDirStoreObjectNames(t *testing.T) {
	s := NewDirStore("bucket", vfs.NewMem())
	for _, name := range []string{"", "..", "../escape", "a/../../b", "a//b", "a/./b", "a/"} {
		_, err := s.CreateObject(name)
		require.Error(t, err, "%q", name)
		_, err = s.Size(name)
		require.Error(t, err, "%q", name)
	}
}

func TestDirStoreList(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("bucket", 0755))
	s := NewDirStore("bucket", fs)
	for _, name := range []string{"a/x", "a/y/z", "a-b", "b", "a/y/w"} {
		createObject(t, s, name, name)
	}

	names, err := s.List("", "")
	require.NoError(t, err)
	require.Equal(t, []string{"a-b", "a/x", "a/y/w", "a/y/z", "b"}, names)

	names, err = s.List("a/", "")
	require.NoError(t, err)
	require.Equal(t, []string{"a/x", "a/y/w", "a/y/z"}, names)

	names, err = s.List("", "/")
	require.NoError(t, err)
	require.Equal(t, []string{"a-b", "a/", "b"}, names)

	names, err = s.List("a/", "/")
	require.NoError(t, err)
	require.Equal(t, []string{"a/x", "a/y/"}, names)

	names, err = s.List("c", "")
	require.NoError(t, err)
	require.Empty(t, names)
}
