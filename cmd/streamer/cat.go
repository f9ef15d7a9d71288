// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var catCompressed bool

var catCmd = &cobra.Command{
	Use:   "cat <path>...",
	Short: "read files through the stack and write them to stdout",
	Long:  ``,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCat,
}

const catChunkSize = 1 << 20

func runCat(cmd *cobra.Command, args []string) (err error) {
	ctx := context.Background()
	s, err := openStreamer(ctx)
	if err != nil {
		return err
	}
	defer func() { err = errors.CombineErrors(err, closeStreamer(s)) }()

	out := cmd.OutOrStdout()
	for _, path := range args {
		if catCompressed {
			info, err := s.ReadCompressionInfo(ctx, path)
			if err != nil {
				return errors.Wrapf(err, "%s", path)
			}
			buf := make([]byte, info.UncompressedSize)
			if _, err := s.ReadCompressed(ctx, path, info, 0, buf); err != nil {
				return errors.Wrapf(err, "%s", path)
			}
			if _, err := out.Write(buf); err != nil {
				return err
			}
			continue
		}

		size, err := s.FileSize(path)
		if err != nil {
			return err
		}
		buf := make([]byte, catChunkSize)
		for off := int64(0); off < size; off += catChunkSize {
			n := min(size-off, catChunkSize)
			if _, err := s.ReadFile(ctx, path, off, buf[:n]); err != nil {
				return errors.Wrapf(err, "%s", path)
			}
			if _, err := out.Write(buf[:n]); err != nil {
				return err
			}
		}
	}
	return nil
}
