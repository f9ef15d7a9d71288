// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"bytes"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/streamer"
	"github.com/cockroachdb/streamer/vfs"
	"github.com/spf13/cobra"
)

var compressAlgorithm string

var compressCmd = &cobra.Command{
	Use:   "compress <in> <out>",
	Short: "write a compressed container file",
	Long: `
Compress <in> and write it to <out> as a container file that can be read
with "cat --compressed".
`,
	Args: cobra.ExactArgs(2),
	RunE: runCompress,
}

func runCompress(cmd *cobra.Command, args []string) (err error) {
	algo, err := streamer.ParseCompression(compressAlgorithm)
	if err != nil {
		return err
	}
	in, err := vfs.Default.Open(args[0])
	if err != nil {
		return err
	}
	defer func() { err = errors.CombineErrors(err, in.Close()) }()
	stat, err := in.Stat()
	if err != nil {
		return err
	}
	data, err := io.ReadAll(io.NewSectionReader(in, 0, stat.Size()))
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	info, err := streamer.WriteCompressed(&buf, data, algo)
	if err != nil {
		return err
	}
	if err := vfs.WriteFile(vfs.Default, args[1], buf.Bytes()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %d -> %d bytes\n",
		args[1], info.Algorithm, info.UncompressedSize, info.CompressedSize)
	return nil
}
