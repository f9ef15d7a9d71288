// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var optionsCmd = &cobra.Command{
	Use:   "options",
	Short: "print the resolved options and the assembled stack",
	Long:  ``,
	Args:  cobra.NoArgs,
	RunE:  runOptions,
}

func runOptions(cmd *cobra.Command, args []string) (err error) {
	s, err := openStreamer(context.Background())
	if err != nil {
		return err
	}
	defer func() { err = errors.CombineErrors(err, closeStreamer(s)) }()

	out := cmd.OutOrStdout()
	fmt.Fprint(out, s.Options().String())
	fmt.Fprintf(out, "\n%s", s.Stack())
	return nil
}
