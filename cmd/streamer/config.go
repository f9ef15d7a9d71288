// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/streamer"
	"github.com/cockroachdb/streamer/remote"
	"github.com/cockroachdb/streamer/remote/s3"
	"github.com/cockroachdb/streamer/vfs"
	"go.uber.org/zap"
)

var (
	configPath   string
	verbose      bool
	s3Config     s3.Config
	remoteDir    string
	remotePrefix string
)

// loadOptions reads the preferences file, if any, and wires the logger and
// the remote store.
func loadOptions(ctx context.Context) (*streamer.Options, error) {
	opts := &streamer.Options{}
	if configPath != "" {
		f, err := os.Open(configPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := streamer.LoadOptionsYAML(f, opts); err != nil {
			return nil, errors.Wrapf(err, "loading %s", configPath)
		}
	}

	var zl *zap.Logger
	var err error
	if verbose {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction(zap.IncreaseLevel(zap.WarnLevel))
	}
	if err != nil {
		return nil, err
	}
	opts.Logger = streamer.NewZapLogger(zl.Sugar())

	if remotePrefix != "" {
		opts.RemotePrefix = remotePrefix
	}
	switch {
	case s3Config.Bucket != "" && remoteDir != "":
		return nil, errors.New("--s3-bucket and --remote-dir are mutually exclusive")
	case s3Config.Bucket != "":
		store, err := s3.New(ctx, s3Config)
		if err != nil {
			return nil, err
		}
		opts.Remote = store
	case remoteDir != "":
		opts.Remote = remote.NewDirStore(remoteDir, vfs.Default)
	}
	return opts, nil
}

// openStreamer opens a Streamer with the resolved options.
func openStreamer(ctx context.Context) (*streamer.Streamer, error) {
	opts, err := loadOptions(ctx)
	if err != nil {
		return nil, err
	}
	s, err := streamer.Open(opts)
	if err != nil {
		if opts.Remote != nil {
			err = errors.CombineErrors(err, opts.Remote.Close())
		}
		return nil, err
	}
	return s, nil
}

// closeStreamer closes s and the remote store it reads from.
func closeStreamer(s *streamer.Streamer) error {
	err := s.Close()
	if r := s.Options().Remote; r != nil {
		err = errors.CombineErrors(err, r.Close())
	}
	return err
}
