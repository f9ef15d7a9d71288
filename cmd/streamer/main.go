// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "streamer [command] (flags)",
	Short: "streaming stack introspection and benchmarking tool",
	Long:  ``,
}

func init() {
	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(
		catCmd,
		compressCmd,
		benchCmd,
		optionsCmd,
	)
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config", "", "YAML file with stack preferences")
	rootCmd.PersistentFlags().BoolVarP(
		&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVar(
		&remotePrefix, "remote-prefix", "", "paths served from the remote store (overrides the config file)")
	rootCmd.PersistentFlags().StringVar(
		&remoteDir, "remote-dir", "", "serve paths under --remote-prefix from this local mirror of a bucket")
	rootCmd.PersistentFlags().StringVar(
		&s3Config.Bucket, "s3-bucket", "", "serve paths under --remote-prefix from this S3 bucket")
	rootCmd.PersistentFlags().StringVar(
		&s3Config.Region, "s3-region", "", "region of the S3 bucket")
	rootCmd.PersistentFlags().StringVar(
		&s3Config.Endpoint, "s3-endpoint", "", "endpoint of an S3-compatible store")
	rootCmd.PersistentFlags().StringVar(
		&s3Config.Prefix, "s3-prefix", "", "object name prefix within the bucket")
	rootCmd.PersistentFlags().BoolVar(
		&s3Config.ForcePathStyle, "s3-path-style", false, "use path-style S3 addressing")

	catCmd.Flags().BoolVar(
		&catCompressed, "compressed", false, "decode a compressed container file")
	compressCmd.Flags().StringVarP(
		&compressAlgorithm, "algorithm", "a", "zstd", "compression algorithm (none, snappy, zstd, minlz, lz4)")
	benchCmd.Flags().IntVarP(
		&benchConfig.concurrency, "concurrency", "c", 4, "number of concurrent readers")
	benchCmd.Flags().StringVar(
		&benchConfig.readSize, "read-size", "64KiB", "size of each read")
	benchCmd.Flags().IntVarP(
		&benchConfig.passes, "passes", "n", 2, "number of passes over each file")
}

func main() {
	log.SetFlags(0)
	if err := rootCmd.Execute(); err != nil {
		// Cobra has already printed the error message.
		os.Exit(1)
	}
}
