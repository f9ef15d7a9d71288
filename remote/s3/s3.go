// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package s3 implements remote.Storage on top of Amazon S3 and S3-compatible
// object stores.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/streamer/remote"
)

// Config describes how to reach a bucket.
type Config struct {
	Bucket string `yaml:"bucket"`
	// Prefix is prepended to every object name.
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
	// Endpoint overrides the service endpoint, for S3-compatible stores.
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3: bucket must be specified")
	}
	if c.MaxRetries < 0 {
		return errors.Errorf("s3: max_retries must be non-negative: %d", errors.Safe(c.MaxRetries))
	}
	return nil
}

// client is the subset of the S3 API used by Storage.
type client interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Storage implements remote.Storage for a single bucket.
type Storage struct {
	cfg    Config
	client client
}

var _ remote.Storage = (*Storage)(nil)

// New loads the default AWS configuration (environment, shared config files,
// instance metadata) and returns a Storage for the configured bucket.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.MaxRetries))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "s3: loading AWS config")
	}
	c := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &Storage{cfg: cfg, client: c}, nil
}

func (s *Storage) key(objName string) string {
	if s.cfg.Prefix == "" {
		return objName
	}
	return strings.TrimSuffix(s.cfg.Prefix, "/") + "/" + objName
}

// Close is part of the remote.Storage interface.
func (s *Storage) Close() error {
	return nil
}

// ReadObject is part of the remote.Storage interface.
func (s *Storage) ReadObject(
	ctx context.Context, objName string,
) (_ remote.ObjectReader, objSize int64, _ error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(objName)),
	})
	if err != nil {
		return nil, 0, errors.Wrapf(err, "s3: head %s", objName)
	}
	size := aws.ToInt64(out.ContentLength)
	return &objectReader{s: s, key: s.key(objName), size: size}, size, nil
}

type objectReader struct {
	s    *Storage
	key  string
	size int64
}

var _ remote.ObjectReader = (*objectReader)(nil)

// rangeHeader returns the HTTP Range header value for n bytes at offset off.
func rangeHeader(off, n int64) string {
	return fmt.Sprintf("bytes=%d-%d", off, off+n-1)
}

// ReadAt is part of the remote.ObjectReader interface.
func (r *objectReader) ReadAt(ctx context.Context, p []byte, offset int64) error {
	if len(p) == 0 {
		return nil
	}
	if offset+int64(len(p)) > r.size {
		return errors.Newf("s3: read [%d, %d) past end of object (size %d)",
			errors.Safe(offset), errors.Safe(offset+int64(len(p))), errors.Safe(r.size))
	}
	out, err := r.s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.s.cfg.Bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(rangeHeader(offset, int64(len(p)))),
	})
	if err != nil {
		return errors.Wrapf(err, "s3: get %s", r.key)
	}
	defer out.Body.Close()
	if _, err := io.ReadFull(out.Body, p); err != nil {
		return errors.Wrapf(err, "s3: reading body of %s", r.key)
	}
	return nil
}

// Close is part of the remote.ObjectReader interface.
func (r *objectReader) Close() error {
	return nil
}

// objectWriter buffers the object and uploads it on Close.
type objectWriter struct {
	s   *Storage
	key string
	buf bytes.Buffer
}

func (w *objectWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *objectWriter) Close() error {
	_, err := w.s.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket:        aws.String(w.s.cfg.Bucket),
		Key:           aws.String(w.key),
		Body:          bytes.NewReader(w.buf.Bytes()),
		ContentLength: aws.Int64(int64(w.buf.Len())),
	})
	return errors.Wrapf(err, "s3: put %s", w.key)
}

// CreateObject is part of the remote.Storage interface.
func (s *Storage) CreateObject(objName string) (io.WriteCloser, error) {
	return &objectWriter{s: s, key: s.key(objName)}, nil
}

// List is part of the remote.Storage interface.
func (s *Storage) List(prefix, delimiter string) ([]string, error) {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.key(prefix)),
	}
	if delimiter != "" {
		in.Delimiter = aws.String(delimiter)
	}
	trim := s.key("")
	var res []string
	for {
		out, err := s.client.ListObjectsV2(context.Background(), in)
		if err != nil {
			return nil, errors.Wrapf(err, "s3: list %s", prefix)
		}
		for _, obj := range out.Contents {
			res = append(res, strings.TrimPrefix(aws.ToString(obj.Key), trim))
		}
		for _, p := range out.CommonPrefixes {
			res = append(res, strings.TrimPrefix(aws.ToString(p.Prefix), trim))
		}
		if !aws.ToBool(out.IsTruncated) {
			return res, nil
		}
		in.ContinuationToken = out.NextContinuationToken
	}
}

// Delete is part of the remote.Storage interface.
func (s *Storage) Delete(objName string) error {
	_, err := s.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(objName)),
	})
	return errors.Wrapf(err, "s3: delete %s", objName)
}

// Size is part of the remote.Storage interface.
func (s *Storage) Size(objName string) (int64, error) {
	out, err := s.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(objName)),
	})
	if err != nil {
		return 0, errors.Wrapf(err, "s3: head %s", objName)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// IsNotExistError is part of the remote.Storage interface.
func (s *Storage) IsNotExistError(err error) bool {
	return isErrorType[*s3types.NoSuchKey](err) || isErrorType[*s3types.NotFound](err)
}

func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
