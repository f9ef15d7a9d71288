// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package base defines fundamental types shared by the streaming stack and its
// helper packages: the Logger interface and the error markers used to classify
// I/O failures.
package base
