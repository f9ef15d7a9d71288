// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build final

package buildtags

// Final is true if we were built with the "final" build tag. Final builds
// omit development-only stages from the streaming stack.
const Final = true
