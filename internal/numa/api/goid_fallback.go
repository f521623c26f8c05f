// Copyright 2025 The numaprof Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !go1.24 || go1.26 || !(amd64 || arm64)

// Fallback goroutine ID extraction for configurations without the
// assembly fast path: architectures other than amd64/arm64, and Go
// versions whose runtime.g layout has not been verified. Delegates to
// runtime.Stack parsing; the name "Fast" is kept so the call site is
// identical across build configurations.

package api

func getGoroutineIDFast() int64 {
	return getGoroutineIDSlow()
}
