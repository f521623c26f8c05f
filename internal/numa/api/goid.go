// Copyright 2025 The numaprof Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Common goroutine ID extraction.
//
// The profiler needs a small dense integer per thread, not the sparse
// 64-bit goroutine ID, so the goroutine ID is only used as the cache key
// under which the dense ID is stored. The lookup sits on the access hot
// path, so extraction must be cheap:
//
//   - goid_fast.go: reads goid straight out of the runtime.g struct via
//     a TLS assembly stub (~1-2ns). Active on amd64/arm64 for the Go
//     versions whose g layout is verified.
//   - goid_fallback.go: parses runtime.Stack output (~1.5µs). Used on
//     other architectures and unverified Go versions only.
//
// getGoroutineIDSlow/parseGID live here because the fast path also falls
// back to them when the g pointer is unavailable.

package api

import "runtime"

// getGoroutineID returns the current goroutine's runtime ID. Delegates
// to the best available implementation for this build configuration.
//
//go:nosplit
func getGoroutineID() int64 {
	return getGoroutineIDFast()
}

// getGoroutineIDSlow extracts the ID by parsing a stack header. Works on
// every Go version and architecture; costs about a microsecond.
func getGoroutineIDSlow() int64 {
	// Only the first line is needed: "goroutine 123 [running]:".
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGID(buf[:n])
}

// parseGID extracts the numeric ID from a runtime.Stack header.
// Returns 0 if the buffer does not look like a stack header.
func parseGID(buf []byte) int64 {
	const prefix = "goroutine "
	if len(buf) < len(prefix) || string(buf[:len(prefix)]) != prefix {
		return 0
	}
	var gid int64
	for i := len(prefix); i < len(buf); i++ {
		c := buf[i]
		if c < '0' || c > '9' {
			break
		}
		gid = gid*10 + int64(c-'0')
	}
	return gid
}
