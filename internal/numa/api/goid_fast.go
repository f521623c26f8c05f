// Copyright 2025 The numaprof Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.24 && !go1.26 && (amd64 || arm64)

// Fast goroutine ID extraction for amd64/arm64 on verified Go versions.
//
// The goid field sits at a fixed offset inside the runtime.g struct. For
// Go 1.24 the layout up to goid is:
//
//	Field          Size    Offset
//	-----          ----    ------
//	stack          16      0
//	stackguard0    8       16
//	stackguard1    8       24
//	_panic         8       32
//	_defer         8       40
//	m              8       48
//	sched (gobuf)  56      56   (7 words: sp, pc, g, ctxt, ret, lr, bp)
//	syscallsp      8       112
//	syscallpc      8       120
//	syscallbp      8       128
//	stktopsp       8       136
//	param          8       144
//	atomicstatus   4       152
//	stackLock      4       156
//	goid           8       160  <- TARGET
//
// Go 1.25 dropped gobuf.ret, so every field from syscallsp on moves down
// by 8 bytes and goid sits at 152.
//
// If a future Go release moves the field, the build constraint above
// keeps this file out and the fallback takes over until the new offset
// is verified.

package api

import (
	"runtime"
	"strings"
	"unsafe"
)

// goidOffset is the byte offset of goid within runtime.g: 160 on Go 1.24,
// 152 on Go 1.25 (see the layout above).
var goidOffset uintptr = 152

func init() {
	if strings.HasPrefix(runtime.Version(), "go1.24") {
		goidOffset = 160
	}
}

// getg returns the current goroutine's g struct pointer. Implemented in
// assembly (goid_amd64.s / goid_arm64.s); reads the g register / TLS
// slot directly.
func getg() uintptr

// getGoroutineIDFast reads the goid field at its known offset. ~1-2ns
// per call: one TLS read plus one dereference.
//
//go:nosplit
//go:nocheckptr
func getGoroutineIDFast() int64 {
	gptr := getg()
	if gptr == 0 {
		// Pre-runtime-init or foreign thread: take the slow path.
		return getGoroutineIDSlow()
	}
	//nolint:gosec // G103: intentional unsafe access into runtime.g
	goid := *(*uint64)(unsafe.Pointer(gptr + goidOffset))
	//nolint:gosec // G115: goid values never exceed int64 max
	return int64(goid)
}
