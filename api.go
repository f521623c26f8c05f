package numaprof

import (
	"runtime"

	internal "github.com/kolkov/numaprof/internal/numa/api"
)

// Init initializes the profiler runtime.
//
// It must run before any other hook; the numaprof tool inserts the call at
// the beginning of main. Init is safe to call multiple times — subsequent
// calls are no-ops.
func Init() {
	internal.Init()
}

// Fini emits the profiler report and disables the hooks.
//
// The numaprof tool arranges for this to run at program exit. For manual
// instrumentation, defer it right after Init:
//
//	numaprof.Init()
//	defer numaprof.Fini()
func Fini() {
	internal.Fini()
}

// ThreadStart registers the calling goroutine and returns its dense
// thread ID. Must be called once per goroutine before its first tracked
// access; accesses from unregistered goroutines are dropped.
func ThreadStart() uint16 {
	return internal.ThreadStart()
}

// ReadAt records a load of addr.
//
// The numaprof tool inserts this before each read:
//
//	numaprof.ReadAt(uintptr(unsafe.Pointer(&x)))
//	y := x
func ReadAt(addr uintptr) {
	internal.ReadAt(addr)
}

// WriteAt records a store to addr.
//
// The numaprof tool inserts this before each write:
//
//	numaprof.WriteAt(uintptr(unsafe.Pointer(&x)))
//	x = 42
func WriteAt(addr uintptr) {
	internal.WriteAt(addr)
}

// Malloc registers a heap object under a pass-assigned call-site ID.
// Called by the allocator interception layer after the real allocator
// returns.
func Malloc(addr, size uintptr, site uint32) {
	internal.Malloc(addr, size, site, callerPC())
}

// MallocHere registers a heap object, using the caller's location as the
// allocation site. For manual instrumentation.
func MallocHere(addr, size uintptr) {
	internal.MallocAuto(addr, size, callerPC())
}

// Free diagnoses and unregisters the object starting at addr. Called by
// the allocator interception layer before delegating to the real free.
// A free with no matching registration is ignored.
func Free(addr uintptr) {
	internal.Free(addr)
}

// FirstTouch records that tid's access faulted addr's page in. Called by
// the page-fault signal hook; if an ordinary access reached the page
// first, that earlier attribution stands.
func FirstTouch(addr uintptr, tid uint16) {
	internal.FirstTouch(addr, tid)
}

// callerPC captures the facade caller's program counter for call-site
// symbolication.
func callerPC() uintptr {
	var pcs [1]uintptr
	if runtime.Callers(3, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}
