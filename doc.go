// Package numaprof is the public runtime API of the Pure-Go NUMA profiler.
//
// The profiler diagnoses NUMA performance problems — cache line false and
// true sharing, page-level sharing, and sharing introduced by allocator
// layout — without hardware counters or emulators. It watches every
// memory access the instrumented program performs, attributes each to a
// thread, a heap object, a cache line and a page, and reports per
// allocation site when objects die.
//
// The numaprof tool inserts these calls automatically:
//
//	numaprof build main.go
//	numaprof run main.go
//
// For manual instrumentation:
//
//	func main() {
//		numaprof.Init()
//		defer numaprof.Fini()
//
//		numaprof.ThreadStart()
//		buf := make([]int64, 8)
//		p := uintptr(unsafe.Pointer(&buf[0]))
//		numaprof.MallocHere(p, 64)
//
//		numaprof.WriteAt(p)
//		buf[0] = 42
//
//		numaprof.Free(p)
//	}
//
// Every goroutine that should be attributed must call ThreadStart once
// before its first tracked access; accesses from unregistered goroutines
// are dropped.
//
// Configuration is read from the environment at Init:
//
//	NUMAPROF_PAGE_THRESHOLD   page sharing escalation threshold (default 1000)
//	NUMAPROF_CACHE_THRESHOLD  cache line escalation threshold (default 1000)
//	NUMAPROF_TOP_K            findings kept per queue (default 5 objects, 3 lines/pages)
//	NUMAPROF_REPORT           report file path (default stderr)
//	NUMAPROF_MAX_THREADS      dense thread ID capacity (default 512)
//	NUMAPROF_LOG              profiler log level: debug, info, warn, error
package numaprof
