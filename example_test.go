package numaprof_test

import (
	"unsafe"

	"github.com/kolkov/numaprof"
)

// Example demonstrates manual instrumentation of a small program. The
// numaprof tool inserts equivalent calls automatically.
func Example() {
	numaprof.Init()
	defer numaprof.Fini()
	numaprof.ThreadStart()

	counter := new(int64)
	p := uintptr(unsafe.Pointer(counter))
	numaprof.MallocHere(p, unsafe.Sizeof(*counter))

	for i := 0; i < 10; i++ {
		numaprof.ReadAt(p)
		v := *counter
		numaprof.WriteAt(p)
		*counter = v + 1
	}

	numaprof.Free(p)
}
