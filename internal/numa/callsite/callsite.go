// Package callsite interns allocation sites and symbolicates them for the
// report.
//
// A call site is a small integer ID, stable within one run. IDs arrive two
// ways: the instrumentation pass assigns them at rewrite time and binds a
// program counter via Bind, or the runtime interns the caller PC of an
// allocation hook via InternPC. Either way the table can later turn the ID
// back into file:line for the report.
package callsite

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// Table is the process-wide call-site intern table. Any thread may call
// any method; interning is lock-free on the repeat path.
type Table struct {
	// next allocates runtime-interned IDs above runtimeIDBase so they
	// never collide with pass-assigned ones.
	next atomic.Uint32

	// byPC maps a program counter to its interned ID (uintptr → uint32).
	byPC sync.Map

	// pcOf maps an ID back to the PC that named it (uint32 → uintptr).
	pcOf sync.Map
}

// runtimeIDBase splits the ID space: the instrumentation pass owns
// [1, runtimeIDBase), the runtime interns from [runtimeIDBase, ...).
const runtimeIDBase = 1 << 24

// NewTable returns an empty table.
func NewTable() *Table {
	t := &Table{}
	t.next.Store(runtimeIDBase)
	return t
}

// InternPC returns the stable ID for pc, allocating one on first sight.
func (t *Table) InternPC(pc uintptr) uint32 {
	if id, ok := t.byPC.Load(pc); ok {
		return id.(uint32)
	}
	id := t.next.Add(1)
	actual, loaded := t.byPC.LoadOrStore(pc, id)
	if loaded {
		return actual.(uint32) // another thread interned first
	}
	t.pcOf.Store(id, pc)
	return id
}

// Bind associates a pass-assigned site ID with the PC of its first
// observed allocation, so the report can symbolicate it. Later bindings
// for the same ID are ignored; the ID is stable within the run, so any
// bound PC names the same source location.
func (t *Table) Bind(site uint32, pc uintptr) {
	t.pcOf.LoadOrStore(site, pc)
}

// Format renders a site ID for the report: "file.go:42 (pkg.fn)" when a
// PC is bound, a bare "site#N" otherwise.
func (t *Table) Format(site uint32) string {
	v, ok := t.pcOf.Load(site)
	if !ok {
		return fmt.Sprintf("site#%d", site)
	}
	pc := v.(uintptr)
	frames := runtime.CallersFrames([]uintptr{pc})
	frame, _ := frames.Next()
	if frame.Function == "" {
		return fmt.Sprintf("site#%d@0x%x", site, pc)
	}
	return fmt.Sprintf("%s:%d (%s)", frame.File, frame.Line, frame.Function)
}
