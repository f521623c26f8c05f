package accessinfo

import (
	"sync/atomic"

	"github.com/kolkov/numaprof/internal/numa/addr"
	"github.com/kolkov/numaprof/internal/numa/atomics"
)

// AccessKind distinguishes loads from stores in the hook contract.
type AccessKind int

const (
	// Read is a load access.
	Read AccessKind = iota
	// Write is a store access.
	Write
)

// String returns the string representation of an AccessKind.
func (k AccessKind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return "unknown"
	}
}

// PageAccessInfo is the cheap per-4KiB-page record consulted on every
// access. It exists to make the common case nearly free: two or three
// atomic counter bumps, and only when its thresholds are crossed does the
// hot path escalate to the expensive per-cache-line detail.
//
// The zero value is a valid, unowned record: the allocation hook may
// materialize it just to set partial-occupancy bits without committing a
// first-touch thread. First touch is claimed exactly once, by a single
// compare-and-swap, from whichever arrives first — the page's first
// access or the first-touch OS signal.
type PageAccessInfo struct {
	// firstTouch holds the first-touch thread's dense ID plus one; 0
	// means no accessor has claimed the page yet. Set exactly once by
	// the CAS in ClaimFirstTouch.
	firstTouch uint32

	// otherAccesses counts accesses by threads other than firstTouch.
	otherAccesses uint64

	// firstTouchAccesses counts accesses by the first-touch thread itself;
	// the free-time diagnosis compares it against an object's own share to
	// decide whether the allocator pinned this page to the thread.
	firstTouchAccesses uint64

	// partialLines has one bit per cache line that holds bytes of more
	// than one allocation (or allocation plus heap metadata). Set by the
	// allocation hook for the first and last line of every object.
	partialLines uint64

	// accessMask records which threads ever touched the page.
	accessMask ThreadMask

	// lineWrites counts stores per cache line; crossing the cache sharing
	// threshold escalates that line to a CacheLineDetail.
	lineWrites [addr.CacheLinesPerPage]uint64
}

// ClaimFirstTouch installs tid as the page's first-touch thread if no
// thread has claimed it yet, and returns the committed first-touch ID
// either way. The CAS makes the claim happen exactly once; later callers
// observe the winner.
//
//go:nosplit
func (p *PageAccessInfo) ClaimFirstTouch(tid uint16) uint16 {
	v := atomic.LoadUint32(&p.firstTouch)
	if v == 0 {
		if atomics.Cas32(&p.firstTouch, 0, uint32(tid)+1) {
			return tid
		}
		v = atomic.LoadUint32(&p.firstTouch)
	}
	return uint16(v - 1)
}

// FirstTouchTID returns the page's first-touch thread ID, or 0 when no
// accessor has claimed the page yet (an unowned page has no accesses to
// attribute, so the placeholder never reaches a report).
//
//go:nosplit
func (p *PageAccessInfo) FirstTouchTID() uint16 {
	v := atomic.LoadUint32(&p.firstTouch)
	if v == 0 {
		return 0
	}
	return uint16(v - 1)
}

// RecordAccess performs the per-page bookkeeping for one access by tid:
// claims first touch if still unclaimed, bumps the matching access
// counter (bounded retry, drops allowed) and notes the thread in the
// page's access mask.
//
//go:nosplit
func (p *PageAccessInfo) RecordAccess(tid uint16, retries int) {
	if tid == p.ClaimFirstTouch(tid) {
		atomics.FetchAddBounded(&p.firstTouchAccesses, 1, retries)
	} else {
		atomics.FetchAddBounded(&p.otherAccesses, 1, retries)
	}
	p.accessMask.Set(tid)
}

// RecordWrite bumps the write counter of a's cache line.
//
//go:nosplit
func (p *PageAccessInfo) RecordWrite(a uintptr, retries int) {
	atomics.FetchAddBounded(&p.lineWrites[addr.CacheLineIndexInPage(a)], 1, retries)
}

// NeedPageDetail reports whether cross-thread traffic on this page has
// crossed the page sharing threshold.
//
//go:nosplit
func (p *PageAccessInfo) NeedPageDetail(threshold uint64) bool {
	return atomic.LoadUint64(&p.otherAccesses) > threshold
}

// NeedLineDetail reports whether a's cache line has been written often
// enough to warrant a CacheLineDetail.
//
//go:nosplit
func (p *PageAccessInfo) NeedLineDetail(a uintptr, threshold uint64) bool {
	return atomic.LoadUint64(&p.lineWrites[addr.CacheLineIndexInPage(a)]) > threshold
}

// MarkPartial flags cache line k of this page as partially occupied.
func (p *PageAccessInfo) MarkPartial(k uintptr) {
	atomic.OrUint64(&p.partialLines, uint64(1)<<k)
}

// IsPartial reports whether cache line k holds bytes of more than one
// allocation.
//
//go:nosplit
func (p *PageAccessInfo) IsPartial(k uintptr) bool {
	return atomic.LoadUint64(&p.partialLines)&(uint64(1)<<k) != 0
}

// OtherAccesses returns the accesses by non-first-touch threads.
func (p *PageAccessInfo) OtherAccesses() uint64 {
	return atomic.LoadUint64(&p.otherAccesses)
}

// FirstTouchAccesses returns the accesses by the first-touch thread.
func (p *PageAccessInfo) FirstTouchAccesses() uint64 {
	return atomic.LoadUint64(&p.firstTouchAccesses)
}

// LineWrites returns the write count of cache line k.
func (p *PageAccessInfo) LineWrites(k uintptr) uint64 {
	return atomic.LoadUint64(&p.lineWrites[k])
}

// AccessMask returns a snapshot of the page's thread mask.
func (p *PageAccessInfo) AccessMask() ThreadMask {
	return p.accessMask.Snapshot()
}
