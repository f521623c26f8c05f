package accessinfo

import (
	"sync"
	"sync/atomic"

	"github.com/kolkov/numaprof/internal/numa/addr"
	"github.com/kolkov/numaprof/internal/numa/atomics"
)

// LineParams carries the engine's sizing and retry settings into the
// cache line protocol without widening every call site.
type LineParams struct {
	// Threads is the dense thread ID capacity; sizes the per-thread tables.
	Threads int
	// Retries is the CAS budget for counter updates (drops allowed).
	Retries int
}

// counts is a heap-allocated per-thread counter table, hung off a shadow
// record once the line escalates.
type counts struct {
	v []uint64
}

// wordMasks tracks, per 8-byte word of the line, which threads touched it.
// Materialized only for partially-occupied lines: a fully-occupied line
// belongs to a single object, so per-word attribution adds nothing there.
type wordMasks [addr.WordsPerCacheLine]ThreadMask

// pinned keeps heap allocations referenced from shadow memory alive: the
// shadow mappings are invisible to the garbage collector, so a pointer
// stored only there would be reclaimed under the profiler. Escalation is
// rare, so a mutex-guarded append is fine.
var (
	pinnedMu sync.Mutex
	pinned   []any
)

func pin(x any) {
	pinnedMu.Lock()
	pinned = append(pinned, x)
	pinnedMu.Unlock()
}

// CacheLineDetail is the escalated per-cache-line record: per-thread read
// and write counts, invalidation attribution, and (for partially-occupied
// lines) per-word thread masks.
//
// The record is created lazily, when the owning page's write counter for
// this line crosses the cache sharing threshold, and lives until the
// enclosing shadow fragment is unmapped at teardown.
//
// Invalidation model. The line has at most one owner — the last thread
// that took it with a compare-and-swap. Any access by a different thread
// that wins the ownership CAS is the event that would force a
// remote-to-local transfer in hardware, so that is when one invalidation
// is charged: on a write, to the thread that lost its copy (the previous
// owner); on a re-read, to the reader itself. Charging per transfer rather
// than per store keeps the count topology-independent.
type CacheLineDetail struct {
	// touched becomes 1 on the first recorded access; distinguishes an
	// escalated line from its zero-initialized neighbors in the same
	// shadow slot.
	touched uint32

	// wordTracking becomes 1 once per-word masks are materialized.
	wordTracking uint32

	// owner is the current owner's tid+1; 0 means the line was never
	// written. All invalidation attribution is serialized by CAS on this
	// field, which makes the per-line event order linearizable.
	owner uint64

	// invFirstTouch / invOther attribute invalidations to the page's
	// first-touch thread versus everyone else.
	invFirstTouch uint64
	invOther      uint64

	// reads / writes are per-thread access tables, allocated on first use.
	reads  atomic.Pointer[counts]
	writes atomic.Pointer[counts]

	// words is the lazily-allocated per-word thread mask table.
	words atomic.Pointer[wordMasks]

	// mask records every thread that ever touched the line.
	mask ThreadMask
}

// ensureCounts returns the table behind p, allocating it on first use.
// Losers of the CAS drop their allocation.
func ensureCounts(p *atomic.Pointer[counts], n int) *counts {
	if c := p.Load(); c != nil {
		return c
	}
	c := &counts{v: make([]uint64, n)}
	if p.CompareAndSwap(nil, c) {
		pin(c)
		return c
	}
	return p.Load()
}

// ensureWords returns the per-word mask table, allocating it on first use.
func (d *CacheLineDetail) ensureWords() *wordMasks {
	if w := d.words.Load(); w != nil {
		return w
	}
	w := new(wordMasks)
	if d.words.CompareAndSwap(nil, w) {
		pin(w)
		atomic.StoreUint32(&d.wordTracking, 1)
		return w
	}
	return d.words.Load()
}

// Record applies the sharing protocol for one access to this line.
//
//   - tid: the accessing thread.
//   - kind: read or write.
//   - word: the word index of the access inside the line.
//   - pageFirstTouch: the owning page's first-touch thread, used to
//     attribute invalidations.
//   - partial: whether the line is currently marked partially occupied.
//
// Safe for concurrent callers; every update is atomic and the
// invalidation attribution is serialized by the ownership CAS.
func (d *CacheLineDetail) Record(p *LineParams, tid uint16, kind AccessKind, word uintptr, pageFirstTouch uint16, partial bool) {
	atomic.StoreUint32(&d.touched, 1)

	already := d.mask.Set(tid)

	switch kind {
	case Write:
		c := ensureCounts(&d.writes, p.Threads)
		if int(tid) < len(c.v) {
			atomics.FetchAddBounded(&c.v[tid], 1, p.Retries)
		}
		d.takeOwnership(p, tid, pageFirstTouch, true)

	case Read:
		c := ensureCounts(&d.reads, p.Threads)
		if int(tid) < len(c.v) {
			atomics.FetchAddBounded(&c.v[tid], 1, p.Retries)
		}
		// A first-ever read by tid is the thread populating its cache
		// copy; no invalidation. A re-read while another thread owns the
		// line is a coherence miss charged to the reader.
		if already {
			d.takeOwnership(p, tid, pageFirstTouch, false)
		}
	}

	if partial {
		w := d.ensureWords()
		w[word].Set(tid)
	}
}

// takeOwnership CASes the line's owner to tid and charges one
// invalidation per successful transfer. For writes the charge goes to the
// thread that lost its copy (the previous owner); for reads, to the
// reader that had to re-fetch. A read never takes a never-written line
// (owner 0): there is no copy to lose.
//
//go:nosplit
func (d *CacheLineDetail) takeOwnership(p *LineParams, tid uint16, pageFirstTouch uint16, isWrite bool) {
	self := uint64(tid) + 1
	retries := p.Retries
	if retries < 0 {
		retries = int(^uint(0) >> 1) // retry-forever callers still terminate per transfer
	}
	for i := 0; i <= retries; i++ {
		old := atomic.LoadUint64(&d.owner)
		if old == self {
			return
		}
		if old == 0 && !isWrite {
			return
		}
		if atomics.Cas64(&d.owner, old, self) {
			var victim uint16
			if isWrite {
				if old == 0 {
					return // first write ever, nobody lost a copy
				}
				victim = uint16(old - 1)
			} else {
				victim = tid
			}
			if victim == pageFirstTouch {
				atomics.FetchAddBounded(&d.invFirstTouch, 1, p.Retries)
			} else {
				atomics.FetchAddBounded(&d.invOther, 1, p.Retries)
			}
			return
		}
	}
	// Retry budget exhausted: drop the update. The profiler is
	// statistical, not exact.
}

// Touched reports whether the line was ever recorded after escalation.
func (d *CacheLineDetail) Touched() bool {
	return atomic.LoadUint32(&d.touched) != 0
}

// WordTracking reports whether per-word masks were materialized.
func (d *CacheLineDetail) WordTracking() bool {
	return atomic.LoadUint32(&d.wordTracking) != 0
}

// InvalidationsFirstTouch returns invalidations charged to the page's
// first-touch thread.
func (d *CacheLineDetail) InvalidationsFirstTouch() uint64 {
	return atomic.LoadUint64(&d.invFirstTouch)
}

// InvalidationsOther returns invalidations charged to all other threads.
func (d *CacheLineDetail) InvalidationsOther() uint64 {
	return atomic.LoadUint64(&d.invOther)
}

// Mask returns a snapshot of the line's thread mask.
func (d *CacheLineDetail) Mask() ThreadMask {
	return d.mask.Snapshot()
}

// Threads returns the number of distinct threads that touched the line.
func (d *CacheLineDetail) Threads() int {
	return d.mask.Count()
}

// ReadsBy returns tid's read count.
func (d *CacheLineDetail) ReadsBy(tid uint16) uint64 {
	c := d.reads.Load()
	if c == nil || int(tid) >= len(c.v) {
		return 0
	}
	return atomic.LoadUint64(&c.v[tid])
}

// WritesBy returns tid's write count.
func (d *CacheLineDetail) WritesBy(tid uint16) uint64 {
	c := d.writes.Load()
	if c == nil || int(tid) >= len(c.v) {
		return 0
	}
	return atomic.LoadUint64(&c.v[tid])
}

// AccessesBy returns tid's combined read+write count.
func (d *CacheLineDetail) AccessesBy(tid uint16) uint64 {
	return d.ReadsBy(tid) + d.WritesBy(tid)
}

// TotalWrites sums the per-thread write counts.
func (d *CacheLineDetail) TotalWrites() uint64 {
	c := d.writes.Load()
	if c == nil {
		return 0
	}
	var n uint64
	for i := range c.v {
		n += atomic.LoadUint64(&c.v[i])
	}
	return n
}

// TotalAccesses sums reads and writes across all threads.
func (d *CacheLineDetail) TotalAccesses() uint64 {
	var n uint64
	for _, p := range []*atomic.Pointer[counts]{&d.reads, &d.writes} {
		if c := p.Load(); c != nil {
			for i := range c.v {
				n += atomic.LoadUint64(&c.v[i])
			}
		}
	}
	return n
}

// WordMask returns a snapshot of word w's thread mask and whether word
// tracking was materialized at all.
func (d *CacheLineDetail) WordMask(w uintptr) (ThreadMask, bool) {
	wm := d.words.Load()
	if wm == nil {
		return ThreadMask{}, false
	}
	return wm[w].Snapshot(), true
}

// CacheLinePage is the cache line shadow's slot value: the 64 line
// details of one page, materialized together when the first line of the
// page escalates. Untouched neighbors stay zeroed and report !Touched.
type CacheLinePage struct {
	lines [addr.CacheLinesPerPage]CacheLineDetail
}

// Line returns the detail record for cache line k of the page.
//
//go:nosplit
func (cp *CacheLinePage) Line(k uintptr) *CacheLineDetail {
	return &cp.lines[k]
}
