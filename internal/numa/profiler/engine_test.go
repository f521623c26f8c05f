package profiler

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/numaprof/internal/numa/accessinfo"
	"github.com/kolkov/numaprof/internal/numa/addr"
	"github.com/kolkov/numaprof/internal/numa/config"
)

// newTestEngine builds an engine with thresholds low enough that the
// scenarios escalate immediately.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.PageSharingThreshold = 10
	cfg.CacheSharingThreshold = 0
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

// Scenario: two threads update adjacent 8-byte elements of one 16-byte
// array sharing a cache line. Expect a single detail record blaming both
// threads in their own words, invalidations split evenly.
func TestFalseSharingScenario(t *testing.T) {
	e := newTestEngine(t)
	const (
		base  = uintptr(0x1000000) // 64-byte aligned, fresh page
		iters = 2000
	)

	e.OnMalloc(base, 16, 1, 0)
	for i := 0; i < iters; i++ {
		e.OnAccess(base, accessinfo.Write, 0)
		e.OnAccess(base+8, accessinfo.Write, 1)
	}
	e.OnFree(base)

	top := e.sites.Site(1).Top()
	require.Len(t, top, 1)
	d := top[0]

	lines := d.TopLines.SortedDesc()
	require.Len(t, lines, 1)
	f := lines[0]

	assert.Equal(t, 2, f.Threads)
	assert.True(t, f.Mask.Test(0))
	assert.True(t, f.Mask.Test(1))

	total := f.InvalidationsFirstTouch + f.InvalidationsOther
	assert.InDelta(t, 2*iters, float64(total), 16)
	assert.InDelta(t, float64(f.InvalidationsFirstTouch), float64(f.InvalidationsOther), 16,
		"invalidations should split roughly evenly between the two threads")

	// The array's extent ends inside the line, so per-word attribution is
	// live: each thread in its own word.
	require.NotNil(t, f.WordMasks)
	assert.True(t, f.WordMasks[0].Test(0))
	assert.False(t, f.WordMasks[0].Test(1))
	assert.True(t, f.WordMasks[1].Test(1))
	assert.False(t, f.WordMasks[1].Test(0))

	assert.NotZero(t, d.Score())
}

// Scenario: one 8-byte counter (padded to its own cache line) incremented
// by four threads in turn. Expect one detail record with all four thread
// bits, roughly one invalidation per increment, and no word masks — the
// line holds a single object.
func TestTrueSharingScenario(t *testing.T) {
	e := newTestEngine(t)
	const (
		base    = uintptr(0x2000000)
		threads = 4
		iters   = 10000
	)

	e.OnMalloc(base, addr.CacheLineSize, 2, 0)
	for i := 0; i < iters; i++ {
		for tid := uint16(0); tid < threads; tid++ {
			e.OnAccess(base, accessinfo.Read, tid)
			e.OnAccess(base, accessinfo.Write, tid)
		}
	}
	e.OnFree(base)

	top := e.sites.Site(2).Top()
	require.Len(t, top, 1)
	lines := top[0].TopLines.SortedDesc()
	require.Len(t, lines, 1)
	f := lines[0]

	assert.Equal(t, threads, f.Threads)
	total := f.InvalidationsFirstTouch + f.InvalidationsOther
	assert.InDelta(t, threads*iters, float64(total), 2*threads)
	assert.Nil(t, f.WordMasks, "a line holding one object needs no word attribution")
}

// Scenario: thread A's object and thread B's object land on one page;
// neither thread touches the other's bytes. Both objects' page findings
// blame the allocator, and no cache line reports cross-thread
// invalidations.
func TestAllocatorCausedPageSharingScenario(t *testing.T) {
	e := newTestEngine(t)
	const (
		pageBase = uintptr(0x3000000)
		objSize  = uintptr(128)
		iters    = 500
	)

	e.OnMalloc(pageBase, objSize, 3, 0)
	for i := 0; i < iters; i++ {
		for off := uintptr(0); off < objSize; off += 8 {
			e.OnAccess(pageBase+off, accessinfo.Write, 0)
			e.OnAccess(pageBase+off, accessinfo.Read, 0)
		}
	}

	e.OnMalloc(pageBase+objSize, objSize, 4, 0)
	for i := 0; i < iters; i++ {
		for off := uintptr(0); off < objSize; off += 8 {
			e.OnAccess(pageBase+objSize+off, accessinfo.Write, 1)
			e.OnAccess(pageBase+objSize+off, accessinfo.Read, 1)
		}
	}

	e.OnFree(pageBase)
	e.OnFree(pageBase + objSize)

	for _, site := range []uint32{3, 4} {
		top := e.sites.Site(site).Top()
		require.Len(t, top, 1, "site %d", site)
		d := top[0]

		assert.Zero(t, d.InvalidationsFirstTouch, "site %d: no cache line sharing expected", site)
		assert.Zero(t, d.InvalidationsOther, "site %d", site)

		pages := d.TopPages.SortedDesc()
		require.NotEmpty(t, pages, "site %d", site)
		pf := pages[0]
		assert.True(t, pf.AllocatorCaused, "site %d: sharing was introduced by placement", site)
		assert.Equal(t, 2, pf.MaskInPage.Count())
		assert.LessOrEqual(t, pf.MaskFromObject.Count(), 1)
	}
}

// Scenario: an object read and written only by its allocating thread.
// Details may exist, but nothing is charged and the object ranks at zero.
func TestSingleThreadObjectScenario(t *testing.T) {
	e := newTestEngine(t)
	const (
		base  = uintptr(0x4000000)
		size  = uintptr(256)
		iters = 10000
	)

	e.OnMalloc(base, size, 5, 0)
	for i := 0; i < iters; i++ {
		for off := uintptr(0); off < size; off += 64 {
			e.OnAccess(base+off, accessinfo.Write, 2)
		}
	}
	e.OnFree(base)

	top := e.sites.Site(5).Top()
	require.Len(t, top, 1)
	d := top[0]

	assert.Zero(t, d.Score())
	assert.Zero(t, d.InvalidationsFirstTouch)
	assert.Zero(t, d.InvalidationsOther)
	assert.NotZero(t, d.AccessesFirstTouch)
	assert.Zero(t, d.AccessesOther)

	for _, pf := range d.TopPages.SortedDesc() {
		assert.False(t, pf.AllocatorCaused)
	}
}

// Scenario: allocate at X, free, reallocate at X under a different call
// site. The shadow is deliberately not cleared, so the second diagnosis
// inherits the first lifetime's history.
func TestObjectReuseInheritsHistory(t *testing.T) {
	e := newTestEngine(t)
	const base = uintptr(0x5000000)

	e.OnMalloc(base, 64, 6, 0)
	for i := 0; i < 100; i++ {
		e.OnAccess(base, accessinfo.Write, 0)
	}
	e.OnFree(base)

	e.OnMalloc(base, 64, 7, 0)
	e.OnFree(base) // no accesses during the second lifetime

	top := e.sites.Site(7).Top()
	require.Len(t, top, 1)
	assert.NotZero(t, top[0].AccessesFirstTouch,
		"reused region must carry the prior lifetime's accesses")
	assert.Equal(t, uint32(7), top[0].Object.CallSite)
}

// Scenario: concurrent allocation churn. The registry must end empty and
// every site must have collected its diagnoses.
func TestConcurrentAllocationScenario(t *testing.T) {
	e := newTestEngine(t)
	const (
		workers = 16
		perG    = 10000
	)
	var wg sync.WaitGroup
	wg.Add(workers)
	for g := 0; g < workers; g++ {
		base := uintptr(0x6000000 + g*0x100000)
		site := uint32(100 + g)
		tid := uint16(g)
		go func() {
			defer wg.Done()
			for i := uintptr(0); i < perG; i++ {
				a := base + (i%512)*64
				e.OnMalloc(a, 32, site, 0)
				e.OnAccess(a, accessinfo.Write, tid)
				e.OnFree(a)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), e.LiveObjects())
	assert.Equal(t, uint64(workers*perG), e.Stats().ObjectsDiagnosed)
	for g := 0; g < workers; g++ {
		assert.NotEmpty(t, e.sites.Site(uint32(100+g)).Top(),
			"site %d lost its diagnoses", 100+g)
	}
}

func TestFirstTouchFixedByFirstAccess(t *testing.T) {
	e := newTestEngine(t)
	const page = uintptr(0x7000000)

	e.OnAccess(page, accessinfo.Read, 3)
	e.OnAccess(page+8, accessinfo.Write, 1)
	e.OnAccess(page+16, accessinfo.Read, 0)

	pi := e.pages.Find(page)
	require.NotNil(t, pi)
	assert.Equal(t, uint16(3), pi.FirstTouchTID())
}

func TestFirstTouchSignalWinsWhenFirst(t *testing.T) {
	e := newTestEngine(t)
	const page = uintptr(0x7100000)

	e.OnFirstTouch(page, 9)
	e.OnAccess(page, accessinfo.Write, 1)

	pi := e.pages.Find(page)
	require.NotNil(t, pi)
	assert.Equal(t, uint16(9), pi.FirstTouchTID())
}

// The allocation hook materializes page records for partial-occupancy
// bits, but allocating is not accessing: first touch must stay unclaimed
// until a real access (or the OS signal) arrives.
func TestAllocationDoesNotCommitFirstTouch(t *testing.T) {
	e := newTestEngine(t)
	const page = uintptr(0xf000000)

	e.OnMalloc(page+8, 16, 13, 0) // unaligned extent creates the page record
	pi := e.pages.Find(page)
	require.NotNil(t, pi)
	require.True(t, pi.IsPartial(0))

	e.OnAccess(page+8, accessinfo.Write, 4)
	assert.Equal(t, uint16(4), pi.FirstTouchTID(),
		"the first accessor, not the allocator, owns the page")
}

func TestFirstTouchUniqueUnderConcurrency(t *testing.T) {
	e := newTestEngine(t)
	const page = uintptr(0x7200000)
	const workers = 8

	var wg sync.WaitGroup
	wg.Add(workers)
	for g := 0; g < workers; g++ {
		tid := uint16(g)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				e.OnAccess(page+uintptr(i%512)*8, accessinfo.Read, tid)
			}
		}()
	}
	wg.Wait()

	pi := e.pages.Find(page)
	require.NotNil(t, pi)
	assert.Less(t, pi.FirstTouchTID(), uint16(workers),
		"first touch must be one of the racing threads")
}

// Escalation threshold: a detail record exists if and only if the page's
// per-line write counter exceeded the cache sharing threshold.
func TestEscalationExactlyAtThreshold(t *testing.T) {
	cfg := config.Default()
	cfg.CacheSharingThreshold = 10
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	const base = uintptr(0x8000000)
	for i := 0; i < 10; i++ {
		e.OnAccess(base, accessinfo.Write, 0)
	}
	assert.Nil(t, e.lines.Find(base), "at the threshold: no escalation yet")

	e.OnAccess(base, accessinfo.Write, 0)
	lp := e.lines.Find(base)
	require.NotNil(t, lp, "past the threshold: line must escalate")
	assert.True(t, lp.Line(addr.CacheLineIndexInPage(base)).Touched())
	assert.False(t, lp.Line(addr.CacheLineIndexInPage(base)+1).Touched(),
		"neighboring lines stay cold")
}

// Attribution sum: per-thread write counts in the detail record account
// for the page's line write counter, up to the documented drop tolerance.
func TestAttributionSum(t *testing.T) {
	e := newTestEngine(t)
	const (
		base    = uintptr(0x9000000)
		workers = 4
		perG    = 20000
	)
	var wg sync.WaitGroup
	wg.Add(workers)
	for g := 0; g < workers; g++ {
		tid := uint16(g)
		go func() {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				e.OnAccess(base, accessinfo.Write, tid)
			}
		}()
	}
	wg.Wait()

	pi := e.pages.Find(base)
	lp := e.lines.Find(base)
	require.NotNil(t, pi)
	require.NotNil(t, lp)

	lineTotal := lp.Line(addr.CacheLineIndexInPage(base)).TotalWrites()
	pageTotal := pi.LineWrites(addr.CacheLineIndexInPage(base))

	// Both counters use the bounded-retry increment; either side may drop
	// a little under contention. 0.1% tolerance.
	tolerance := float64(workers*perG) * 0.001
	assert.InDelta(t, float64(pageTotal), float64(lineTotal), tolerance)
}

// Partial occupancy: a line the object's extent cuts through gets word
// masks when escalated; a line the object covers edge to edge does not.
func TestPartialOccupancyImpliesWordMasks(t *testing.T) {
	e := newTestEngine(t)
	const (
		page = uintptr(0xe000000)
		base = page + 32         // starts mid-line 0
		size = uintptr(128)      // ends mid-line 2
	)

	e.OnMalloc(base, size, 12, 0)
	for off := uintptr(0); off < size; off += 8 {
		e.OnAccess(base+off, accessinfo.Write, 0)
	}
	e.OnFree(base)

	lp := e.lines.Find(page)
	require.NotNil(t, lp)

	first := lp.Line(0)  // holds the object's unaligned start
	inner := lp.Line(1)  // fully covered by the object
	last := lp.Line(2)   // holds the object's unaligned end
	require.True(t, first.Touched())
	require.True(t, inner.Touched())
	require.True(t, last.Touched())

	assert.True(t, first.WordTracking(), "boundary line must materialize word masks")
	assert.True(t, last.WordTracking(), "boundary line must materialize word masks")
	assert.False(t, inner.WordTracking(), "interior line must not")
}

func TestFreeWithoutAllocationDropped(t *testing.T) {
	e := newTestEngine(t)
	e.OnFree(0xdead000)
	assert.Zero(t, e.Stats().ObjectsDiagnosed)
}

func TestDoubleFreeDiagnosedOnce(t *testing.T) {
	e := newTestEngine(t)
	const base = uintptr(0xa000000)

	e.OnMalloc(base, 64, 8, 0)
	e.OnAccess(base, accessinfo.Write, 0)
	e.OnFree(base)
	e.OnFree(base)

	assert.Equal(t, uint64(1), e.Stats().ObjectsDiagnosed)
	assert.Len(t, e.sites.Site(8).Top(), 1)
}

func TestMonotonicCounters(t *testing.T) {
	e := newTestEngine(t)
	const base = uintptr(0xb000000)

	var lastOther, lastLine uint64
	for i := 0; i < 1000; i++ {
		tid := uint16(i % 3)
		e.OnAccess(base, accessinfo.Write, tid)
		pi := e.pages.Find(base)
		require.NotNil(t, pi)
		other := pi.OtherAccesses()
		line := pi.LineWrites(0)
		assert.GreaterOrEqual(t, other, lastOther)
		assert.GreaterOrEqual(t, line, lastLine)
		lastOther, lastLine = other, line
	}
}

func TestReportOutput(t *testing.T) {
	e := newTestEngine(t)
	const base = uintptr(0xc000000)

	e.OnMalloc(base, 16, 1, 0)
	for i := 0; i < 500; i++ {
		e.OnAccess(base, accessinfo.Write, 0)
		e.OnAccess(base+8, accessinfo.Write, 1)
	}
	e.OnFree(base)

	var buf bytes.Buffer
	require.NoError(t, e.Report(&buf))
	out := buf.String()

	assert.Contains(t, out, "NUMA SHARING REPORT")
	assert.Contains(t, out, "Allocation site site#1")
	assert.Contains(t, out, "cache line")
	assert.Contains(t, out, "invalidations")
	assert.Contains(t, out, "objects diagnosed: 1")
}

func TestReportEmpty(t *testing.T) {
	e := newTestEngine(t)
	var buf bytes.Buffer
	require.NoError(t, e.Report(&buf))
	assert.Contains(t, buf.String(), "No freed objects were diagnosed.")
}

func TestDiagnoseRestrictsToObjectExtent(t *testing.T) {
	e := newTestEngine(t)
	const (
		objA = uintptr(0xd000000)       // line 0 of the page
		objB = uintptr(0xd000000 + 64)  // line 1, other object
	)

	e.OnMalloc(objA, 64, 10, 0)
	e.OnMalloc(objB, 64, 11, 0)
	for i := 0; i < 100; i++ {
		e.OnAccess(objA, accessinfo.Write, 0)
		e.OnAccess(objB, accessinfo.Write, 1)
	}
	e.OnFree(objA)

	top := e.sites.Site(10).Top()
	require.Len(t, top, 1)
	lines := top[0].TopLines.SortedDesc()
	require.Len(t, lines, 1, "only the object's own line may appear")
	assert.Equal(t, objA, lines[0].LineStart)
}
