package profiler

import (
	"fmt"
	"sync/atomic"

	"github.com/kolkov/numaprof/internal/numa/accessinfo"
	"github.com/kolkov/numaprof/internal/numa/addr"
	"github.com/kolkov/numaprof/internal/numa/atomics"
	"github.com/kolkov/numaprof/internal/numa/callsite"
	"github.com/kolkov/numaprof/internal/numa/config"
	"github.com/kolkov/numaprof/internal/numa/diagnosis"
	"github.com/kolkov/numaprof/internal/numa/object"
	"github.com/kolkov/numaprof/internal/numa/shadow"
)

// Stats are the engine's own bookkeeping counters, reported at teardown.
// Values are approximate where the hot path is involved.
type Stats struct {
	PagesTouched     uint64
	LinesEscalated   uint64
	ObjectsDiagnosed uint64
	DroppedAccesses  uint64
}

// Engine owns the shadow maps, the object registry and the per-call-site
// diagnosis table. One engine exists per process, created by Init and
// shared by every hook; all methods are safe for concurrent callers.
type Engine struct {
	cfg    config.Config
	params accessinfo.LineParams

	// pages is the cheap per-page shadow: one small record per 4 KiB page
	// in a single contiguous reservation.
	pages *shadow.SingleFragMap[accessinfo.PageAccessInfo]

	// lines is the fine-grained shadow: per page, the 64 cache line
	// detail records, in lazily-mapped fragments.
	lines *shadow.Map[accessinfo.CacheLinePage]

	registry  *object.Registry
	callsites *callsite.Table
	sites     *diagnosis.Table

	pagesTouched     atomic.Uint64
	linesEscalated   atomic.Uint64
	objectsDiagnosed atomic.Uint64
	droppedAccesses  atomic.Uint64
}

// New builds an engine for cfg. Failure to reserve shadow storage is
// returned as an error; the caller treats it as fatal, because the access
// path cannot run without shadow memory.
func New(cfg config.Config) (*Engine, error) {
	pages, err := shadow.NewSingleFragMap[accessinfo.PageAccessInfo](true)
	if err != nil {
		return nil, fmt.Errorf("page shadow: %w", err)
	}
	return &Engine{
		cfg: cfg,
		params: accessinfo.LineParams{
			Threads: cfg.MaxThreads,
			Retries: atomics.DefaultMaxRetries,
		},
		pages:     pages,
		lines:     shadow.NewMap[accessinfo.CacheLinePage]("cachelines", false),
		registry:  object.NewRegistry(),
		callsites: callsite.NewTable(),
		sites:     diagnosis.NewTable(cfg.TopObjects),
	}, nil
}

// Close releases the shadow reservations. Teardown only; no accessor may
// run concurrently or afterwards.
func (e *Engine) Close() {
	e.pages.Release()
	e.lines.Release()
}

// Callsites exposes the call-site table for symbolication.
func (e *Engine) Callsites() *callsite.Table {
	return e.callsites
}

// LiveObjects returns the number of currently registered objects.
func (e *Engine) LiveObjects() int64 {
	return e.registry.Live()
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	return Stats{
		PagesTouched:     e.pagesTouched.Load(),
		LinesEscalated:   e.linesEscalated.Load(),
		ObjectsDiagnosed: e.objectsDiagnosed.Load(),
		DroppedAccesses:  e.droppedAccesses.Load(),
	}
}

// OnAccess is the hot path, invoked for every load and store of the
// instrumented program.
//
// Constant-time: find (or lazily create) the page record, bump its
// counters, and exit unless the page says this cache line is hot enough
// to deserve detail. No locks on the common path; the only lock hides in
// the cold fragment-creation branch of the shadow maps.
//
//go:nosplit
func (e *Engine) OnAccess(a uintptr, kind accessinfo.AccessKind, tid uint16) {
	pi := e.pages.Find(a)
	if pi == nil {
		var created bool
		pi, created = e.pages.InsertIfAbsent(a, emptyPage)
		if pi == nil {
			e.droppedAccesses.Add(1)
			return
		}
		if created {
			e.pagesTouched.Add(1)
		}
	}

	// RecordAccess claims first touch for tid if no access or first-touch
	// signal got to the page before this one.
	pi.RecordAccess(tid, e.params.Retries)
	if kind == accessinfo.Write {
		pi.RecordWrite(a, e.params.Retries)
	}

	// Cheap exit: most accesses end here.
	if !pi.NeedLineDetail(a, e.cfg.CacheSharingThreshold) {
		return
	}

	lp, _ := e.lines.InsertIfAbsent(a, func(*accessinfo.CacheLinePage) {})
	if lp == nil {
		e.droppedAccesses.Add(1)
		return
	}
	k := addr.CacheLineIndexInPage(a)
	d := lp.Line(k)
	if !d.Touched() {
		e.linesEscalated.Add(1) // approximate under races; stats only
	}
	d.Record(&e.params, tid, kind, addr.WordIndexInCacheLine(a), pi.FirstTouchTID(), pi.IsPartial(k))
}

// emptyPage is the page shadow's slot constructor: the zero record is
// valid and unowned, so there is nothing to do beyond publication.
func emptyPage(*accessinfo.PageAccessInfo) {}

// OnFirstTouch records the page-fault signal: tid is the thread whose
// access faulted the page in. If an access claimed the page first, the
// earlier attribution stands.
func (e *Engine) OnFirstTouch(a uintptr, tid uint16) {
	pi, _ := e.pages.InsertIfAbsent(a, emptyPage)
	if pi != nil {
		pi.ClaimFirstTouch(tid)
	}
}

// OnMalloc registers a freshly allocated object and marks its boundary
// cache lines as partially occupied where the object's extent begins or
// ends strictly inside a line — such a line can hold bytes of a neighbor
// (or of allocator metadata), and only such lines need per-word
// attribution later. A line the object covers edge to edge can only
// exhibit true sharing, so it stays cheap.
//
// site is the pass-assigned call-site ID, 0 when the caller wants the
// runtime to intern pc instead.
func (e *Engine) OnMalloc(a, size uintptr, site uint32, pc uintptr) {
	if site == 0 {
		site = e.callsites.InternPC(pc)
	} else if pc != 0 {
		e.callsites.Bind(site, pc)
	}
	e.registry.Register(object.Info{Start: a, Size: size, CallSite: site})
	if size == 0 {
		return
	}

	if a%addr.CacheLineSize != 0 {
		e.markPartial(a)
	}
	if end := a + size; end%addr.CacheLineSize != 0 {
		e.markPartial(addr.CacheLineStart(end))
	}
}

// markPartial flags a's cache line in the page record. Materializing the
// record here must NOT commit a first-touch thread: allocating is not
// accessing, and the kernel places the page only when someone touches
// it. The record stays unowned until the first access or first-touch
// signal claims it.
func (e *Engine) markPartial(a uintptr) {
	pi, _ := e.pages.InsertIfAbsent(a, emptyPage)
	if pi != nil {
		pi.MarkPartial(addr.CacheLineIndexInPage(a))
	}
}

// OnFree claims the object, sweeps its shadow range and files the
// resulting diagnosis under its allocation site. A free with no matching
// registration — allocation predating instrumentation, or the second of
// two racing frees — is dropped.
//
// The object's shadow records are left in place afterwards.
func (e *Engine) OnFree(a uintptr) {
	info, ok := e.registry.Take(a)
	if !ok {
		return
	}
	d := e.diagnose(info)
	e.sites.Insert(d)
	e.objectsDiagnosed.Add(1)
}

// diagnose walks the object's address range page by page, folding the
// escalated cache line records inside the object's extent into an
// ObjectDiagnosis and classifying each spanned page as allocator- or
// application-caused.
func (e *Engine) diagnose(info object.Info) *diagnosis.ObjectDiagnosis {
	d := diagnosis.NewObjectDiagnosis(info, e.cfg.TopCacheLines, e.cfg.TopPages)
	end := info.End()

	// Page findings only make sense for objects that can be split from a
	// neighbor by placement, i.e. anything beyond a single cache line, and
	// only on pages whose cross-thread traffic crossed the page sharing
	// threshold.
	multiLine := info.Size > 0 &&
		addr.CacheLineStart(info.Start) != addr.CacheLineStart(end-1)

	for page := addr.PageStart(info.Start); page < end; page += addr.PageSize {
		pi := e.pages.Find(page)
		if pi == nil {
			continue
		}
		ft := pi.FirstTouchTID()

		var objByFT, objByOthers uint64
		var selfMask accessinfo.ThreadMask

		if lp := e.lines.Find(page); lp != nil {
			e.sweepLines(lp, info, page, end, ft, &objByFT, &objByOthers, &selfMask, d)
		}
		d.AddAccesses(objByFT, objByOthers)

		if multiLine && pi.NeedPageDetail(e.cfg.PageSharingThreshold) {
			pf := diagnosis.PageFinding{
				PageStart:                  page,
				FirstTouchTID:              ft,
				MaskInPage:                 pi.AccessMask(),
				MaskFromObject:             selfMask,
				PageAccessesByFirstTouch:   pi.FirstTouchAccesses(),
				ObjectAccessesByFirstTouch: objByFT,
				OtherAccesses:              pi.OtherAccesses(),
			}
			pf.Classify(e.cfg.AllocatorRatio)
			d.AddPage(pf)
		}
	}
	return d
}

// sweepLines folds every escalated cache line of one page that intersects
// the object into the diagnosis.
func (e *Engine) sweepLines(lp *accessinfo.CacheLinePage, info object.Info,
	page, end uintptr, ft uint16,
	objByFT, objByOthers *uint64, selfMask *accessinfo.ThreadMask,
	d *diagnosis.ObjectDiagnosis) {

	lo := addr.CacheLineStart(info.Start)
	if lo < page {
		lo = page
	}
	hi := page + addr.PageSize
	if hi > end {
		hi = end
	}

	for la := lo; la < hi; la += addr.CacheLineSize {
		dl := lp.Line(addr.CacheLineIndexInPage(la))
		if !dl.Touched() {
			continue
		}

		f := diagnosis.LineFinding{
			LineStart:               la,
			InvalidationsFirstTouch: dl.InvalidationsFirstTouch(),
			InvalidationsOther:      dl.InvalidationsOther(),
			Threads:                 dl.Threads(),
			Mask:                    dl.Mask(),
		}
		if dl.WordTracking() {
			var wm [addr.WordsPerCacheLine]accessinfo.ThreadMask
			for w := uintptr(0); w < addr.WordsPerCacheLine; w++ {
				wm[w], _ = dl.WordMask(w)
			}
			f.WordMasks = &wm
			// Restrict the object's own thread mask to the words its
			// bytes actually occupy on this line.
			for w := uintptr(0); w < addr.WordsPerCacheLine; w++ {
				wordStart := la + w*addr.WordSize
				if wordStart+addr.WordSize > info.Start && wordStart < end {
					selfMask.Merge(wm[w])
				}
			}
		} else if la >= info.Start && la+addr.CacheLineSize <= end {
			// A fully-interior line holds nothing but the object's own
			// bytes; the whole line mask is the object's.
			selfMask.Merge(f.Mask)
		}

		byFT := dl.AccessesBy(ft)
		*objByFT += byFT
		*objByOthers += dl.TotalAccesses() - byFT

		d.AddLine(f)
	}
}
