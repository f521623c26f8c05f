// Package diagnosis turns the shadow records swept at free time into
// ranked findings.
//
// An ObjectDiagnosis is synthesized once per freed object. It owns two
// bounded queues — the most serious cache lines intersecting the object,
// and the page findings for objects spanning more than one cache line —
// and is then moved into its allocation site's CallSiteDiagnosis, which
// keeps the top-K objects per site for the lifetime of the process.
package diagnosis

import (
	"sort"
	"sync"

	"github.com/kolkov/numaprof/internal/numa/accessinfo"
	"github.com/kolkov/numaprof/internal/numa/addr"
	"github.com/kolkov/numaprof/internal/numa/object"
	"github.com/kolkov/numaprof/internal/numa/topk"
)

// LineFinding is the aggregated view of one escalated cache line as it
// intersected a freed object.
type LineFinding struct {
	// LineStart is the cache line's base address.
	LineStart uintptr

	// InvalidationsFirstTouch / InvalidationsOther carry the line's
	// invalidation counts attributed via the page's first-touch thread.
	InvalidationsFirstTouch uint64
	InvalidationsOther      uint64

	// Threads is the number of distinct threads that touched the line.
	Threads int

	// Mask is the line's thread bitmask.
	Mask accessinfo.ThreadMask

	// WordMasks is the per-word thread attribution, present only when the
	// line was partially occupied and word tracking materialized.
	WordMasks *[addr.WordsPerCacheLine]accessinfo.ThreadMask
}

// Score returns the finding's seriousness.
func (f LineFinding) Score() uint64 {
	return ScoreInvalidations(f.InvalidationsFirstTouch, f.InvalidationsOther, f.Threads)
}

// PageFinding is the page-level view for one page a freed object spanned,
// including the allocator-versus-application verdict.
type PageFinding struct {
	// PageStart is the page's base address.
	PageStart uintptr

	// FirstTouchTID is the page's first-touch thread.
	FirstTouchTID uint16

	// MaskInPage is every thread that touched the page.
	MaskInPage accessinfo.ThreadMask

	// MaskFromObject is the thread mask restricted to the object's own
	// bytes on this page.
	MaskFromObject accessinfo.ThreadMask

	// PageAccessesByFirstTouch counts the first-touch thread's accesses
	// anywhere on the page; ObjectAccessesByFirstTouch counts its accesses
	// to this object's bytes. Their ratio decides AllocatorCaused.
	PageAccessesByFirstTouch   uint64
	ObjectAccessesByFirstTouch uint64

	// OtherAccesses counts the page's accesses by non-first-touch threads.
	OtherAccesses uint64

	// AllocatorCaused is true when the page's first-touch thread was
	// pinned to the page by some other object, making this object's
	// placement an allocator layout artifact rather than an application
	// sharing pattern.
	AllocatorCaused bool
}

// Score returns the finding's seriousness.
func (f PageFinding) Score() uint64 {
	return ScorePageSharing(f.OtherAccesses, f.MaskInPage.Count())
}

// Classify computes the allocator-caused verdict.
//
// Two signals convict the allocator. First, sharing confined to
// neighbors: the page is touched by several threads while this object's
// own bytes are not — the cross-thread traffic comes from whatever else
// the allocator put on the page. Second, the ratio rule: the page's
// first-touch thread accessed the page ratio× more than it accessed this
// object's own bytes, meaning that thread was pinned to the page by some
// other object and this object merely landed next to it.
func (f *PageFinding) Classify(ratio uint64) {
	if f.MaskInPage.Count() > 1 && f.MaskFromObject.Count() <= 1 {
		f.AllocatorCaused = true
		return
	}
	if f.ObjectAccessesByFirstTouch == 0 {
		f.AllocatorCaused = f.PageAccessesByFirstTouch > 0
		return
	}
	f.AllocatorCaused = f.PageAccessesByFirstTouch > ratio*f.ObjectAccessesByFirstTouch
}

// ObjectDiagnosis is the synthesized report for one freed object.
type ObjectDiagnosis struct {
	// Object identifies the freed object.
	Object object.Info

	// Invalidation totals attributed via each page's first-touch thread.
	InvalidationsFirstTouch uint64
	InvalidationsOther      uint64

	// Access totals over the escalated cache lines intersecting the
	// object, split by each page's first-touch thread versus everyone
	// else. Accesses on lines that never escalated are not counted.
	AccessesFirstTouch uint64
	AccessesOther      uint64

	// TopLines and TopPages are the object's bounded finding queues.
	TopLines *topk.Queue[LineFinding]
	TopPages *topk.Queue[PageFinding]

	threads accessinfo.ThreadMask
}

// NewObjectDiagnosis returns an empty diagnosis for info with the given
// queue bounds.
func NewObjectDiagnosis(info object.Info, topLines, topPages int) *ObjectDiagnosis {
	return &ObjectDiagnosis{
		Object:   info,
		TopLines: topk.New(topLines, LineFinding.Score),
		TopPages: topk.New(topPages, PageFinding.Score),
	}
}

// AddLine folds a cache line finding into the totals and offers it to the
// line queue.
func (d *ObjectDiagnosis) AddLine(f LineFinding) {
	d.InvalidationsFirstTouch += f.InvalidationsFirstTouch
	d.InvalidationsOther += f.InvalidationsOther
	d.threads.Merge(f.Mask)
	d.TopLines.Push(f)
}

// AddPage offers a page finding to the page queue. It does not touch the
// object's access totals; AddAccesses accumulates those.
func (d *ObjectDiagnosis) AddPage(f PageFinding) {
	d.TopPages.Push(f)
}

// AddAccesses accumulates the object's access split for one page.
func (d *ObjectDiagnosis) AddAccesses(byFirstTouch, byOthers uint64) {
	d.AccessesFirstTouch += byFirstTouch
	d.AccessesOther += byOthers
}

// Threads returns the distinct threads seen across the object's lines.
func (d *ObjectDiagnosis) Threads() int {
	return d.threads.Count()
}

// Score returns the object's seriousness: invalidation totals weighted by
// distinct thread involvement.
func (d *ObjectDiagnosis) Score() uint64 {
	return ScoreInvalidations(d.InvalidationsFirstTouch, d.InvalidationsOther, d.Threads())
}

// CallSiteDiagnosis aggregates the top-K object diagnoses of one
// allocation site. Process-wide lifetime; Insert may be called from any
// thread (frees race).
type CallSiteDiagnosis struct {
	Site uint32

	mu  sync.Mutex
	top *topk.Queue[*ObjectDiagnosis]
}

// Insert offers an object diagnosis; if the queue is full the weakest
// entry is displaced.
func (c *CallSiteDiagnosis) Insert(d *ObjectDiagnosis) {
	c.mu.Lock()
	c.top.Push(d)
	c.mu.Unlock()
}

// Top returns the kept diagnoses, best first.
func (c *CallSiteDiagnosis) Top() []*ObjectDiagnosis {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.top.SortedDesc()
}

// MaxScore returns the best kept score, for ranking sites in the report.
func (c *CallSiteDiagnosis) MaxScore() uint64 {
	var best uint64
	for _, d := range c.Top() {
		if s := d.Score(); s > best {
			best = s
		}
	}
	return best
}

// Len returns the number of kept diagnoses.
func (c *CallSiteDiagnosis) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.top.Len()
}

// Table is the process-wide per-call-site diagnosis registry.
type Table struct {
	topObjects int
	sites      sync.Map // uint32 → *CallSiteDiagnosis
}

// NewTable returns an empty table keeping topObjects diagnoses per site.
func NewTable(topObjects int) *Table {
	return &Table{topObjects: topObjects}
}

// Site returns site's aggregate, creating it on first use.
func (t *Table) Site(site uint32) *CallSiteDiagnosis {
	if v, ok := t.sites.Load(site); ok {
		return v.(*CallSiteDiagnosis)
	}
	fresh := &CallSiteDiagnosis{
		Site: site,
		top: topk.New(t.topObjects, func(d *ObjectDiagnosis) uint64 {
			return d.Score()
		}),
	}
	actual, _ := t.sites.LoadOrStore(site, fresh)
	return actual.(*CallSiteDiagnosis)
}

// Insert routes an object diagnosis to its site's queue.
func (t *Table) Insert(d *ObjectDiagnosis) {
	t.Site(d.Object.CallSite).Insert(d)
}

// Sites returns every aggregate, ordered by descending best score with
// the site ID as tiebreak, ready for report emission.
func (t *Table) Sites() []*CallSiteDiagnosis {
	var out []*CallSiteDiagnosis
	t.sites.Range(func(_, v any) bool {
		out = append(out, v.(*CallSiteDiagnosis))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].MaxScore(), out[j].MaxScore()
		if si != sj {
			return si > sj
		}
		return out[i].Site < out[j].Site
	})
	return out
}
