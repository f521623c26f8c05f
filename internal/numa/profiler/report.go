package profiler

import (
	"fmt"
	"io"

	"github.com/kolkov/numaprof/internal/numa/addr"
	"github.com/kolkov/numaprof/internal/numa/diagnosis"
)

// Report writes the ranked findings: every call site in descending order
// of its best score, each with its top objects, and each object with the
// cache line and page findings that convicted it.
//
// Called once at process exit, after all accessors have quiesced.
func (e *Engine) Report(w io.Writer) error {
	sites := e.sites.Sites()

	fmt.Fprintln(w, "==================")
	fmt.Fprintln(w, "NUMA SHARING REPORT")
	fmt.Fprintln(w, "==================")
	if len(sites) == 0 {
		fmt.Fprintln(w, "No freed objects were diagnosed.")
		return nil
	}

	for _, site := range sites {
		fmt.Fprintf(w, "\nAllocation site %s\n", e.callsites.Format(site.Site))
		for _, d := range site.Top() {
			e.reportObject(w, d)
		}
	}

	stats := e.Stats()
	fmt.Fprintf(w, "\n------------------\n")
	fmt.Fprintf(w, "pages touched: %d, cache lines escalated: %d, objects diagnosed: %d, accesses dropped: %d\n",
		stats.PagesTouched, stats.LinesEscalated, stats.ObjectsDiagnosed, stats.DroppedAccesses)
	return nil
}

func (e *Engine) reportObject(w io.Writer, d *diagnosis.ObjectDiagnosis) {
	fmt.Fprintf(w, "  object 0x%x (%d bytes)  score %d\n",
		d.Object.Start, d.Object.Size, d.Score())
	fmt.Fprintf(w, "    accesses:      first-touch %d, other threads %d\n",
		d.AccessesFirstTouch, d.AccessesOther)
	fmt.Fprintf(w, "    invalidations: first-touch %d, other threads %d\n",
		d.InvalidationsFirstTouch, d.InvalidationsOther)

	for _, f := range d.TopLines.SortedDesc() {
		fmt.Fprintf(w, "    cache line 0x%x: %d threads %v, invalidations %d/%d\n",
			f.LineStart, f.Threads, f.Mask.TIDs(),
			f.InvalidationsFirstTouch, f.InvalidationsOther)
		if f.WordMasks != nil {
			for wi := uintptr(0); wi < addr.WordsPerCacheLine; wi++ {
				m := f.WordMasks[wi]
				if m.Empty() {
					continue
				}
				fmt.Fprintf(w, "      word %d: threads %v\n", wi, m.TIDs())
			}
		}
	}

	for _, f := range d.TopPages.SortedDesc() {
		verdict := "application-caused"
		if f.AllocatorCaused {
			verdict = "allocator-caused"
		}
		fmt.Fprintf(w, "    page 0x%x: %s, first-touch thread %d, threads in page %v, threads from object %v\n",
			f.PageStart, verdict, f.FirstTouchTID,
			f.MaskInPage.TIDs(), f.MaskFromObject.TIDs())
	}
}
