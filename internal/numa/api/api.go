// Package api wires the runtime hooks to the process-wide profiler engine.
//
// Everything here is a singleton: the hooks arrive with no receiver (that
// is the instrumentation contract), so the engine, the configuration and
// the thread registry hang off package globals initialized by Init. All
// hooks are safe to call at any time — before Init or after Fini they are
// dropped, which covers calls made while the dynamic loader (or the Go
// runtime) is still setting the process up.
package api

import (
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kolkov/numaprof/internal/numa/accessinfo"
	"github.com/kolkov/numaprof/internal/numa/config"
	"github.com/kolkov/numaprof/internal/numa/logx"
	"github.com/kolkov/numaprof/internal/numa/profiler"
)

var (
	// enabled gates every hook; flipped on by Init, off by Fini.
	enabled atomic.Bool

	// eng is the process-wide engine; valid while enabled is true.
	eng atomic.Pointer[profiler.Engine]

	// cfg is the resolved option set, fixed at Init.
	cfg config.Config

	// tids caches the dense thread ID per goroutine (int64 → uint16).
	tids sync.Map

	// nextTID hands out dense thread IDs from a monotonic counter. IDs
	// are never reused: the per-cache-line tables are indexed by TID, and
	// a recycled ID would merge two threads' attributions.
	nextTID atomic.Uint32

	initOnce sync.Once
	finiOnce sync.Once
)

// Init initializes the profiler: resolves configuration, reserves the
// shadow maps and enables the hooks. Idempotent; the first caller wins.
//
// Failure to reserve shadow storage is fatal — the access path cannot run
// without it, and limping on would silently profile nothing.
func Init() {
	initOnce.Do(func() {
		cfg = config.FromEnv()
		logx.SetLevel(cfg.LogLevel)
		e, err := profiler.New(cfg)
		if err != nil {
			logx.L().Error("cannot reserve shadow memory, aborting", zap.Error(err))
			os.Exit(1)
		}
		eng.Store(e)
		enabled.Store(true)
		logx.L().Info("profiler initialized",
			zap.Uint64("pageThreshold", cfg.PageSharingThreshold),
			zap.Uint64("cacheThreshold", cfg.CacheSharingThreshold),
			zap.Int("maxThreads", cfg.MaxThreads))
	})
}

// Fini disables the hooks and emits the report. Idempotent.
func Fini() {
	finiOnce.Do(func() {
		e := eng.Load()
		if e == nil {
			return
		}
		enabled.Store(false)

		w := os.Stderr
		if cfg.ReportPath != "" {
			f, err := os.Create(cfg.ReportPath)
			if err != nil {
				logx.L().Warn("cannot create report file, falling back to stderr",
					zap.String("path", cfg.ReportPath), zap.Error(err))
			} else {
				w = f
				defer f.Close()
			}
		}
		if err := e.Report(w); err != nil {
			logx.L().Warn("report emission failed", zap.Error(err))
		}

		stats := e.Stats()
		logx.L().Info("profiler finished",
			zap.Uint64("pagesTouched", stats.PagesTouched),
			zap.Uint64("linesEscalated", stats.LinesEscalated),
			zap.Uint64("objectsDiagnosed", stats.ObjectsDiagnosed),
			zap.Uint64("droppedAccesses", stats.DroppedAccesses),
			zap.Int64("liveObjects", e.LiveObjects()))
	})
}

// ThreadStart allocates (or returns) the calling goroutine's dense thread
// ID. The instrumentation pass inserts a call at the top of main and of
// every goroutine body; accesses from goroutines that never registered
// are dropped.
func ThreadStart() uint16 {
	gid := getGoroutineID()
	if v, ok := tids.Load(gid); ok {
		return v.(uint16)
	}
	id := nextTID.Add(1) - 1
	if int(id) >= maxThreads() {
		if logx.Once("thread-id-overflow") {
			logx.L().Warn("thread capacity exhausted; new threads share the last ID",
				zap.Int("capacity", maxThreads()))
		}
		id = uint32(maxThreads() - 1)
	}
	tid := uint16(id)
	actual, _ := tids.LoadOrStore(gid, tid)
	return actual.(uint16)
}

// lookupTID returns the caller's dense thread ID without allocating one.
// On the access hot path: goroutine identity comes from the TLS fast
// path (one g-register read on amd64/arm64), and the dense ID is a
// lock-free map load keyed by it.
//
//go:nosplit
func lookupTID() (uint16, bool) {
	v, ok := tids.Load(getGoroutineID())
	if !ok {
		return 0, false
	}
	return v.(uint16), true
}

// ReadAt records a load of addr. Hot path.
//
//go:nosplit
func ReadAt(addr uintptr) {
	if !enabled.Load() {
		return
	}
	tid, ok := lookupTID()
	if !ok {
		return // thread never registered: drop
	}
	eng.Load().OnAccess(addr, accessinfo.Read, tid)
}

// WriteAt records a store to addr. Hot path.
//
//go:nosplit
func WriteAt(addr uintptr) {
	if !enabled.Load() {
		return
	}
	tid, ok := lookupTID()
	if !ok {
		return
	}
	eng.Load().OnAccess(addr, accessinfo.Write, tid)
}

// Malloc records an allocation under a pass-assigned call-site ID. pc is
// the allocation site in user code (0 when unknown); the facade captures
// it so the report can symbolicate the site. Allocating commits no
// first-touch attribution — that belongs to the first access.
func Malloc(addr, size uintptr, site uint32, pc uintptr) {
	if !enabled.Load() {
		return
	}
	eng.Load().OnMalloc(addr, size, site, pc)
}

// MallocAuto records an allocation, interning pc as the call site. Used
// when no pass assigned an ID.
func MallocAuto(addr, size uintptr, pc uintptr) {
	if !enabled.Load() {
		return
	}
	eng.Load().OnMalloc(addr, size, 0, pc)
}

// Free runs diagnosis for the object at addr and unregisters it.
func Free(addr uintptr) {
	if !enabled.Load() {
		return
	}
	eng.Load().OnFree(addr)
}

// FirstTouch records the page-fault signal naming tid as the thread that
// faulted addr's page in.
func FirstTouch(addr uintptr, tid uint16) {
	if !enabled.Load() {
		return
	}
	eng.Load().OnFirstTouch(addr, tid)
}

// maxThreads guards against hooks racing ahead of Init.
func maxThreads() int {
	if cfg.MaxThreads > 0 {
		return cfg.MaxThreads
	}
	return config.MaxThreadNum
}
