// Package config resolves the profiler's runtime options.
//
// Options come from environment variables read once during Init, before the
// target program's main runs. Parsing failures never abort the target:
// an unparseable value logs a warning and falls back to the default.
package config

import (
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/kolkov/numaprof/internal/numa/logx"
)

// Compile-time bounds. MaxThreadNum caps the per-thread tables embedded in
// every escalated cache line record; the environment can lower the
// effective capacity but never raise it past this.
const (
	// MaxThreadNum bounds dense thread IDs (and thread bitmask width).
	MaxThreadNum = 512

	// DefaultPageSharingThreshold is the number of accesses by
	// non-first-touch threads after which a page needs page-level diagnosis.
	DefaultPageSharingThreshold = 1000

	// DefaultCacheSharingThreshold is the number of writes to one cache
	// line after which the line is escalated to a detail record.
	DefaultCacheSharingThreshold = 1000

	// DefaultTopObjects is the number of object diagnoses kept per call site.
	DefaultTopObjects = 5

	// DefaultTopCacheLines is the number of cache line records kept per object.
	DefaultTopCacheLines = 3

	// DefaultTopPages is the number of page diagnoses kept per object.
	DefaultTopPages = 3

	// DefaultAllocatorRatio is the page-vs-object access ratio above which
	// an object's presence on a page is blamed on allocator layout.
	DefaultAllocatorRatio = 10
)

// Environment variable names. Each has a documented default above.
const (
	EnvPageThreshold  = "NUMAPROF_PAGE_THRESHOLD"
	EnvCacheThreshold = "NUMAPROF_CACHE_THRESHOLD"
	EnvTopK           = "NUMAPROF_TOP_K"
	EnvReport         = "NUMAPROF_REPORT"
	EnvMaxThreads     = "NUMAPROF_MAX_THREADS"
	EnvLog            = "NUMAPROF_LOG"
)

// Config is the immutable option set the engine is built with.
type Config struct {
	// PageSharingThreshold flags a page for page-level diagnosis once this
	// many accesses came from threads other than the first-touch thread.
	PageSharingThreshold uint64

	// CacheSharingThreshold escalates a cache line to a detail record once
	// this many writes hit it.
	CacheSharingThreshold uint64

	// TopObjects, TopCacheLines, TopPages bound the report's priority queues.
	TopObjects    int
	TopCacheLines int
	TopPages      int

	// MaxThreads is the dense thread ID capacity (≤ MaxThreadNum).
	MaxThreads int

	// AllocatorRatio is the threshold for allocator-caused classification.
	AllocatorRatio uint64

	// ReportPath is where the exit report goes; empty means stderr.
	ReportPath string

	// LogLevel is the profiler's own diagnostic level (not the report).
	LogLevel string
}

// Default returns the built-in option set.
func Default() Config {
	return Config{
		PageSharingThreshold:  DefaultPageSharingThreshold,
		CacheSharingThreshold: DefaultCacheSharingThreshold,
		TopObjects:            DefaultTopObjects,
		TopCacheLines:         DefaultTopCacheLines,
		TopPages:              DefaultTopPages,
		MaxThreads:            MaxThreadNum,
		AllocatorRatio:        DefaultAllocatorRatio,
	}
}

// FromEnv resolves the configuration from the process environment on top
// of the defaults.
func FromEnv() Config {
	cfg := Default()
	cfg.PageSharingThreshold = envUint(EnvPageThreshold, cfg.PageSharingThreshold)
	cfg.CacheSharingThreshold = envUint(EnvCacheThreshold, cfg.CacheSharingThreshold)
	if k := envInt(EnvTopK, 0); k > 0 {
		cfg.TopObjects = k
		cfg.TopCacheLines = k
		cfg.TopPages = k
	}
	if n := envInt(EnvMaxThreads, cfg.MaxThreads); n > 0 {
		if n > MaxThreadNum {
			logx.L().Warn("thread capacity capped",
				zap.Int("requested", n), zap.Int("cap", MaxThreadNum))
			n = MaxThreadNum
		}
		cfg.MaxThreads = n
	}
	cfg.ReportPath = os.Getenv(EnvReport)
	cfg.LogLevel = os.Getenv(EnvLog)
	return cfg
}

func envUint(name string, def uint64) uint64 {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		logx.L().Warn("ignoring unparseable option",
			zap.String("var", name), zap.String("value", s), zap.Error(err))
		return def
	}
	return v
}

func envInt(name string, def int) int {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		logx.L().Warn("ignoring unparseable option",
			zap.String("var", name), zap.String("value", s), zap.Error(err))
		return def
	}
	return v
}
