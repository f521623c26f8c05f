// Package atomics provides the compare-and-set and bounded-retry increment
// primitives used by the profiler's shadow records.
//
// The profiler's counters are hot but not safety-critical: a dropped
// increment skews a statistic by one, while an unbounded CAS loop on a
// contended cache line can stall the instrumented program. FetchAddBounded
// therefore retries a fixed number of times and then gives up, telling the
// caller the update was dropped. Callers that cannot tolerate drops pass
// RetryForever.
//
// All operations use sequentially consistent ordering (the only ordering
// sync/atomic provides), which matches the consistency contract of the
// shadow records: counters are monotonic, exact instantaneous values are
// not promised.
package atomics

import "sync/atomic"

const (
	// DefaultMaxRetries is the retry budget for hot-path counters.
	DefaultMaxRetries = 5

	// RetryForever makes FetchAddBounded retry until the CAS succeeds.
	RetryForever = -1
)

// Cas32 atomically compares *p with old and, if equal, stores new.
// Returns true if the swap happened.
//
//go:nosplit
func Cas32(p *uint32, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(p, old, new)
}

// Cas64 atomically compares *p with old and, if equal, stores new.
// Returns true if the swap happened.
//
//go:nosplit
func Cas64(p *uint64, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(p, old, new)
}

// FetchAddBounded adds delta to *p with at most maxRetries CAS attempts.
//
// Returns the value after the addition and true on success. If the retry
// budget is exhausted the update is dropped and the second result is
// false; the first result is then the last value observed. maxRetries < 0
// (RetryForever) loops until the CAS lands.
//
// The retry bound exists because these counters sit on memory that the
// profiled program itself is hammering: under heavy contention the CAS can
// lose repeatedly, and losing an increment is cheaper than spinning.
//
//go:nosplit
func FetchAddBounded(p *uint64, delta uint64, maxRetries int) (uint64, bool) {
	if maxRetries < 0 {
		for {
			old := atomic.LoadUint64(p)
			if atomic.CompareAndSwapUint64(p, old, old+delta) {
				return old + delta, true
			}
		}
	}
	var old uint64
	for i := 0; i < maxRetries; i++ {
		old = atomic.LoadUint64(p)
		if atomic.CompareAndSwapUint64(p, old, old+delta) {
			return old + delta, true
		}
	}
	return old, false
}
