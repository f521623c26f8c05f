// Package object tracks live heap objects between the allocation and free
// hooks.
//
// The registry is a fixed-size open-addressed hash table keyed by an
// object's base address. The allocator always passes the base address back
// at free, so no range search is needed — lookup, registration and removal
// are all constant-time probes. Slots are published with the same
// three-state tag protocol as the shadow maps, with one extra state for
// removed slots so probe chains stay intact.
package object

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kolkov/numaprof/internal/numa/atomics"
	"github.com/kolkov/numaprof/internal/numa/logx"
)

// Info is one live heap object: its base address, size and the small
// integer ID of the allocation site that produced it. Two objects from the
// same call site are distinct Infos; they meet again only in the per-site
// diagnosis aggregation.
type Info struct {
	Start    uintptr
	Size     uintptr
	CallSite uint32
}

// End returns the first address past the object.
func (i Info) End() uintptr {
	return i.Start + i.Size
}

// Slot states. Empty and removed slots are both claimable; removed keeps
// the probe chain walkable for entries inserted past a collision.
const (
	slotEmpty     uint32 = 0
	slotInserting uint32 = 1
	slotInserted  uint32 = 2
	slotRemoved   uint32 = 3
)

const (
	// registryBits sizes the table: 1<<18 slots (~260k live objects).
	registryBits = 18
	registrySize = 1 << registryBits
	registryMask = registrySize - 1

	// maxProbes bounds the linear probe. Exhaustion drops the
	// registration; the object's eventual free is then silently ignored,
	// which is the profiler's standard degradation.
	maxProbes = 128
)

type slot struct {
	state uint32
	_     uint32
	info  Info
}

// Registry is the process-wide live-object table. Any thread may call any
// method.
type Registry struct {
	slots []slot
	live  atomic.Int64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make([]slot, registrySize)}
}

// hash spreads base addresses over the table. Multiplicative hash with the
// golden ratio constant; base addresses are word-aligned, so the low bits
// carry no entropy and the top bits are taken instead.
//
//go:nosplit
func hash(a uintptr) uint64 {
	const goldenRatio = 0x9E3779B97F4A7C15
	return (uint64(a) * goldenRatio) >> (64 - registryBits)
}

// Register records a freshly allocated object. Returns false when the
// probe budget is exhausted (the registration is dropped).
func (r *Registry) Register(info Info) bool {
	h := hash(info.Start)
	for i := uint64(0); i < maxProbes; {
		s := &r.slots[(h+i)&registryMask]
		st := atomic.LoadUint32(&s.state)

		if st == slotInserted && s.info.Start == info.Start {
			// Same base address registered twice without an intervening
			// free: the allocator reused the region behind our back.
			// Adopt the newer identity.
			if atomics.Cas32(&s.state, slotInserted, slotInserting) {
				s.info = info
				atomic.StoreUint32(&s.state, slotInserted)
				return true
			}
			continue // claimed concurrently, re-examine this slot
		}

		if st == slotEmpty || st == slotRemoved {
			if atomics.Cas32(&s.state, st, slotInserting) {
				s.info = info
				atomic.StoreUint32(&s.state, slotInserted)
				r.live.Add(1)
				return true
			}
			continue // lost the claim, re-examine this slot
		}

		i++
	}
	if logx.Once("object-registry/full") {
		logx.L().Warn("object registry probe exhausted, dropping registration",
			zap.Uintptr("addr", info.Start))
	}
	return false
}

// Lookup returns the live object starting at a, if any.
func (r *Registry) Lookup(a uintptr) (Info, bool) {
	h := hash(a)
	for i := uint64(0); i < maxProbes; i++ {
		s := &r.slots[(h+i)&registryMask]
		switch atomic.LoadUint32(&s.state) {
		case slotEmpty:
			return Info{}, false
		case slotInserted:
			if s.info.Start == a {
				return s.info, true
			}
		}
		// Inserting or removed or a collision: keep probing.
	}
	return Info{}, false
}

// Take claims and removes the live object starting at a, returning its
// Info. Exactly one caller wins for a given registration; a second free of
// the same object finds nothing. This is what makes double-free diagnosis
// idempotent.
func (r *Registry) Take(a uintptr) (Info, bool) {
	h := hash(a)
	for i := uint64(0); i < maxProbes; i++ {
		s := &r.slots[(h+i)&registryMask]
		switch atomic.LoadUint32(&s.state) {
		case slotEmpty:
			return Info{}, false
		case slotInserted:
			if s.info.Start != a {
				continue
			}
			if !atomics.Cas32(&s.state, slotInserted, slotInserting) {
				// Another thread is claiming or replacing it; treat as
				// lost — the winner produces the diagnosis.
				return Info{}, false
			}
			info := s.info
			atomic.StoreUint32(&s.state, slotRemoved)
			r.live.Add(-1)
			return info, true
		}
	}
	return Info{}, false
}

// Live returns the number of currently registered objects.
func (r *Registry) Live() int64 {
	return r.live.Load()
}
