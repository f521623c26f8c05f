package shadow

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/kolkov/numaprof/internal/numa/addr"
	"github.com/kolkov/numaprof/internal/numa/atomics"
	"github.com/kolkov/numaprof/internal/numa/logx"
)

// Slot tag states. See the package comment for the protocol.
const (
	tagNotInserted uint32 = 0
	tagInserting   uint32 = 1
	tagInserted    uint32 = 2
)

const (
	// MaxFragments is the number of equally-sized segments the supported
	// address space is partitioned into.
	MaxFragments = 1024

	// fragShift converts an address into its fragment index.
	fragShift = supportedBits - 10 // log2(MaxFragments) == 10

	// pagesPerFragment is the number of page slots each fragment holds.
	pagesPerFragment = uintptr(1) << (fragShift - addr.PageShift)

	// valueOffset is where the value starts inside a slot; the 32-bit tag
	// plus padding keeps the value word-aligned.
	valueOffset = addr.WordSize
)

// Map is the multi-fragment shadow map: one value slot of type V per 4 KiB
// page, fragments materialized lazily under a per-map lock.
//
// All read-side operations are constant time and lock-free; only the first
// access into an untouched fragment takes the lock, briefly, to mmap it.
//
// V must not hold the only reference to Go-heap memory (the shadow is
// invisible to the GC).
type Map[V any] struct {
	name      string
	blockSize uintptr
	fragBytes uintptr

	// fragments holds the base address of each mapped segment, nil until
	// materialized. Loads are atomic so the hot path never locks.
	fragments [MaxFragments]atomic.Pointer[byte]

	// mu serializes fragment creation (double-checked under the lock) and
	// guards backing, the mapped regions retained for Release.
	mu      sync.Mutex
	backing [][]byte
}

// NewMap returns an empty multi-fragment map. cacheAligned pads each slot
// to a cache line boundary so neighboring slots, which belong to different
// target pages and are typically hit by different threads, do not share a
// line of the shadow itself.
func NewMap[V any](name string, cacheAligned bool) *Map[V] {
	var v V
	block := valueOffset + unsafe.Sizeof(v)
	if cacheAligned {
		block = addr.AlignUpToCacheLine(block)
	} else {
		block = addr.AlignUpToWord(block)
	}
	return &Map[V]{
		name:      name,
		blockSize: block,
		fragBytes: pagesPerFragment * block,
	}
}

// slot returns the tag and value pointers for key's block, or (nil, nil)
// if the fragment is absent or the key is outside the supported range.
//
//go:nosplit
func (m *Map[V]) slot(key uintptr) (*uint32, *V) {
	frag := key >> fragShift
	if frag >= MaxFragments {
		return nil, nil
	}
	base := m.fragments[frag].Load()
	if base == nil {
		return nil, nil
	}
	idx := (key & (uintptr(1)<<fragShift - 1)) >> addr.PageShift
	block := unsafe.Add(unsafe.Pointer(base), idx*m.blockSize)
	return (*uint32)(block), (*V)(unsafe.Add(block, valueOffset))
}

// createFragment maps the segment containing key. Double-checks under the
// lock so concurrent first touches of one segment map it exactly once.
func (m *Map[V]) createFragment(key uintptr) bool {
	frag := key >> fragShift
	if frag >= MaxFragments {
		if logx.Once(m.name + "/out-of-range") {
			logx.L().Warn("address outside shadowed range, dropping accesses",
				zap.String("map", m.name), zap.Uintptr("addr", key))
		}
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fragments[frag].Load() != nil {
		return true
	}
	b, err := mapShadow(m.fragBytes)
	if err != nil {
		logx.L().Error("shadow fragment mmap failed",
			zap.String("map", m.name), zap.Uintptr("fragment", frag), zap.Error(err))
		return false
	}
	logx.L().Debug("shadow fragment created",
		zap.String("map", m.name), zap.Uintptr("fragment", frag),
		zap.Uintptr("bytes", m.fragBytes))
	m.backing = append(m.backing, b)
	m.fragments[frag].Store(&b[0])
	return true
}

// InsertIfAbsent returns the slot value for key, constructing it with init
// if the slot was empty. The second result is true when this call did the
// construction.
//
// Returns (nil, false) when key is outside the supported range or the
// backing fragment cannot be mapped; the caller drops the event.
func (m *Map[V]) InsertIfAbsent(key uintptr, init func(*V)) (*V, bool) {
	tag, val := m.slot(key)
	if tag == nil {
		if !m.createFragment(key) {
			return nil, false
		}
		tag, val = m.slot(key)
	}
	if atomics.Cas32(tag, tagNotInserted, tagInserting) {
		init(val)
		atomic.StoreUint32(tag, tagInserted)
		return val, true
	}
	// Lost the race: the winner is mid-construction. Busy-wait for the
	// publish; construction is a few stores.
	for atomic.LoadUint32(tag) != tagInserted {
	}
	return val, false
}

// Insert unconditionally (re)constructs the slot for key and publishes it.
// Unlike InsertIfAbsent it does not arbitrate concurrent writers; callers
// use it only when they own the key.
func (m *Map[V]) Insert(key uintptr, init func(*V)) *V {
	tag, val := m.slot(key)
	if tag == nil {
		if !m.createFragment(key) {
			return nil
		}
		tag, val = m.slot(key)
	}
	init(val)
	atomic.StoreUint32(tag, tagInserted)
	return val
}

// Find returns the slot value for key, or nil if it was never inserted.
// A slot observed mid-construction (Inserting) is treated as absent.
//
//go:nosplit
func (m *Map[V]) Find(key uintptr) *V {
	tag, val := m.slot(key)
	if tag == nil || atomic.LoadUint32(tag) != tagInserted {
		return nil
	}
	return val
}

// Remove marks key's slot as never-inserted. The value bytes are reused
// as-is by the next Insert/InsertIfAbsent for the same page.
func (m *Map[V]) Remove(key uintptr) {
	tag, _ := m.slot(key)
	if tag == nil {
		return
	}
	atomic.StoreUint32(tag, tagNotInserted)
}

// Release unmaps every fragment. Only called at teardown, after all
// accessors have quiesced; any slot pointer obtained earlier is dead.
func (m *Map[V]) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.fragments {
		m.fragments[i].Store(nil)
	}
	for _, b := range m.backing {
		if err := unmapShadow(b); err != nil {
			logx.L().Warn("shadow fragment unmap failed", zap.Error(err))
		}
	}
	m.backing = nil
}
