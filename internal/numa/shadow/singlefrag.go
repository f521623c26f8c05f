package shadow

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/kolkov/numaprof/internal/numa/addr"
	"github.com/kolkov/numaprof/internal/numa/atomics"
)

// SingleFragMap is the single-fragment shadow map flavor: one contiguous
// NORESERVE reservation covering the whole supported address space, one
// value slot of type V per page. There is no lock anywhere — the mapping
// exists from construction, and slot publication is carried entirely by
// the tag protocol.
//
// Used where V is small enough that slots × blockSize fits comfortably in
// one reservation (the per-page access records).
type SingleFragMap[V any] struct {
	base      unsafe.Pointer
	backing   []byte
	blockSize uintptr
	slots     uintptr
}

// NewSingleFragMap reserves the map's backing memory. Failure here is
// fatal to the profiler: without shadow storage the hot path cannot run.
func NewSingleFragMap[V any](cacheAligned bool) (*SingleFragMap[V], error) {
	var v V
	block := valueOffset + unsafe.Sizeof(v)
	if cacheAligned {
		block = addr.AlignUpToCacheLine(block)
	} else {
		block = addr.AlignUpToWord(block)
	}
	slots := uintptr(1) << (supportedBits - addr.PageShift)
	b, err := mapShadow(slots * block)
	if err != nil {
		return nil, fmt.Errorf("single-fragment shadow reservation: %w", err)
	}
	return &SingleFragMap[V]{
		base:      unsafe.Pointer(&b[0]),
		backing:   b,
		blockSize: block,
		slots:     slots,
	}, nil
}

// Release unmaps the reservation. Only called at teardown, after all
// accessors have quiesced.
func (m *SingleFragMap[V]) Release() {
	if m.backing == nil {
		return
	}
	_ = unmapShadow(m.backing)
	m.backing = nil
	m.base = nil
	m.slots = 0
}

// slot returns the tag and value pointers for key's block, or (nil, nil)
// when key lies outside the supported range.
//
//go:nosplit
func (m *SingleFragMap[V]) slot(key uintptr) (*uint32, *V) {
	idx := key >> addr.PageShift
	if idx >= m.slots {
		return nil, nil
	}
	block := unsafe.Add(m.base, idx*m.blockSize)
	return (*uint32)(block), (*V)(unsafe.Add(block, valueOffset))
}

// InsertIfAbsent returns the slot value for key, constructing it with init
// if the slot was empty; the second result is true when this call did the
// construction. Returns (nil, false) for out-of-range keys.
func (m *SingleFragMap[V]) InsertIfAbsent(key uintptr, init func(*V)) (*V, bool) {
	tag, val := m.slot(key)
	if tag == nil {
		return nil, false
	}
	if atomics.Cas32(tag, tagNotInserted, tagInserting) {
		init(val)
		atomic.StoreUint32(tag, tagInserted)
		return val, true
	}
	for atomic.LoadUint32(tag) != tagInserted {
	}
	return val, false
}

// Insert unconditionally (re)constructs and publishes the slot for key.
func (m *SingleFragMap[V]) Insert(key uintptr, init func(*V)) *V {
	tag, val := m.slot(key)
	if tag == nil {
		return nil
	}
	init(val)
	atomic.StoreUint32(tag, tagInserted)
	return val
}

// Find returns the slot value for key, or nil if never inserted.
//
//go:nosplit
func (m *SingleFragMap[V]) Find(key uintptr) *V {
	tag, val := m.slot(key)
	if tag == nil || atomic.LoadUint32(tag) != tagInserted {
		return nil
	}
	return val
}

// Remove marks key's slot as never-inserted.
func (m *SingleFragMap[V]) Remove(key uintptr) {
	tag, _ := m.slot(key)
	if tag == nil {
		return
	}
	atomic.StoreUint32(tag, tagNotInserted)
}
