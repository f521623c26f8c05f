// Package shadow implements the profiler's sparse, paged shadow maps.
//
// A shadow map is an address-keyed table with one fixed-size value slot per
// 4 KiB page of the target's virtual address space. Two flavors share the
// slot protocol:
//
//   - Map[V]: the 48-bit address space is partitioned into MaxFragments
//     equally-sized segments, each backed by its own lazily-created mapping.
//     Used for the fine-grained cache line shadow, whose slots are large.
//   - SingleFragMap[V]: one contiguous mapping for the whole space, created
//     up front. Used for the per-page shadow, whose slots are small enough
//     that a single reservation suffices.
//
// Backing memory is an anonymous private mapping with NORESERVE, advised
// away from transparent huge pages so the kernel's first-touch placement
// stays sharp per 4 KiB page. Slots materialize on first touch; the OS
// commits shadow pages lazily.
//
// Slot protocol. Every slot begins with a 32-bit tag holding one of three
// states: NotInserted (0), Inserting (1), Inserted (2). A writer claims the
// slot by CASing NotInserted → Inserting, constructs the value in place,
// then publishes with an atomic store of Inserted. Readers trust the value
// only after observing Inserted, which gives them a happens-before edge to
// the construction. A concurrent second writer busy-waits for Inserted;
// construction is a handful of stores, so the wait is brief.
//
// The shadow is never scanned by the garbage collector: values placed in
// slots must not be the only reference to Go-heap memory.
package shadow
