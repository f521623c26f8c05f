// Package profiler implements the access-tracking and diagnosis engine.
//
// The engine shadows the target's address space at two granularities. The
// per-page records are cheap — a couple of atomic counter bumps per access
// — and exist to decide when something is worth watching closely. Only
// when a page's counters cross their thresholds does the engine escalate
// to per-cache-line detail records with per-thread attribution.
//
// The engine runs inline on the caller's thread for every access,
// allocation and free; it creates no threads of its own. The access path
// is constant-time and lock-free except for the one cold lock taken when a
// shadow fragment is first mapped.
//
// On free, the engine sweeps the object's shadow range, synthesizes an
// ObjectDiagnosis distinguishing cache-line sharing, page sharing, and
// allocator-caused placement, and files it under the object's allocation
// site. The shadow itself is deliberately not cleared: a future
// allocation at the same address joins the existing history, which biases
// toward over-attributing sharing to reused regions and is documented as
// such.
package profiler
