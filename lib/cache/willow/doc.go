// Package willow implements the cache.Cache interface with a sharded,
// mostly lock-free engine. It provides a complete implementation with a
// focus on thread safety, bounded memory and predictable tail latency.
//
// The package focuses on:
//   - Optimized concurrent access through sharding and lock-free data
//     structures on the read and write hot paths
//   - Frequency-aware retention: a windowed TinyLFU policy guided by a
//     4-bit count-min sketch decides admissions and evictions
//   - Time-based entry management: time-to-live and time-to-idle
//     deadlines tracked by a hierarchical timer wheel
//   - Single-flight loading: at most one value computation per key runs
//     at a time, shared by all concurrent callers
//
// Key Components:
//
//   - cacheImpl: the central structure implementing cache.Cache. It owns
//     the shards, the read/write buffers and the maintenance machinery,
//     and provides the public API for cache operations.
//
//   - Shard: a partition of the concurrent map. Keys are distributed
//     across shards by a seeded 64-bit hash; reads are lock-free, writes
//     lock only within the shard's map.
//
//   - Read/Write Buffers: reads append a lossy trace to striped ring
//     buffers; writes append structural records to a lock-free MPSC
//     queue. Neither path touches the policy structures directly.
//
//   - Maintenance Task: the single consumer of both buffers. It updates
//     the frequency sketch, the access-order deques and the timer wheel,
//     reaps expired entries, applies lazy invalidation predicates and
//     enforces the weighted capacity bound. Triggers are coalesced
//     through a drain-status state machine so at most one task is
//     scheduled per cache instance.
//
//   - Value Initializer: a per-key wait map giving GetWith/TryGetWith
//     their exactly-once semantics.
//
// Internal Mechanisms:
//
//   - Entry lifecycle: alive (published in the map) -> retired (removed
//     from the map but still referenced by buffered records) -> dead
//     (fully unlinked). Buffered records referring to retired or dead
//     entries are skipped by the maintenance task, so no structure ever
//     follows a dangling reference.
//
//   - Expiration: an entry is logically expired the moment its earliest
//     deadline passes; readers treat expired entries as absent, and the
//     timer wheel physically removes them in the first maintenance cycle
//     after the wheel tick holding the deadline (about one second at the
//     finest level) has passed.
//
//   - Admission: when over capacity, the window's LRU entry contests the
//     probation LRU; the contestant with the higher sketch frequency
//     stays (ties break on hash parity against a flipping jitter bit)
//     and the loser is evicted.
package willow
