// Package util provides the generic concurrency primitives used by the
// willow cache engine: a wait-free multi-producer single-consumer queue
// (the write buffer), a striped lossy ring buffer (the read buffer), and
// seeded key hashing.
//
// All types in this package are engine-agnostic: they know nothing about
// cache entries or eviction policies. The engine composes them.
//
// Concurrency model:
//
//   - MPSC: any number of goroutines may Push concurrently; exactly one
//     goroutine (the maintenance task) may call TryPop.
//   - Striped: any number of goroutines may Add concurrently; Add is
//     lossy and never blocks. Exactly one goroutine may call DrainTo.
//   - Hasher: all methods are thread-safe after construction.
package util
