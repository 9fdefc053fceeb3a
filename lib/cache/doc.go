// Package cache defines the public interface for the willow in-memory
// cache: the generic Cache interface, configuration options, removal
// causes and the error types shared by all engine implementations.
//
// The cache bounds memory by weighted size using a frequency-aware
// admission policy (a windowed TinyLFU), honors time-to-live and
// time-to-idle constraints, and coordinates compute-on-miss so that at
// most one computation per key runs at a time.
//
// The actual engine lives in the willow subpackage; this package only
// carries the contract:
//
//	c, err := willow.New[string, int](cache.Options[string, int]{
//		MaxCapacity: 10_000,
//		TimeToLive:  5 * time.Minute,
//	})
//	if err != nil { ... }
//	defer c.Close()
//
//	c.Insert("a", 1)
//	v, ok := c.Get("a")
//
// Read operations are designed to be wait-free on the hot path; write
// operations take only short shard-local locks. Policy bookkeeping is
// deferred to a coalesced maintenance task, so weighted-size bounds are
// enforced after buffers drain (call RunPendingTasks for a deterministic
// cut-off point).
package cache
