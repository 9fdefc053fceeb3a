package internal

import (
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Policy Regions
// --------------------------------------------------------------------------

// Region identifies which access-order deque an entry currently lives in.
type Region uint8

const (
	RegionWindow Region = iota // admission window, newly inserted entries
	RegionProbation            // candidates for eviction
	RegionProtected            // entries that have been re-accessed
)

func (r Region) String() string {
	switch r {
	case RegionWindow:
		return "Window"
	case RegionProbation:
		return "Probation"
	case RegionProtected:
		return "Protected"
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Entry Lifecycle States
// --------------------------------------------------------------------------

const (
	// entryAlive: the entry is in the map and may be in the policy.
	entryAlive int32 = iota
	// entryRetired: removed from the map, still referenced by buffered
	// records or policy structures.
	entryRetired
	// entryDead: fully unlinked from map and policy.
	entryDead
)

// --------------------------------------------------------------------------
// Entry Type
// --------------------------------------------------------------------------

// Entry is one cached mapping. The key, value, hash and weight are
// immutable once the entry is published; a value change is expressed by
// replacing the whole entry. Timestamps and deadlines are atomics because
// readers update them concurrently with the maintenance task.
//
// The intrusive link fields (access deque, timer wheel) and the region
// tag are owned exclusively by the maintenance task and must never be
// touched from any other goroutine.
type Entry[K comparable, V any] struct {
	Key    K
	Value  V
	Hash   uint64
	Weight uint32

	state atomic.Int32

	// deadlines and timestamps in nanoseconds on the cache's monotonic
	// clock; 0 = not set
	expiresAt  atomic.Int64 // write-time deadline
	idleAt     atomic.Int64 // idle deadline, refreshed by reads
	accessedAt atomic.Int64
	updatedAt  atomic.Int64

	// access-order deque links (maintenance-owned)
	prevAccess *Entry[K, V]
	nextAccess *Entry[K, V]
	region     Region
	inDeque    bool

	// timer wheel links (maintenance-owned)
	prevTimer     *Entry[K, V]
	nextTimer     *Entry[K, V]
	wheelDeadline int64
}

// NewEntry creates an entry in the alive state.
func NewEntry[K comparable, V any](key K, value V, hash uint64, weight uint32) *Entry[K, V] {
	return &Entry[K, V]{
		Key:    key,
		Value:  value,
		Hash:   hash,
		Weight: weight,
	}
}

// --------------------------------------------------------------------------
// Deadlines and Timestamps
// --------------------------------------------------------------------------

func (e *Entry[K, V]) ExpiresAt() int64 { return e.expiresAt.Load() }

func (e *Entry[K, V]) SetExpiresAt(at int64) { e.expiresAt.Store(at) }

func (e *Entry[K, V]) IdleAt() int64 { return e.idleAt.Load() }

func (e *Entry[K, V]) SetIdleAt(at int64) { e.idleAt.Store(at) }

func (e *Entry[K, V]) AccessedAt() int64 { return e.accessedAt.Load() }

func (e *Entry[K, V]) SetAccessedAt(now int64) { e.accessedAt.Store(now) }

func (e *Entry[K, V]) UpdatedAt() int64 { return e.updatedAt.Load() }

func (e *Entry[K, V]) SetUpdatedAt(now int64) { e.updatedAt.Store(now) }

// Deadline returns the earliest of the write-time and idle deadlines, or
// 0 if the entry never expires.
func (e *Entry[K, V]) Deadline() int64 {
	exp := e.expiresAt.Load()
	idle := e.idleAt.Load()
	switch {
	case exp == 0:
		return idle
	case idle == 0:
		return exp
	case idle < exp:
		return idle
	default:
		return exp
	}
}

// HasExpired reports whether the entry is logically expired at the given
// time. Expired entries are treated as absent by readers even before the
// maintenance task reaps them.
func (e *Entry[K, V]) HasExpired(now int64) bool {
	if exp := e.expiresAt.Load(); exp != 0 && now >= exp {
		return true
	}
	if idle := e.idleAt.Load(); idle != 0 && now >= idle {
		return true
	}
	return false
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// IsAlive reports whether the entry is still published in the map.
func (e *Entry[K, V]) IsAlive() bool { return e.state.Load() == entryAlive }

// IsDead reports whether the entry has been fully unlinked.
func (e *Entry[K, V]) IsDead() bool { return e.state.Load() == entryDead }

// Retire marks a map-removed entry that is still referenced by buffered
// records or policy structures.
func (e *Entry[K, V]) Retire() {
	e.state.CompareAndSwap(entryAlive, entryRetired)
}

// Die marks the entry fully unlinked.
func (e *Entry[K, V]) Die() { e.state.Store(entryDead) }

// --------------------------------------------------------------------------
// Maintenance-Owned Accessors
// --------------------------------------------------------------------------

// Region returns the entry's current policy region.
// Thread-safety: maintenance task only.
func (e *Entry[K, V]) Region() Region { return e.region }

// InDeque reports whether the entry is linked into an access deque.
// Thread-safety: maintenance task only.
func (e *Entry[K, V]) InDeque() bool { return e.inDeque }

// Scheduled reports whether the entry is linked into the timer wheel.
// Thread-safety: maintenance task only.
func (e *Entry[K, V]) Scheduled() bool { return e.nextTimer != nil }
