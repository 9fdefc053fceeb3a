package willow

import (
	"sync/atomic"

	"github.com/ValentinKolb/willow/lib/cache"
	"github.com/ValentinKolb/willow/lib/cache/willow/internal"
)

// --------------------------------------------------------------------------
// Drain-Status State Machine
// --------------------------------------------------------------------------

const (
	// drainIdle: no maintenance is taking place.
	drainIdle uint32 = iota
	// drainRequired: a drain is needed due to a pending write record.
	drainRequired
	// drainProcessingToIdle: a drain is in progress and will transition
	// to idle.
	drainProcessingToIdle
	// drainProcessingToRequired: a drain is in progress and more work
	// arrived; another drain follows.
	drainProcessingToRequired
)

// atomicDrainStatus coalesces maintenance triggers: losers of the CAS
// race simply do nothing, guaranteeing at most one scheduled task.
type atomicDrainStatus struct {
	v atomic.Uint32
}

func (s *atomicDrainStatus) load() uint32 { return s.v.Load() }

func (s *atomicDrainStatus) store(val uint32) { s.v.Store(val) }

func (s *atomicDrainStatus) cas(old, new uint32) bool { return s.v.CompareAndSwap(old, new) }

// writeBufferDrainMax bounds how many write records one cycle consumes
// so a burst of writers cannot pin the maintenance task forever.
const writeBufferDrainMax = 1024

// --------------------------------------------------------------------------
// Triggering
// --------------------------------------------------------------------------

// shouldDrain decides whether a read should trigger maintenance. A
// non-delayable signal (a full read stripe) always triggers.
func (c *cacheImpl[K, V]) shouldDrain(delayable bool) bool {
	switch c.drainStatus.load() {
	case drainIdle:
		return !delayable
	case drainRequired:
		return true
	default: // a drain is already in progress
		return false
	}
}

// scheduleAfterWrite marks a drain as required and schedules it, folding
// into an in-progress cycle when possible.
func (c *cacheImpl[K, V]) scheduleAfterWrite() {
	for {
		switch c.drainStatus.load() {
		case drainIdle:
			c.drainStatus.cas(drainIdle, drainRequired)
			c.scheduleDrain()
			return
		case drainRequired:
			c.scheduleDrain()
			return
		case drainProcessingToIdle:
			if c.drainStatus.cas(drainProcessingToIdle, drainProcessingToRequired) {
				return
			}
		case drainProcessingToRequired:
			return
		}
	}
}

// scheduleDrain hands a maintenance run to the executor. The scheduling
// goroutine acquires the eviction mutex and the executor's goroutine
// releases it after the run, so concurrent triggers coalesce on the
// TryLock.
func (c *cacheImpl[K, V]) scheduleDrain() {
	if c.drainStatus.load() >= drainProcessingToIdle {
		return
	}
	if !c.evictionMu.TryLock() {
		return
	}
	if c.drainStatus.load() >= drainProcessingToIdle {
		c.evictionMu.Unlock()
		return
	}
	c.drainStatus.store(drainProcessingToIdle)
	c.executor(func() {
		c.maintenance()
		c.evictionMu.Unlock()
		// the cycle may have hit the write-drain bound; follow up
		if c.drainStatus.load() == drainRequired {
			c.scheduleDrain()
		}
	})
}

// RunPendingTasks runs the maintenance task to completion.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *cacheImpl[K, V]) RunPendingTasks() {
	c.evictionMu.Lock()
	for {
		c.maintenance()
		if c.drainStatus.load() != drainRequired {
			break
		}
	}
	c.evictionMu.Unlock()
}

// --------------------------------------------------------------------------
// The Maintenance Cycle
// --------------------------------------------------------------------------

// maintenance performs one full cycle. The caller must hold evictionMu.
//
// Cycle order: drain read traces (sketch + recency + idle refresh),
// drain write records (policy + wheel bookkeeping), reap expirations,
// apply lazy invalidation predicates, then enforce the capacity bound.
func (c *cacheImpl[K, V]) maintenance() {
	c.drainStatus.store(drainProcessingToIdle)

	c.drainReadBuffer()
	c.drainWriteBuffer()

	now := c.clock.NowNanos()
	c.expireEntries(now)
	c.applyPredicates()
	c.evictEntries(now)

	if !c.drainStatus.cas(drainProcessingToIdle, drainIdle) {
		// more work arrived while draining
		c.drainStatus.store(drainRequired)
	}
}

func (c *cacheImpl[K, V]) drainReadBuffer() {
	if c.skipReadBuffer() {
		return
	}
	c.readBuffer.DrainTo(c.onAccess)
}

// onAccess applies one buffered read trace: frequency increment, recency
// move and coalesced idle-deadline refresh. Records referring to retired
// or dead entries only contribute their frequency.
func (c *cacheImpl[K, V]) onAccess(e *internal.Entry[K, V]) {
	c.policy.sketch.Increment(e.Hash)

	if !e.IsAlive() {
		return
	}
	c.policy.access(e)

	if c.tti > 0 && e.IsAlive() {
		e.SetIdleAt(e.AccessedAt() + c.tti)
		if e.Scheduled() {
			c.wheel.Reschedule(e)
		} else if e.Deadline() > 0 {
			c.wheel.Schedule(e)
		}
	}
}

func (c *cacheImpl[K, V]) drainWriteBuffer() {
	for i := 0; i < writeBufferDrainMax; i++ {
		t := c.writeBuffer.TryPop()
		if t == nil {
			return
		}
		c.runTask(t)
	}
	// records remain; make sure another cycle follows
	c.drainStatus.store(drainProcessingToRequired)
}

// runTask applies one structural write record to the policy structures
// and the timer wheel.
func (c *cacheImpl[K, V]) runTask(t *writeTask[K, V]) {
	switch t.kind {
	case taskUpsert:
		if old := t.old; old != nil {
			c.unlinkEntry(old)
			c.notifyRemoval(old.Key, old.Value, t.cause)
		}
		e := t.entry
		c.policy.sketch.Increment(e.Hash)
		if e.IsAlive() {
			c.policy.insert(e)
			if !e.Scheduled() && e.Deadline() > 0 {
				c.wheel.Schedule(e)
			}
		}
	case taskRemove:
		// the record exists because Invalidate removed this exact entry
		// from the map, so the notification belongs to this record even
		// if a policy pass already unlinked the entry
		e := t.entry
		c.unlinkEntry(e)
		c.notifyRemoval(e.Key, e.Value, t.cause)
	}
}

// unlinkEntry detaches an entry from the access deques and the timer
// wheel and marks it dead. Safe to call more than once.
func (c *cacheImpl[K, V]) unlinkEntry(e *internal.Entry[K, V]) {
	c.policy.remove(e)
	c.wheel.Deschedule(e)
	e.Die()
}

// --------------------------------------------------------------------------
// Expiration, Invalidation and Eviction Passes
// --------------------------------------------------------------------------

func (c *cacheImpl[K, V]) expireEntries(now int64) {
	if !c.withExpiration {
		return
	}
	c.wheel.Advance(now, func(e *internal.Entry[K, V]) {
		if e.IsDead() {
			return
		}
		// double-check: the deadline may have moved since the entry was
		// bucketed
		if !e.HasExpired(now) {
			c.wheel.Schedule(e)
			return
		}
		c.evictEntry(e, cache.CauseExpired)
	})
}

func (c *cacheImpl[K, V]) applyPredicates() {
	if len(c.preds) == 0 {
		return
	}
	preds := c.preds
	c.preds = nil

	for _, shard := range c.shards {
		shard.Data.Range(func(_ K, e *internal.Entry[K, V]) bool {
			if !e.IsAlive() {
				return true
			}
			for _, p := range preds {
				if e.UpdatedAt() <= p.registeredAt && p.fn(e.Key, e.Value) {
					c.evictEntry(e, cache.CauseExplicit)
					break
				}
			}
			return true
		})
	}
}

func (c *cacheImpl[K, V]) evictEntries(now int64) {
	if !c.withEviction {
		return
	}
	c.policy.enforce(func(e *internal.Entry[K, V]) {
		cause := cache.CauseSize
		if e.HasExpired(now) {
			cause = cache.CauseExpired
		}
		c.evictEntry(e, cause)
	})
}

// evictEntry removes an entry chosen by the policy (or a predicate, or
// the expiration pass) from the map and all policy structures. The map
// removal is conditional on pointer identity so a newer entry for the
// same key is never clobbered.
func (c *cacheImpl[K, V]) evictEntry(e *internal.Entry[K, V], cause cache.Cause) {
	shard := internal.GetShard(e.Hash, c.shards)

	removed := false
	shard.Data.Compute(e.Key, func(cur *internal.Entry[K, V], loaded bool) (*internal.Entry[K, V], bool) {
		if !loaded {
			return cur, true // delete to avoid creating the key
		}
		if cur != e {
			// a newer entry took the key in the meantime
			return cur, false
		}
		removed = true
		return cur, true
	})

	if removed {
		e.Retire()
	}
	c.unlinkEntry(e)
	if removed {
		c.notifyRemoval(e.Key, e.Value, cause)
	}
}

// --------------------------------------------------------------------------
// Listener Notification
// --------------------------------------------------------------------------

// notifyRemoval invokes the eviction listener in maintenance context. A
// panicking listener is isolated and logged; it never aborts the cycle.
func (c *cacheImpl[K, V]) notifyRemoval(key K, value V, cause cache.Cause) {
	c.mtr.recordRemoval(cause)
	if c.listener == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			_ = c.logger.Log("msg", "eviction listener panicked", "cause", cause, "panic", r)
		}
	}()
	c.listener(key, value, cause)
}
