package willow

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/go-kit/log"

	"github.com/ValentinKolb/willow/lib/cache"
	"github.com/ValentinKolb/willow/lib/cache/util"
	"github.com/ValentinKolb/willow/lib/cache/willow/internal"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	// defaultMaintenanceInterval is the period of the background
	// maintenance trigger when an expiration policy is configured.
	defaultMaintenanceInterval = time.Second
)

// --------------------------------------------------------------------------
// Write Records
// --------------------------------------------------------------------------

type taskKind uint8

const (
	taskUpsert taskKind = iota
	taskRemove
)

// writeTask is one structural record in the write buffer. The order of
// records for the same key defines the authoritative policy view.
type writeTask[K comparable, V any] struct {
	kind  taskKind
	entry *internal.Entry[K, V]
	old   *internal.Entry[K, V] // upsert only: the replaced entry
	cause cache.Cause
}

// --------------------------------------------------------------------------
// Core Cache Structure
// --------------------------------------------------------------------------

// cacheImpl implements cache.Cache with sharded storage and deferred
// policy maintenance.
type cacheImpl[K comparable, V any] struct {
	shards []*internal.Shard[K, V]
	hasher *util.Hasher[K]
	clock  cache.Clock

	readBuffer  *util.Striped[internal.Entry[K, V]]
	writeBuffer *util.MPSC[writeTask[K, V]]

	// evictionMu guards the policy structures (sketch, deques, wheel)
	// and the pending predicate list; drainStatus coalesces triggers
	drainStatus atomicDrainStatus
	evictionMu  sync.Mutex
	policy      *tinyLFU[K, V]
	wheel       *internal.TimerWheel[K, V]
	preds       []pendingPredicate[K, V]

	flight *initializer[K, V]

	// resolved options
	maxCapacity        int64
	ttl                int64 // nanos, 0 = none
	tti                int64 // nanos, 0 = none
	weigher            cache.Weigher[K, V]
	listener           cache.EvictionListener[K, V]
	invalidatorEnabled bool
	logger             log.Logger
	executor           func(fn func())
	mtr                *cacheMetrics

	withEviction   bool
	withExpiration bool

	done      chan struct{}
	closeOnce sync.Once
}

// pendingPredicate is a lazily-applied invalidation filter. It matches
// only entries written before it was registered.
type pendingPredicate[K comparable, V any] struct {
	fn           func(key K, value V) bool
	registeredAt int64
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// New creates a cache instance with the specified options.
//
// Thread-safety: the returned cache is safe for concurrent use; New
// itself should only be called once per instance.
func New[K comparable, V any](opts cache.Options[K, V]) (cache.Cache[K, V], error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	numShards := opts.NumShards
	if numShards <= 0 {
		numShards = runtime.NumCPU()
	}

	clk := opts.Clock
	if clk == nil {
		clk = newRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	executor := opts.Executor
	if executor == nil {
		executor = func(fn func()) { go fn() }
	}

	c := &cacheImpl[K, V]{
		shards:             internal.NewShards[K, V](numShards, opts.InitialCapacity),
		hasher:             util.NewHasher[K](util.GenerateSeed()),
		clock:              clk,
		readBuffer:         util.NewStriped[internal.Entry[K, V]](),
		writeBuffer:        util.NewMPSC[writeTask[K, V]](),
		policy:             newTinyLFU[K, V](opts.MaxCapacity),
		wheel:              internal.NewTimerWheel[K, V](),
		flight:             newInitializer[K, V](),
		maxCapacity:        opts.MaxCapacity,
		ttl:                int64(opts.TimeToLive),
		tti:                int64(opts.TimeToIdle),
		weigher:            opts.Weigher,
		listener:           opts.EvictionListener,
		invalidatorEnabled: opts.InvalidatorEnabled,
		logger:             logger,
		executor:           executor,
		mtr:                newCacheMetrics(opts.Metrics, opts.Name),
	}
	c.withEviction = opts.MaxCapacity > 0
	c.withExpiration = c.ttl > 0 || c.tti > 0

	if c.withExpiration {
		interval := opts.MaintenanceInterval
		if interval <= 0 {
			interval = defaultMaintenanceInterval
		}
		c.done = make(chan struct{})
		go c.maintenanceLoop(interval)
	}

	return c, nil
}

// maintenanceLoop periodically forces a maintenance cycle so that
// expired entries are reaped even on an otherwise idle cache.
func (c *cacheImpl[K, V]) maintenanceLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.RunPendingTasks()
		}
	}
}

// Close stops the background maintenance trigger.
//
// Thread-safety: This method is thread-safe and idempotent.
func (c *cacheImpl[K, V]) Close() error {
	c.closeOnce.Do(func() {
		if c.done != nil {
			close(c.done)
		}
	})
	return nil
}

// --------------------------------------------------------------------------
// Read Operations
// --------------------------------------------------------------------------

// Get retrieves the value for a key, recording the access for the
// eviction policy and refreshing the idle deadline.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *cacheImpl[K, V]) Get(key K) (V, bool) {
	e := c.liveEntry(key)
	if e == nil {
		var zero V
		return zero, false
	}

	e.SetAccessedAt(c.clock.NowNanos())
	c.afterRead(e)
	c.mtr.recordHit()
	return e.Value, true
}

// GetQuietly retrieves the value for a key without any policy side
// effects: no frequency increment, no recency move, no idle refresh.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *cacheImpl[K, V]) GetQuietly(key K) (V, bool) {
	e := c.quietEntry(key)
	if e == nil {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Contains checks whether a live, non-expired entry exists for a key.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *cacheImpl[K, V]) Contains(key K) bool {
	return c.quietEntry(key) != nil
}

// liveEntry performs the read hot path: a lock-free map lookup plus an
// expiration test. Misses opportunistically kick a pending drain.
func (c *cacheImpl[K, V]) liveEntry(key K) *internal.Entry[K, V] {
	hash := c.hasher.Hash(key)
	shard := internal.GetShard(hash, c.shards)

	e, ok := shard.Data.Load(key)
	if !ok {
		c.mtr.recordMiss()
		if c.drainStatus.load() == drainRequired {
			c.scheduleDrain()
		}
		return nil
	}
	if e.HasExpired(c.clock.NowNanos()) {
		// logically removed; the maintenance pass reaps it
		c.mtr.recordMiss()
		c.scheduleDrain()
		return nil
	}
	return e
}

// quietEntry is liveEntry without miss bookkeeping or drain scheduling.
func (c *cacheImpl[K, V]) quietEntry(key K) *internal.Entry[K, V] {
	hash := c.hasher.Hash(key)
	shard := internal.GetShard(hash, c.shards)

	e, ok := shard.Data.Load(key)
	if !ok || !e.IsAlive() || e.HasExpired(c.clock.NowNanos()) {
		return nil
	}
	return e
}

// afterRead appends the access trace to the read buffer. A full stripe
// is a signal that maintenance is overdue.
func (c *cacheImpl[K, V]) afterRead(e *internal.Entry[K, V]) {
	if c.skipReadBuffer() {
		return
	}
	delayable := c.readBuffer.Add(e.Hash, e) != util.Full
	if c.shouldDrain(delayable) {
		c.scheduleDrain()
	}
}

// skipReadBuffer reports whether read traces carry no information for
// this configuration (no eviction policy and no idle deadline).
func (c *cacheImpl[K, V]) skipReadBuffer() bool {
	return !c.withEviction && c.tti == 0
}

// --------------------------------------------------------------------------
// Single-Flight Read Operations
// --------------------------------------------------------------------------

// GetWith returns the value for key, computing and inserting it with
// init on a miss. Among concurrent callers init runs exactly once.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *cacheImpl[K, V]) GetWith(ctx context.Context, key K, init func() V) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	return c.flight.do(ctx, key, func() (V, error) {
		// another caller may have inserted between the miss and this
		// slot being claimed
		if v, ok := c.GetQuietly(key); ok {
			return v, nil
		}
		v := init()
		c.mtr.recordLoad()
		c.Insert(key, v)
		return v, nil
	})
}

// TryGetWith is GetWith for fallible initializers. A failed computation
// inserts nothing and its error is shared by all concurrent waiters; a
// subsequent call runs a fresh initializer.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *cacheImpl[K, V]) TryGetWith(ctx context.Context, key K, init func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	return c.flight.do(ctx, key, func() (V, error) {
		if v, ok := c.GetQuietly(key); ok {
			return v, nil
		}
		v, err := init()
		if err != nil {
			c.mtr.recordLoadFailure()
			var zero V
			return zero, err
		}
		c.mtr.recordLoad()
		c.Insert(key, v)
		return v, nil
	})
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

// Insert stores a value for a key. If the key already exists, the old
// value is replaced; readers observe the new value before the policy
// records the write.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *cacheImpl[K, V]) Insert(key K, value V) {
	now := c.clock.NowNanos()
	hash := c.hasher.Hash(key)
	shard := internal.GetShard(hash, c.shards)

	e := internal.NewEntry(key, value, hash, c.weightOf(key, value))
	e.SetUpdatedAt(now)
	e.SetAccessedAt(now)
	if c.ttl > 0 {
		e.SetExpiresAt(now + c.ttl)
	}
	if c.tti > 0 {
		e.SetIdleAt(now + c.tti)
	}

	var old *internal.Entry[K, V]
	shard.Data.Compute(key, func(cur *internal.Entry[K, V], loaded bool) (*internal.Entry[K, V], bool) {
		if loaded {
			old = cur
		}
		return e, false
	})

	cause := cache.CauseReplaced
	if old != nil {
		old.Retire()
		if old.HasExpired(now) {
			cause = cache.CauseExpired
		}
	}

	c.afterWrite(&writeTask[K, V]{kind: taskUpsert, entry: e, old: old, cause: cause})
}

// weightOf derives the entry weight. A zero weigher result is clamped to
// 1 because Insert cannot fail.
func (c *cacheImpl[K, V]) weightOf(key K, value V) uint32 {
	if c.weigher == nil {
		return 1
	}
	if w := c.weigher(key, value); w > 0 {
		return w
	}
	return 1
}

// Invalidate removes the entry for a key. Idempotent.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *cacheImpl[K, V]) Invalidate(key K) {
	now := c.clock.NowNanos()
	hash := c.hasher.Hash(key)
	shard := internal.GetShard(hash, c.shards)

	var old *internal.Entry[K, V]
	shard.Data.Compute(key, func(cur *internal.Entry[K, V], loaded bool) (*internal.Entry[K, V], bool) {
		if !loaded {
			return cur, true // delete to avoid creating the key
		}
		old = cur
		return cur, true
	})
	if old == nil {
		return
	}

	old.Retire()
	cause := cache.CauseExplicit
	if old.HasExpired(now) {
		cause = cache.CauseExpired
	}
	c.afterWrite(&writeTask[K, V]{kind: taskRemove, entry: old, cause: cause})
}

// InvalidateAll removes every entry.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *cacheImpl[K, V]) InvalidateAll() {
	c.evictionMu.Lock()
	defer c.evictionMu.Unlock()

	// bring the policy view up to date before sweeping
	c.drainReadBuffer()
	for {
		t := c.writeBuffer.TryPop()
		if t == nil {
			break
		}
		c.runTask(t)
	}

	for _, shard := range c.shards {
		shard.Data.Range(func(_ K, e *internal.Entry[K, V]) bool {
			c.evictEntry(e, cache.CauseExplicit)
			return true
		})
	}
}

// InvalidateEntriesIf registers a lazily-applied removal predicate. It
// only matches entries written before this call.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *cacheImpl[K, V]) InvalidateEntriesIf(pred func(key K, value V) bool) error {
	if !c.invalidatorEnabled {
		return cache.NewError(cache.ErrCodeInvalidConfig, "InvalidateEntriesIf requires Options.InvalidatorEnabled")
	}

	c.evictionMu.Lock()
	c.preds = append(c.preds, pendingPredicate[K, V]{
		fn:           pred,
		registeredAt: c.clock.NowNanos(),
	})
	c.evictionMu.Unlock()

	c.scheduleAfterWrite()
	return nil
}

// afterWrite enqueues a structural record and makes sure a maintenance
// run is scheduled to consume it.
func (c *cacheImpl[K, V]) afterWrite(t *writeTask[K, V]) {
	c.writeBuffer.Push(t)
	c.scheduleAfterWrite()
}

// --------------------------------------------------------------------------
// Iteration and Introspection
// --------------------------------------------------------------------------

// Range iterates over all live entries. The iteration is weakly
// consistent: every entry that is live for the whole call is visited
// exactly once, concurrent modifications may or may not be observed,
// and no entry is visited twice.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *cacheImpl[K, V]) Range(fn func(key K, value V) bool) {
	now := c.clock.NowNanos()
	for _, shard := range c.shards {
		stopped := false
		shard.Data.Range(func(key K, e *internal.Entry[K, V]) bool {
			if !e.IsAlive() || e.HasExpired(now) {
				return true
			}
			if !fn(key, e.Value) {
				stopped = true
				return false
			}
			return true
		})
		if stopped {
			return
		}
	}
}

// EntryCount returns the approximate number of live entries.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *cacheImpl[K, V]) EntryCount() int {
	count := 0
	for _, shard := range c.shards {
		count += shard.Data.Size()
	}
	return count
}

// WeightedSize returns the summed weight of admitted entries as of the
// last completed maintenance cycle, running pending maintenance first if
// any is due.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *cacheImpl[K, V]) WeightedSize() uint64 {
	c.evictionMu.Lock()
	defer c.evictionMu.Unlock()
	if c.drainStatus.load() == drainRequired {
		c.maintenance()
	}
	return c.policy.weightedSize()
}
