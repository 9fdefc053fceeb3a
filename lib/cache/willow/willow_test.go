package willow

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ValentinKolb/willow/lib/cache"
)

// --------------------------------------------------------------------------
// Test Helpers
// --------------------------------------------------------------------------

// fakeClock is a manually advanced clock for deterministic deadline
// tests.
type fakeClock struct {
	now atomic.Int64
}

func (c *fakeClock) NowNanos() int64 { return c.now.Load() }

func (c *fakeClock) Advance(d time.Duration) { c.now.Add(int64(d)) }

// removal records one eviction-listener invocation.
type removal struct {
	key   string
	value int
	cause cache.Cause
}

// removalLog collects listener invocations; the listener runs in
// maintenance context, so the mutex only guards against concurrent test
// readers.
type removalLog struct {
	mu       sync.Mutex
	removals []removal
}

func (l *removalLog) listener() cache.EvictionListener[string, int] {
	return func(key string, value int, cause cache.Cause) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.removals = append(l.removals, removal{key, value, cause})
	}
}

func (l *removalLog) countByCause(cause cache.Cause) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.removals {
		if r.cause == cause {
			n++
		}
	}
	return n
}

// newTestCache builds a cache with a fake clock and a synchronous
// executor so maintenance timing is fully deterministic.
func newTestCache(t *testing.T, mutate func(*cache.Options[string, int])) (cache.Cache[string, int], *fakeClock) {
	t.Helper()

	clk := &fakeClock{}
	opts := cache.DefaultOptions[string, int]()
	opts.NumShards = 4
	opts.Clock = clk
	opts.Executor = func(fn func()) { fn() }
	if mutate != nil {
		mutate(&opts)
	}

	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, clk
}

// --------------------------------------------------------------------------
// Construction
// --------------------------------------------------------------------------

func TestNewRejectsZeroCapacity(t *testing.T) {
	opts := cache.DefaultOptions[string, int]()
	opts.MaxCapacity = 0

	_, err := New(opts)
	require.Error(t, err)
	assert.True(t, cache.IsCode(err, cache.ErrCodeCapacityZero))
}

func TestNewRejectsIdleAboveLive(t *testing.T) {
	opts := cache.DefaultOptions[string, int]()
	opts.TimeToLive = time.Second
	opts.TimeToIdle = 2 * time.Second

	_, err := New(opts)
	require.Error(t, err)
	assert.True(t, cache.IsCode(err, cache.ErrCodeInvalidConfig))
}

// --------------------------------------------------------------------------
// Basic Operations
// --------------------------------------------------------------------------

func TestInsertAndGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t, func(o *cache.Options[string, int]) {
		o.MaxCapacity = 100
	})

	c.Insert("k", 7)
	c.RunPendingTasks()

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 7, v)

	assert.Equal(t, 1, c.EntryCount())
	assert.Equal(t, uint64(1), c.WeightedSize())
}

func TestGetMiss(t *testing.T) {
	c, _ := newTestCache(t, nil)

	_, ok := c.Get("missing")
	assert.False(t, ok)
}

func TestInsertReplacesValue(t *testing.T) {
	log := &removalLog{}
	c, _ := newTestCache(t, func(o *cache.Options[string, int]) {
		o.MaxCapacity = 100
		o.EvictionListener = log.listener()
	})

	c.Insert("k", 1)
	c.Insert("k", 2)
	c.RunPendingTasks()

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.EntryCount())
	assert.Equal(t, 1, log.countByCause(cache.CauseReplaced))
}

func TestInvalidateIsIdempotent(t *testing.T) {
	log := &removalLog{}
	c, _ := newTestCache(t, func(o *cache.Options[string, int]) {
		o.EvictionListener = log.listener()
	})

	c.Insert("k", 1)
	c.Invalidate("k")
	c.Invalidate("k")
	c.RunPendingTasks()

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.EntryCount())
	assert.Equal(t, 1, log.countByCause(cache.CauseExplicit))
}

func TestInvalidateAll(t *testing.T) {
	log := &removalLog{}
	c, _ := newTestCache(t, func(o *cache.Options[string, int]) {
		o.EvictionListener = log.listener()
	})

	for _, k := range []string{"a", "b", "c"} {
		c.Insert(k, 1)
	}
	c.RunPendingTasks()
	c.InvalidateAll()

	assert.Equal(t, 0, c.EntryCount())
	assert.Equal(t, 3, log.countByCause(cache.CauseExplicit))
	assert.Equal(t, uint64(0), c.WeightedSize())
}

func TestGetQuietlyAndContains(t *testing.T) {
	c, _ := newTestCache(t, nil)

	c.Insert("k", 5)

	v, ok := c.GetQuietly("k")
	require.True(t, ok)
	assert.Equal(t, 5, v)
	assert.True(t, c.Contains("k"))
	assert.False(t, c.Contains("other"))
}

func TestRangeVisitsLiveEntries(t *testing.T) {
	c, _ := newTestCache(t, nil)

	keys := []string{"a", "b", "c", "d"}
	for i, k := range keys {
		c.Insert(k, i)
	}
	c.RunPendingTasks()

	seen := make(map[string]int)
	c.Range(func(k string, v int) bool {
		seen[k] = v
		return true
	})

	assert.Len(t, seen, len(keys))
	for i, k := range keys {
		assert.Equal(t, i, seen[k])
	}

	// early stop
	visited := 0
	c.Range(func(string, int) bool {
		visited++
		return false
	})
	assert.Equal(t, 1, visited)
}

// --------------------------------------------------------------------------
// Expiration
// --------------------------------------------------------------------------

func TestTimeToLive(t *testing.T) {
	c, clk := newTestCache(t, func(o *cache.Options[string, int]) {
		o.TimeToLive = 200 * time.Millisecond
	})

	c.Insert("z", 1)

	clk.Advance(100 * time.Millisecond)
	v, ok := c.Get("z")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	clk.Advance(150 * time.Millisecond) // t = 250ms
	_, ok = c.Get("z")
	assert.False(t, ok)
}

func TestTimeToLiveReapsViaWheel(t *testing.T) {
	log := &removalLog{}
	c, clk := newTestCache(t, func(o *cache.Options[string, int]) {
		o.TimeToLive = 200 * time.Millisecond
		o.EvictionListener = log.listener()
	})

	c.Insert("z", 1)
	c.RunPendingTasks()

	// well past both the deadline and the wheel's finest tick
	clk.Advance(5 * time.Second)
	c.RunPendingTasks()

	assert.Equal(t, 0, c.EntryCount())
	assert.Equal(t, 1, log.countByCause(cache.CauseExpired))
}

func TestTimeToIdleRefreshedByReads(t *testing.T) {
	c, clk := newTestCache(t, func(o *cache.Options[string, int]) {
		o.TimeToIdle = 100 * time.Millisecond
	})

	c.Insert("k", 1)
	c.RunPendingTasks()

	// read at t=50ms refreshes the idle deadline to t=150ms
	clk.Advance(50 * time.Millisecond)
	_, ok := c.Get("k")
	require.True(t, ok)
	c.RunPendingTasks()

	// without the refresh this read (t=120ms) would miss
	clk.Advance(70 * time.Millisecond)
	_, ok = c.Get("k")
	assert.True(t, ok)

	// idle long enough and the entry is gone
	clk.Advance(200 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

// --------------------------------------------------------------------------
// Capacity and Admission
// --------------------------------------------------------------------------

func TestCapacityBoundEnforced(t *testing.T) {
	log := &removalLog{}
	c, _ := newTestCache(t, func(o *cache.Options[string, int]) {
		o.MaxCapacity = 10
		o.EvictionListener = log.listener()
	})

	for i := 0; i < 100; i++ {
		c.Insert(string(rune('a'+i%26))+string(rune('0'+i/26)), i)
	}
	c.RunPendingTasks()

	assert.Equal(t, 10, c.EntryCount())
	assert.LessOrEqual(t, c.WeightedSize(), uint64(10))
	assert.Equal(t, 90, log.countByCause(cache.CauseSize))
}

func TestWeigherBoundsWeightedSize(t *testing.T) {
	log := &removalLog{}
	c, _ := newTestCache(t, func(o *cache.Options[string, int]) {
		o.MaxCapacity = 100
		o.Weigher = func(_ string, v int) uint32 { return uint32(v) }
		o.EvictionListener = log.listener()
	})

	c.Insert("a", 60)
	c.Insert("b", 50)
	c.RunPendingTasks()

	assert.LessOrEqual(t, c.WeightedSize(), uint64(100))
	assert.Equal(t, 1, log.countByCause(cache.CauseSize))
}

func TestZeroWeightClampedToOne(t *testing.T) {
	c, _ := newTestCache(t, func(o *cache.Options[string, int]) {
		o.MaxCapacity = 100
		o.Weigher = func(_ string, _ int) uint32 { return 0 }
	})

	c.Insert("a", 1)
	c.RunPendingTasks()

	assert.Equal(t, uint64(1), c.WeightedSize())
}

func TestFrequentEntrySurvivesCapacityPressure(t *testing.T) {
	c, _ := newTestCache(t, func(o *cache.Options[string, int]) {
		o.MaxCapacity = 10
	})

	c.Insert("hot", 1)
	c.RunPendingTasks()

	// build up frequency for the hot key
	for i := 0; i < 1000; i++ {
		_, ok := c.Get("hot")
		require.True(t, ok)
		if i%100 == 0 {
			c.RunPendingTasks()
		}
	}
	c.RunPendingTasks()

	// cold keys create capacity pressure
	for i := 0; i < 26; i++ {
		c.Insert("cold-"+string(rune('a'+i)), i)
	}
	c.RunPendingTasks()

	assert.True(t, c.Contains("hot"), "frequently accessed entry should win its admission contests")
	assert.LessOrEqual(t, c.WeightedSize(), uint64(10))
}

// --------------------------------------------------------------------------
// Lazy Invalidation
// --------------------------------------------------------------------------

func TestInvalidateEntriesIf(t *testing.T) {
	log := &removalLog{}
	c, clk := newTestCache(t, func(o *cache.Options[string, int]) {
		o.InvalidatorEnabled = true
		o.EvictionListener = log.listener()
	})

	for i := 0; i < 6; i++ {
		c.Insert("k"+string(rune('0'+i)), i)
	}
	c.RunPendingTasks()

	clk.Advance(time.Millisecond)
	require.NoError(t, c.InvalidateEntriesIf(func(_ string, v int) bool { return v%2 == 1 }))

	// entries written after registration are not affected
	clk.Advance(time.Millisecond)
	c.Insert("k7", 7)
	c.RunPendingTasks()

	assert.False(t, c.Contains("k1"))
	assert.False(t, c.Contains("k3"))
	assert.False(t, c.Contains("k5"))
	assert.True(t, c.Contains("k0"))
	assert.True(t, c.Contains("k7"))
	assert.Equal(t, 3, log.countByCause(cache.CauseExplicit))
}

func TestInvalidateEntriesIfRequiresOption(t *testing.T) {
	c, _ := newTestCache(t, nil)

	err := c.InvalidateEntriesIf(func(string, int) bool { return true })
	require.Error(t, err)
	assert.True(t, cache.IsCode(err, cache.ErrCodeInvalidConfig))
}

// --------------------------------------------------------------------------
// Listener Isolation and Info
// --------------------------------------------------------------------------

func TestPanickingListenerIsIsolated(t *testing.T) {
	c, _ := newTestCache(t, func(o *cache.Options[string, int]) {
		o.EvictionListener = func(string, int, cache.Cause) { panic("listener boom") }
	})

	c.Insert("a", 1)
	c.Insert("b", 2)
	c.Invalidate("a")
	c.Invalidate("b")

	require.NotPanics(t, func() { c.RunPendingTasks() })
	assert.Equal(t, 0, c.EntryCount())
}

func TestInfoSnapshot(t *testing.T) {
	c, _ := newTestCache(t, func(o *cache.Options[string, int]) {
		o.MaxCapacity = 50
	})

	for i := 0; i < 20; i++ {
		c.Insert("key-"+string(rune('a'+i)), i)
	}
	c.RunPendingTasks()

	info := c.Info()
	assert.Equal(t, 20, info.EntryCount)
	assert.Equal(t, uint64(20), info.WeightedSize)
	assert.Equal(t, int64(50), info.MaxCapacity)
	assert.Equal(t, 4, info.NumShards)

	balance := info.ShardBalance
	assert.Equal(t, 5.0, balance.MeanEntries)
	assert.LessOrEqual(t, balance.MinEntries, balance.MaxEntries)
	assert.GreaterOrEqual(t, balance.Imbalance, 0.0)
	// the fullest shard cannot exceed mean*(1+imbalance)
	assert.InDelta(t, float64(balance.MaxEntries), balance.MeanEntries*(1+balance.Imbalance), 1e-9)
}

// --------------------------------------------------------------------------
// Concurrency Smoke Test
// --------------------------------------------------------------------------

func TestConcurrentMixedWorkload(t *testing.T) {
	clk := &fakeClock{}
	opts := cache.DefaultOptions[string, int]()
	opts.MaxCapacity = 500
	opts.Clock = clk

	c, err := New(opts)
	require.NoError(t, err)
	defer c.Close()

	keys := make([]string, 64)
	for i := range keys {
		keys[i] = "key-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 5000; i++ {
				k := keys[(worker*31+i)%len(keys)]
				switch i % 4 {
				case 0:
					c.Insert(k, i)
				case 3:
					c.Invalidate(k)
				default:
					c.Get(k)
				}
			}
		}(w)
	}
	wg.Wait()

	c.RunPendingTasks()
	assert.LessOrEqual(t, c.WeightedSize(), uint64(500))
	assert.LessOrEqual(t, c.EntryCount(), len(keys))
}
