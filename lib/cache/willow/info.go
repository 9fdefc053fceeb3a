package willow

import (
	"github.com/ValentinKolb/willow/lib/cache"
)

// Info returns a point-in-time metadata snapshot of the cache.
// Shard sizes are read without locking, so the counts are estimates; the
// weighted size is read under the maintenance lock.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *cacheImpl[K, V]) Info() cache.Info {
	var (
		count   int
		minSize = -1
		maxSize int
	)
	for _, shard := range c.shards {
		size := shard.Data.Size()
		count += size
		if minSize < 0 || size < minSize {
			minSize = size
		}
		if size > maxSize {
			maxSize = size
		}
	}
	if minSize < 0 {
		minSize = 0
	}

	mean := float64(count) / float64(len(c.shards))
	imbalance := 0.0
	if mean > 0 {
		imbalance = float64(maxSize)/mean - 1
	}

	c.evictionMu.Lock()
	weighted := c.policy.weightedSize()
	c.evictionMu.Unlock()

	return cache.Info{
		EntryCount:   count,
		WeightedSize: weighted,
		MaxCapacity:  c.maxCapacity,
		NumShards:    len(c.shards),
		ShardBalance: cache.ShardBalance{
			MinEntries:  minSize,
			MaxEntries:  maxSize,
			MeanEntries: mean,
			Imbalance:   imbalance,
		},
	}
}
