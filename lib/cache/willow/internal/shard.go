package internal

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Shard Type (partition of the cache)
// --------------------------------------------------------------------------

// Shard is a partition of the concurrent map. Each shard has its own
// independent xsync map so write locking stays shard-local. The policy
// structures (deques, wheel, sketch) are global to the cache and owned by
// the maintenance task; shards only hold the live entries.
type Shard[K comparable, V any] struct {
	Data *xsync.MapOf[K, *Entry[K, V]]
}

// NewShards creates n shards, each sized for hint/n entries.
func NewShards[K comparable, V any](n, hint int) []*Shard[K, V] {
	if n < 1 {
		n = 1
	}
	perShard := hint / n
	shards := make([]*Shard[K, V], n)
	for i := range shards {
		shards[i] = &Shard[K, V]{
			Data: xsync.NewMapOf[K, *Entry[K, V]](xsync.WithPresize(perShard)),
		}
	}
	return shards
}

// GetShard returns the appropriate shard for a given key hash.
//
// Thread-safety: This function is thread-safe and can be called concurrently.
func GetShard[K comparable, V any](hash uint64, shards []*Shard[K, V]) *Shard[K, V] {
	// Shift right by 7 bits to use higher-quality bits for distribution
	return shards[(hash>>7)%uint64(len(shards))]
}
