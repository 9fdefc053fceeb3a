package cache

import (
	"runtime"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-kit/log"
)

// --------------------------------------------------------------------------
// Environment Inputs
// --------------------------------------------------------------------------

// Clock is the cache's monotonic time source. NowNanos must never go
// backwards. Tests inject a mock clock; production uses the engine's
// default, which is based on the runtime's monotonic reading.
type Clock interface {
	NowNanos() int64
}

// Weigher computes the weight of an entry. Weights must be positive; a
// returned zero is clamped to 1 because Insert cannot fail.
type Weigher[K comparable, V any] func(key K, value V) uint32

// EvictionListener is called once per removal with the removal cause.
// It runs in the maintenance context and must not block for long; a
// panicking listener is isolated and logged, it does not abort the
// maintenance cycle.
type EvictionListener[K comparable, V any] func(key K, value V, cause Cause)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures a cache instance. The zero value is NOT a valid
// configuration; start from DefaultOptions.
type Options[K comparable, V any] struct {
	// MaxCapacity caps the weighted size of the cache. Negative =
	// unbounded. An explicit 0 is rejected with ErrCodeCapacityZero.
	MaxCapacity int64

	// InitialCapacity is a sizing hint for the concurrent map.
	InitialCapacity int

	// NumShards is the number of map partitions (0 = one per CPU).
	NumShards int

	// TimeToLive sets an absolute deadline on each insert or update
	// (0 = none).
	TimeToLive time.Duration

	// TimeToIdle sets a deadline relative to the last access, refreshed
	// by reads and writes (0 = none). Must not exceed TimeToLive when
	// both are set.
	TimeToIdle time.Duration

	// Weigher derives per-entry weights (nil = every entry weighs 1).
	Weigher Weigher[K, V]

	// EvictionListener is invoked for each removal (nil = none).
	EvictionListener EvictionListener[K, V]

	// InvalidatorEnabled allows InvalidateEntriesIf to be used.
	InvalidatorEnabled bool

	// MaintenanceInterval is the period of the background maintenance
	// trigger used when an expiration policy is configured (0 = use the
	// engine default).
	MaintenanceInterval time.Duration

	// Executor runs the maintenance task when buffers overflow (nil =
	// spawn a goroutine). A synchronous executor makes maintenance run
	// inline on the triggering caller.
	Executor func(fn func())

	// Logger receives maintenance diagnostics such as isolated eviction
	// listener panics (nil = discard).
	Logger log.Logger

	// Metrics, if set, registers hit/miss/load/eviction counters on the
	// given set, labeled with Name.
	Metrics *metrics.Set

	// Name labels the metrics of this instance.
	Name string

	// Clock overrides the time source (nil = monotonic system clock).
	Clock Clock
}

// DefaultOptions returns an unbounded cache configuration with one shard
// per CPU and no expiration.
func DefaultOptions[K comparable, V any]() Options[K, V] {
	return Options[K, V]{
		MaxCapacity: -1,
		NumShards:   runtime.NumCPU(),
	}
}

// Validate checks the configuration for contradictions.
func (o *Options[K, V]) Validate() error {
	if o.MaxCapacity == 0 {
		return NewError(ErrCodeCapacityZero, "max capacity must not be zero (use a negative value for unbounded)")
	}
	if o.TimeToLive < 0 || o.TimeToIdle < 0 {
		return NewError(ErrCodeInvalidConfig, "durations must not be negative")
	}
	if o.TimeToLive > 0 && o.TimeToIdle > o.TimeToLive {
		return NewError(ErrCodeInvalidConfig, "time-to-idle must not exceed time-to-live")
	}
	if o.InitialCapacity < 0 {
		return NewError(ErrCodeInvalidConfig, "initial capacity must not be negative")
	}
	return nil
}
