package willow

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ValentinKolb/willow/lib/cache"
)

// call is one in-flight value computation. The done channel is closed
// exactly once, after value/err have been recorded, so waiters observe a
// consistent result without further synchronization.
type call[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// initializer coordinates single-flight computations: among concurrent
// callers for the same key exactly one runs the computation and every
// caller shares its outcome. The wait map holds only in-flight keys, so
// it stays tiny regardless of cache size.
type initializer[K comparable, V any] struct {
	calls *xsync.MapOf[K, *call[V]]
}

func newInitializer[K comparable, V any]() *initializer[K, V] {
	return &initializer[K, V]{
		calls: xsync.NewMapOf[K, *call[V]](),
	}
}

// do runs fn under the single-flight protocol for key.
//
// The first caller for a key becomes the producer and runs fn; everyone
// else waits on the producer's promise. The wait-map slot is removed
// BEFORE the promise resolves, so callers arriving after a failure start
// a fresh computation instead of inheriting a stale error.
//
// A waiter whose context is cancelled returns ctx.Err(); the producer is
// never cancelled and its result still resolves the promise. If fn
// panics, the promise is poisoned with an ErrCodeInitPanic error for all
// waiters and the panic propagates to the producer's caller.
func (i *initializer[K, V]) do(ctx context.Context, key K, fn func() (V, error)) (V, error) {
	c, loaded := i.calls.LoadOrCompute(key, func() *call[V] {
		return &call[V]{done: make(chan struct{})}
	})
	if loaded {
		select {
		case <-c.done:
			return c.value, c.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}

	// this caller is the producer
	finished := false
	defer func() {
		if !finished {
			// fn panicked: poison the promise, then let the panic
			// propagate to the producer's caller
			c.err = cache.NewError(cache.ErrCodeInitPanic, "value initializer aborted abnormally")
			i.calls.Delete(key)
			close(c.done)
		}
	}()

	c.value, c.err = fn()
	finished = true

	i.calls.Delete(key)
	close(c.done)
	return c.value, c.err
}
