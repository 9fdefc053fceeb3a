// This file provides a lock-free Multi-Producer Single-Consumer (MPSC)
// queue used as the cache's write buffer.
//
// The producer side is an atomic exchange on the tail pointer followed
// by a single link store, so a Push is one tail exchange and one link
// store no matter how many writers collide - there is no retry loop, no spinning
// and no backoff. Insert and Invalidate publish their structural
// records on the caller's hot path, and that path must never stall
// behind other writers or behind the maintenance task.
//
// The price of the exchange scheme is a transiently broken chain:
// between the exchange and the link store the new node is not yet
// reachable from the head. The single consumer simply observes an empty
// queue in that window and picks the record up on its next drain, which
// is harmless for a buffer whose consumer runs in cycles anyway.
//
// Guarantees:
//
//   - Wait-Free writes: any number of goroutines may Push concurrently
//   - Unbounded Size: the queue grows as needed, limited only by
//     available memory
//   - Small Footprint: two pointers of overhead per item
//   - Single Consumer: exactly one goroutine (the maintenance task) may
//     call TryPop
//   - Per-producer FIFO: items pushed by one goroutine are consumed in
//     push order; the interleaving between producers is determined by
//     the order of their tail exchanges
package util

import (
	"sync/atomic"
)

// mpscNode is a single element in the queue.
type mpscNode[T any] struct {
	value *T
	next  atomic.Pointer[mpscNode[T]]
}

// MPSC is a lock-free multi-producer single-consumer queue backed by a
// linked list of nodes. Unlike a channel it never blocks the producer
// and is drained synchronously by the consumer.
type MPSC[T any] struct {
	head   *mpscNode[T] // consumer-owned, trails a sentinel
	tail   atomic.Pointer[mpscNode[T]]
	length atomic.Int64
	closed atomic.Bool
}

// NewMPSC creates a new empty queue.
func NewMPSC[T any]() *MPSC[T] {
	sentinel := &mpscNode[T]{}
	q := &MPSC[T]{head: sentinel}
	q.tail.Store(sentinel)
	return q
}

// Push adds an item to the queue.
// Returns true if the item was added, or false if the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called
// concurrently; it completes in a bounded number of steps regardless of
// contention.
func (q *MPSC[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	newNode := &mpscNode[T]{value: value}

	// claim the tail slot, then publish the link. A consumer running in
	// between sees the chain end early and retries on its next drain.
	prev := q.tail.Swap(newNode)
	prev.next.Store(newNode)

	q.length.Add(1)
	return true
}

// TryPop removes and returns the oldest reachable item, or nil if the
// queue is empty (or a producer has claimed the tail but not yet
// published its link).
//
// Thread-safety: TryPop must only be called from a single consumer
// goroutine. It may run concurrently with Push.
func (q *MPSC[T]) TryPop() *T {
	next := q.head.next.Load()
	if next == nil {
		return nil
	}

	value := next.value

	// move the head pointer (frees the old sentinel)
	q.head = next
	q.length.Add(-1)

	// help the go gc - safe to clear after unlinking
	next.value = nil
	return value
}

// Len returns the approximate number of items in the queue.
func (q *MPSC[T]) Len() int {
	n := q.length.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// Close closes the queue, preventing further writes. Items already in
// the queue can still be drained with TryPop.
func (q *MPSC[T]) Close() {
	q.closed.Store(true)
}

// IsClosed returns true if the queue is closed.
func (q *MPSC[T]) IsClosed() bool {
	return q.closed.Load()
}
