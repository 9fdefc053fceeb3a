// This file implements the hierarchical timer wheel tracking per-entry
// expiration deadlines. Buckets are spaced at power-of-two intervals
// (~1.07s, ~1.14m, ~1.22h, ~1.63d, 6.5d+) so that placing an entry is a
// shift and a mask. Advancing the wheel cascades coarser buckets into
// finer ones and reaps every entry whose deadline has passed.
package internal

// Wheel geometry. shifts[i] is the log2 of level i's tick duration in
// nanoseconds; bucketCounts[i] must be a power of two.
var (
	bucketCounts = [...]int64{64, 64, 32, 4, 1}
	shifts       = [...]uint{30, 36, 42, 47, 49}
)

const numLevels = len(bucketCounts)

// TimerWheel is a hierarchical timer wheel over cache entries. Each
// scheduled entry sits in exactly one bucket, linked through its
// intrusive timer fields.
//
// Thread-safety: none. The wheel is owned exclusively by the maintenance
// task.
type TimerWheel[K comparable, V any] struct {
	levels [numLevels][]*Entry[K, V] // bucket sentinels
	nanos  int64                     // time of the last advance
}

// NewTimerWheel creates an empty wheel positioned at time zero.
func NewTimerWheel[K comparable, V any]() *TimerWheel[K, V] {
	w := &TimerWheel[K, V]{}
	for i, n := range bucketCounts {
		w.levels[i] = make([]*Entry[K, V], n)
		for j := range w.levels[i] {
			s := &Entry[K, V]{}
			s.prevTimer = s
			s.nextTimer = s
			w.levels[i][j] = s
		}
	}
	return w
}

// Schedule links e into the bucket matching its deadline. e must carry a
// non-zero deadline and must not currently be scheduled.
func (w *TimerWheel[K, V]) Schedule(e *Entry[K, V]) {
	deadline := e.Deadline()
	if deadline == 0 {
		return
	}
	e.wheelDeadline = deadline
	s := w.sentinelFor(deadline)

	// link before the sentinel (bucket order is unsorted, reaping
	// re-examines every entry anyway)
	e.prevTimer = s.prevTimer
	e.nextTimer = s
	s.prevTimer.nextTimer = e
	s.prevTimer = e
}

// Deschedule unlinks e from the wheel. No-op if e is not scheduled.
func (w *TimerWheel[K, V]) Deschedule(e *Entry[K, V]) {
	if e.nextTimer == nil {
		return
	}
	e.prevTimer.nextTimer = e.nextTimer
	e.nextTimer.prevTimer = e.prevTimer
	e.prevTimer = nil
	e.nextTimer = nil
}

// Reschedule moves an entry whose deadline changed. Entries that are not
// currently scheduled are scheduled fresh.
func (w *TimerWheel[K, V]) Reschedule(e *Entry[K, V]) {
	w.Deschedule(e)
	w.Schedule(e)
}

// sentinelFor picks the bucket for the given deadline relative to the
// wheel's current time. Deadlines already in the past land in the
// current finest-level bucket, which the next advance reaps.
func (w *TimerWheel[K, V]) sentinelFor(deadline int64) *Entry[K, V] {
	duration := deadline - w.nanos
	if duration <= 0 {
		ticks := w.nanos >> shifts[0]
		return w.levels[0][ticks&(bucketCounts[0]-1)]
	}
	for i := 0; i < numLevels-1; i++ {
		if duration < int64(1)<<shifts[i+1] {
			ticks := deadline >> shifts[i]
			return w.levels[i][ticks&(bucketCounts[i]-1)]
		}
	}
	return w.levels[numLevels-1][0]
}

// Advance moves the wheel forward to now, cascading coarser buckets and
// invoking expire for every entry whose deadline has passed. Entries
// whose deadline moved forward (idle refresh) are re-scheduled instead.
func (w *TimerWheel[K, V]) Advance(now int64, expire func(e *Entry[K, V])) {
	previous := w.nanos
	if now <= previous {
		return
	}
	w.nanos = now

	for i := 0; i < numLevels; i++ {
		prevTicks := previous >> shifts[i]
		currTicks := now >> shifts[i]
		if currTicks <= prevTicks {
			// finer levels turn at least as often as coarser ones; if
			// this level did not turn, none above it did either
			break
		}
		w.reapLevel(i, prevTicks, currTicks-prevTicks, expire)
	}
}

// reapLevel empties every bucket the level turned past and re-dispatches
// its entries: expired ones go to expire, the rest cascade back into the
// wheel at their (now finer) position. The range starts at the bucket the
// wheel was in and stops short of the current partial tick; deadlines
// inside the current tick are reaped by a later advance that moves past
// that tick.
func (w *TimerWheel[K, V]) reapLevel(level int, prevTicks, delta int64, expire func(e *Entry[K, V])) {
	mask := bucketCounts[level] - 1
	steps := delta
	if steps > bucketCounts[level] {
		steps = bucketCounts[level]
	}
	for t := prevTicks; t < prevTicks+steps; t++ {
		s := w.levels[level][t&mask]

		// detach the whole bucket first; Schedule may link entries right
		// back into the bucket being iterated otherwise
		head := s.nextTimer
		s.prevTimer = s
		s.nextTimer = s

		for e := head; e != s; {
			next := e.nextTimer
			e.prevTimer = nil
			e.nextTimer = nil

			if e.wheelDeadline <= w.nanos {
				expire(e)
			} else {
				w.Schedule(e)
			}
			e = next
		}
	}
}
