package willow

import (
	"github.com/ValentinKolb/willow/lib/cache/willow/internal"
)

// sketchCapacityLimit caps the sketch table so an enormous MaxCapacity
// cannot allocate an unbounded counter array.
const sketchCapacityLimit = 1 << 30

// unboundedWeight is the capacity used when no maximum is configured.
const unboundedWeight = ^uint64(0)

// tinyLFU is the windowed TinyLFU eviction policy. Entries live in one
// of three access-ordered regions:
//
//   - admission window: newly inserted entries
//   - protected (about 80% of the main space): re-accessed entries
//   - probation (the rest): candidates for eviction
//
// Under capacity pressure the window LRU contests the probation LRU; the
// frequency sketch picks the winner and the loser is evicted. windowMax
// (about 1% of capacity) is computed but not enforced: entries leave the
// window only through these contests, so the window can hold up to the
// whole capacity.
//
// Thread-safety: none. The policy is owned exclusively by the
// maintenance task.
type tinyLFU[K comparable, V any] struct {
	sketch    *internal.FrequencySketch
	window    *internal.AccessDeque[K, V]
	probation *internal.AccessDeque[K, V]
	protected *internal.AccessDeque[K, V]

	maxWeight    uint64
	windowMax    uint64
	protectedMax uint64
	bounded      bool

	// jitter flips on every admission contest so frequency ties cannot
	// produce a cycle where two keys evict each other forever
	jitter uint64
}

func newTinyLFU[K comparable, V any](maxCapacity int64) *tinyLFU[K, V] {
	bounded := maxCapacity > 0

	maxWeight := unboundedWeight
	sketchCapacity := uint64(1 << 15)
	if bounded {
		maxWeight = uint64(maxCapacity)
		sketchCapacity = maxWeight
		if sketchCapacity > sketchCapacityLimit {
			sketchCapacity = sketchCapacityLimit
		}
	}

	windowMax := maxWeight / 100
	if windowMax < 1 {
		windowMax = 1
	}
	mainMax := maxWeight - windowMax
	protectedMax := mainMax / 5 * 4

	return &tinyLFU[K, V]{
		sketch:       internal.NewFrequencySketch(sketchCapacity),
		window:       internal.NewAccessDeque[K, V](internal.RegionWindow),
		probation:    internal.NewAccessDeque[K, V](internal.RegionProbation),
		protected:    internal.NewAccessDeque[K, V](internal.RegionProtected),
		maxWeight:    maxWeight,
		windowMax:    windowMax,
		protectedMax: protectedMax,
		bounded:      bounded,
	}
}

// weightedSize returns the summed weight of all admitted entries.
func (p *tinyLFU[K, V]) weightedSize() uint64 {
	return p.window.Weight() + p.probation.Weight() + p.protected.Weight()
}

// insert places a new entry at the MRU end of the admission window.
func (p *tinyLFU[K, V]) insert(e *internal.Entry[K, V]) {
	if e.InDeque() {
		return
	}
	p.window.PushFront(e)
}

// access records a policy hit for a linked entry: window entries move to
// the window MRU, probation entries are promoted into protected, and
// protected entries move to the protected MRU. Promotions that overflow
// protected demote its LRU entries back to probation.
func (p *tinyLFU[K, V]) access(e *internal.Entry[K, V]) {
	if !e.InDeque() {
		return
	}
	switch e.Region() {
	case internal.RegionWindow:
		p.window.MoveToFront(e)
	case internal.RegionProbation:
		p.probation.Remove(e)
		p.protected.PushFront(e)
		for p.protected.Weight() > p.protectedMax {
			demoted := p.protected.Back()
			if demoted == nil {
				break
			}
			p.protected.Remove(demoted)
			p.probation.PushFront(demoted)
		}
	case internal.RegionProtected:
		p.protected.MoveToFront(e)
	}
}

// remove unlinks an entry from whichever region holds it.
func (p *tinyLFU[K, V]) remove(e *internal.Entry[K, V]) {
	if !e.InDeque() {
		return
	}
	switch e.Region() {
	case internal.RegionWindow:
		p.window.Remove(e)
	case internal.RegionProbation:
		p.probation.Remove(e)
	case internal.RegionProtected:
		p.protected.Remove(e)
	}
}

// enforce evicts entries until the weighted size fits the maximum. Each
// round the window LRU (candidate) contests the probation LRU (victim);
// the admission filter keeps the likely-more-popular entry. evict must
// remove the entry from the map and, via the policy, from its deque.
func (p *tinyLFU[K, V]) enforce(evict func(e *internal.Entry[K, V])) {
	if !p.bounded {
		return
	}
	for p.weightedSize() > p.maxWeight {
		victim := p.probation.Back()
		if victim == nil {
			victim = p.protected.Back()
		}
		candidate := p.window.Back()

		switch {
		case candidate == nil && victim == nil:
			return
		case candidate == nil:
			evict(victim)
		case victim == nil:
			// nothing to contest yet; admit the candidate into
			// probation and let the next round arbitrate
			p.window.Remove(candidate)
			p.probation.PushFront(candidate)
		default:
			if p.admit(candidate.Hash, victim.Hash) {
				// the candidate takes the victim's place at the
				// probation MRU end
				evict(victim)
				p.window.Remove(candidate)
				p.probation.PushFront(candidate)
			} else {
				evict(candidate)
			}
		}
	}
}

// admit decides an admission contest via the frequency sketch. Ties go
// to the candidate when the hash parity matches the flipping jitter bit.
func (p *tinyLFU[K, V]) admit(candidateHash, victimHash uint64) bool {
	p.jitter++
	candidateFreq := p.sketch.Frequency(candidateHash)
	victimFreq := p.sketch.Frequency(victimHash)
	if candidateFreq != victimFreq {
		return candidateFreq > victimFreq
	}
	return (candidateHash^victimHash)&1 == p.jitter&1
}
