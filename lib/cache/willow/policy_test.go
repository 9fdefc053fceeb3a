package willow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ValentinKolb/willow/lib/cache/willow/internal"
)

func policyEntry(key string, hash uint64, weight uint32) *internal.Entry[string, int] {
	return internal.NewEntry[string, int](key, 0, hash, weight)
}

func TestPolicySegmentSizing(t *testing.T) {
	p := newTinyLFU[string, int](1000)

	assert.Equal(t, uint64(1000), p.maxWeight)
	assert.Equal(t, uint64(10), p.windowMax)     // ~1%
	assert.Equal(t, uint64(792), p.protectedMax) // ~80% of the main space
	assert.True(t, p.bounded)
}

func TestPolicyUnbounded(t *testing.T) {
	p := newTinyLFU[string, int](-1)
	assert.False(t, p.bounded)

	e := policyEntry("a", 1, 1)
	p.insert(e)
	p.enforce(func(*internal.Entry[string, int]) {
		t.Fatal("unbounded policy must not evict")
	})
	assert.Equal(t, uint64(1), p.weightedSize())
}

func TestPolicyInsertGoesToWindow(t *testing.T) {
	p := newTinyLFU[string, int](100)

	e := policyEntry("a", 1, 1)
	p.insert(e)

	assert.Equal(t, internal.RegionWindow, e.Region())
	assert.Equal(t, 1, p.window.Len())
}

func TestPolicyAccessPromotesProbationToProtected(t *testing.T) {
	p := newTinyLFU[string, int](100)

	e := policyEntry("a", 1, 1)
	p.probation.PushFront(e)

	p.access(e)

	assert.Equal(t, internal.RegionProtected, e.Region())
	assert.Equal(t, 0, p.probation.Len())
	assert.Equal(t, 1, p.protected.Len())
}

func TestPolicyProtectedOverflowDemotes(t *testing.T) {
	p := newTinyLFU[string, int](100)
	p.protectedMax = 2

	entries := []*internal.Entry[string, int]{
		policyEntry("a", 1, 1),
		policyEntry("b", 2, 1),
		policyEntry("c", 3, 1),
	}
	for _, e := range entries {
		p.probation.PushFront(e)
		p.access(e)
	}

	assert.Equal(t, 2, p.protected.Len())
	assert.Equal(t, 1, p.probation.Len())
	// the first promoted entry is the protected LRU, so it was demoted
	assert.Equal(t, internal.RegionProbation, entries[0].Region())
}

func TestPolicyEnforceKeepsFrequentVictim(t *testing.T) {
	p := newTinyLFU[string, int](2)

	hot := policyEntry("hot", 100, 1)
	p.probation.PushFront(hot)
	for i := 0; i < 10; i++ {
		p.sketch.Increment(hot.Hash)
	}

	cold1 := policyEntry("cold1", 200, 1)
	cold2 := policyEntry("cold2", 300, 1)
	p.insert(cold1)
	p.insert(cold2)
	p.sketch.Increment(cold1.Hash)
	p.sketch.Increment(cold2.Hash)

	var evicted []string
	p.enforce(func(e *internal.Entry[string, int]) {
		p.remove(e)
		evicted = append(evicted, e.Key)
	})

	assert.LessOrEqual(t, p.weightedSize(), uint64(2))
	assert.NotContains(t, evicted, "hot", "the frequent victim must win its contests")
	assert.Len(t, evicted, 1)
}

func TestPolicyAdmitTieBreakFlips(t *testing.T) {
	p := newTinyLFU[string, int](100)

	// equal (zero) frequencies: consecutive contests with the same pair
	// must not always produce the same winner
	first := p.admit(2, 4)
	second := p.admit(2, 4)
	assert.NotEqual(t, first, second)
}
