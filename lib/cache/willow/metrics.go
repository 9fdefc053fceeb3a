package willow

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"

	"github.com/ValentinKolb/willow/lib/cache"
)

// cacheMetrics is the optional per-instance counter set. A nil
// *cacheMetrics discards all recordings so the hot paths need no
// conditional wiring.
type cacheMetrics struct {
	hits         *metrics.Counter
	misses       *metrics.Counter
	loads        *metrics.Counter
	loadFailures *metrics.Counter
	removals     [4]*metrics.Counter // indexed by cache.Cause
}

func newCacheMetrics(set *metrics.Set, name string) *cacheMetrics {
	if set == nil {
		return nil
	}
	if name == "" {
		name = "default"
	}

	counter := func(metric string) *metrics.Counter {
		return set.NewCounter(fmt.Sprintf(`willow_%s_total{cache=%q}`, metric, name))
	}

	m := &cacheMetrics{
		hits:         counter("hits"),
		misses:       counter("misses"),
		loads:        counter("loads"),
		loadFailures: counter("load_failures"),
	}
	for _, cause := range []cache.Cause{cache.CauseExplicit, cache.CauseReplaced, cache.CauseExpired, cache.CauseSize} {
		m.removals[cause] = set.NewCounter(
			fmt.Sprintf(`willow_removals_total{cache=%q,cause=%q}`, name, cause.String()))
	}
	return m
}

func (m *cacheMetrics) recordHit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *cacheMetrics) recordMiss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *cacheMetrics) recordLoad() {
	if m != nil {
		m.loads.Inc()
	}
}

func (m *cacheMetrics) recordLoadFailure() {
	if m != nil {
		m.loadFailures.Inc()
	}
}

func (m *cacheMetrics) recordRemoval(cause cache.Cause) {
	if m != nil && int(cause) < len(m.removals) {
		m.removals[cause].Inc()
	}
}
