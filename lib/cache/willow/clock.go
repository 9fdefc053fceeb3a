package willow

import (
	"time"
)

// realClock reads the runtime's monotonic clock as nanoseconds since the
// cache was constructed. Wall-clock adjustments never affect it because
// time.Since uses the monotonic reading of the base timestamp.
type realClock struct {
	base time.Time
}

func newRealClock() *realClock {
	return &realClock{base: time.Now()}
}

func (c *realClock) NowNanos() int64 {
	return int64(time.Since(c.base))
}
