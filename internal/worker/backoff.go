package worker

import (
	"math/rand"
	"time"
)

// nextSleep doubles the idle sleep up to the cap. Used when a fetch comes
// back empty so an idle log is not hot-polled.
func nextSleep(cur, min, max time.Duration) time.Duration {
	if cur < min {
		return min
	}
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

// retryDelay is the in-batch retry backoff: 2^attempt * 100ms plus up to
// 100ms of jitter so concurrent retries do not align.
func retryDelay(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(100 * time.Millisecond)))
	return base + jitter
}
