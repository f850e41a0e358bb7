package pipeline

import (
	"math/rand"
	"time"
)

// backoff returns the delay before retry number attempt (1-based):
// exponential growth from base, clamped to max, with up to 25% jitter
// so synchronized retries spread out.
func backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	if d+jitter > max {
		return max
	}
	return d + jitter
}
