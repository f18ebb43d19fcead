package workerclient

import (
	"math"
	"math/rand"
	"time"
)

// retryPolicy is exponential backoff with jitter for session reconnection,
// grounded on original_source/crates/valka-sdk/src/retry.rs's RetryPolicy.
type retryPolicy struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	attempt      int
}

func newRetryPolicy() *retryPolicy {
	return &retryPolicy{
		initialDelay: 100 * time.Millisecond,
		maxDelay:     30 * time.Second,
		multiplier:   2.0,
	}
}

func (r *retryPolicy) nextDelay() time.Duration {
	delayMs := float64(r.initialDelay.Milliseconds()) * math.Pow(r.multiplier, float64(r.attempt))
	capped := math.Min(delayMs, float64(r.maxDelay.Milliseconds()))
	jitter := capped * 0.1 * rand.Float64()
	r.attempt++
	return time.Duration(capped+jitter) * time.Millisecond
}

func (r *retryPolicy) reset() {
	r.attempt = 0
}
