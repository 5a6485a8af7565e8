// Package backoff computes exponential retry delays with jitter and runs
// retry loops that respect context cancellation.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy defines the parameters for exponential backoff calculation.
type BackoffPolicy struct {
	// InitialMs is the delay before the second attempt, in milliseconds.
	InitialMs float64
	// MaxMs caps every computed delay.
	MaxMs float64
	// Factor is the exponential factor applied to each attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base delay.
	Jitter float64
}

// Exponential returns a doubling policy from base to max with 10% jitter.
func Exponential(base, max time.Duration) BackoffPolicy {
	return BackoffPolicy{
		InitialMs: float64(base.Milliseconds()),
		MaxMs:     float64(max.Milliseconds()),
		Factor:    2,
		Jitter:    0.1,
	}
}

// ComputeBackoff calculates the delay after attempt (1-indexed):
// min(MaxMs, InitialMs*Factor^(attempt-1) * (1 + Jitter*rand)).
func ComputeBackoff(policy BackoffPolicy, attempt int) time.Duration {
	return ComputeBackoffWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeBackoffWithRand is ComputeBackoff with a caller-supplied random
// value in [0, 1), for deterministic tests.
func ComputeBackoffWithRand(policy BackoffPolicy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	total := base + base*policy.Jitter*randomValue
	if policy.MaxMs > 0 {
		total = math.Min(policy.MaxMs, total)
	}
	if math.IsInf(total, 0) || math.IsNaN(total) {
		total = policy.MaxMs
	}
	return time.Duration(math.Round(total)) * time.Millisecond
}
