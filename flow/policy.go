package flow

import (
	"math/rand"
	"time"
)

// computeBackoff calculates the delay before retrying a failed node
// execution using exponential backoff with jitter:
//
//	delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
//
// attempt is zero-based (0 = first retry). Jitter randomizes retry timing so
// parallel children of a failing fan-out do not retry in lockstep.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	// Grow multiplicatively, stopping at a ceiling instead of overflowing
	// int64 when base is large and maxDelay is unset.
	const ceiling = time.Duration(1) << 61
	delay := base
	for i := 0; i < attempt && delay < ceiling; i++ {
		delay *= 2
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry timing, not security
	}

	if total := delay + jitter; total > 0 {
		return total
	}
	return delay
}
