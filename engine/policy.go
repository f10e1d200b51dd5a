package engine

import (
	"math/rand"
	"time"
)

// FailurePolicy configures how the automaton classifies and retries
// failures.
type FailurePolicy struct {
	// MaximumSuccessiveAttempts caps the non-fatal-failure counter; once
	// attempts reaches this value the target becomes Dead.
	MaximumSuccessiveAttempts int

	// TurnUnixSSHFailureIntoTargetFailure controls whether classified
	// executor errors (Unix_error, Probe_error, Start_error, Kill_error)
	// increment the attempts counter (true) or are treated as an
	// environmental hiccup that retries without counting against the
	// target (false, the default).
	TurnUnixSSHFailureIntoTargetFailure bool

	// RetryBaseDelay and RetryMaxDelay configure the exponential-with-
	// jitter backoff the driver waits before resubmitting a failed target
	// for another attempt. The delay is honored by the driver's batch
	// scheduling rather than an in-process sleep, since Step must stay
	// synchronous.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// DefaultFailurePolicy returns the documented defaults: three attempts,
// environmental failures excluded from the counter, 1s base backoff
// capped at 30s.
func DefaultFailurePolicy() FailurePolicy {
	return FailurePolicy{
		MaximumSuccessiveAttempts:           3,
		TurnUnixSSHFailureIntoTargetFailure: false,
		RetryBaseDelay:                      1 * time.Second,
		RetryMaxDelay:                       30 * time.Second,
	}
}

// computeBackoff calculates the delay before a failed target becomes
// eligible for its next attempt, using exponential backoff with jitter.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	shift := attempt
	if shift > 30 {
		shift = 30
	}
	delay := base * (1 << shift)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	if rng != nil && base > 0 {
		delay += time.Duration(rng.Int63n(int64(base)))
	}
	return delay
}
