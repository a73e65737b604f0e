package queue

import (
	"math/rand"
	"time"

	"github.com/mmdatafocus/synchub_backend/utils"
)

// Retry schedule knobs, env-overridable.
func RetryBase() time.Duration {
	return utils.SecondsFromEnv("SYNC_RETRY_BASE_SECONDS", 30*time.Second)
}

func RetryMax() time.Duration {
	return utils.SecondsFromEnv("SYNC_RETRY_MAX_SECONDS", time.Hour)
}

func MaxAttempts() int {
	return utils.IntFromEnv("SYNC_MAX_ATTEMPTS", 8)
}

// Backoff returns the delay before the given retry attempt (1-based):
// exponential doubling from RetryBase, capped at RetryMax, with jitter so a
// burst of failures does not come back as a burst of retries.
func Backoff(attempt int) time.Duration {
	return backoffFor(attempt, RetryBase(), RetryMax(), rand.Float64)
}

// retryDelay picks the next attempt's delay. A provider-specified Retry-After
// governs outright when present; the exponential schedule covers everything
// else. Providers know their own rate windows, a longer local backoff would
// just hold the job hostage.
func retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	return Backoff(attempt)
}

func backoffFor(attempt int, base, max time.Duration, jitter func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	// +/-20% jitter, never below base.
	j := time.Duration(float64(d) * 0.2 * (2*jitter() - 1))
	d += j
	if d < base {
		d = base
	}
	if d > max {
		d = max
	}
	return d
}
