package dispatch

import (
	"math/rand"
	"time"

	"github.com/eventbridge-systems/eventbridge/internal/models"
)

// backoffDelay computes the wait before the next attempt:
//
//	min(base * 2^(attempt-1) + jitter, max)
//
// Jitter is uniform in [0, base) so retries across subscriptions do not
// land on the same tick.
func backoffDelay(policy models.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := policy.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= policy.MaxDelay {
			delay = policy.MaxDelay
			break
		}
	}
	if policy.BaseDelay > 0 {
		delay += time.Duration(rand.Int63n(int64(policy.BaseDelay)))
	}
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}
