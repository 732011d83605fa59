package outbox

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// Backoff bounds for transient failures.
const (
	backoffFloor = 5 * time.Second
	backoffCeil  = 5 * time.Minute

	jitterPercent = 20
)

// Delay returns the retry delay after the given failed-attempt count:
// exponential from the floor to the ceiling with bounded jitter.
func Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	b := retry.WithJitterPercent(jitterPercent,
		retry.WithCappedDuration(backoffCeil,
			retry.NewExponential(backoffFloor)))
	var d time.Duration
	for i := 0; i < attempts; i++ {
		d, _ = b.Next()
	}
	// jitter may step outside the configured bounds
	if d < backoffFloor {
		d = backoffFloor
	}
	if d > backoffCeil {
		d = backoffCeil
	}
	return d
}
