package store

import (
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// writeRetryAttempts bounds how many times one batch is attempted in total
// before it is dropped and counted.
const writeRetryAttempts = 5

// newWriteBackOff returns the batch-write retry schedule: five attempts
// with waits of 100ms, 200ms, 400ms and 800ms between them (intervals are
// capped at 1.6s).
func newWriteBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 1600 * time.Millisecond
	b.MaxElapsedTime = 0

	return backoff.WithMaxRetries(b, writeRetryAttempts-1)
}
