package mqtt

import (
	"context"
	"fmt"
	"time"
)

const (
	subscriptionBackoffStep = 2 * time.Second
	subscriptionBackoffMax  = 30 * time.Second

	// InitRetries is how many times a failed initialisation is retried.
	InitRetries   = 3
	initRetryStep = 2 * time.Second

	// ReconnectDelay is the pause before a lost command broker is dialled again.
	ReconnectDelay = 2 * time.Second
)

// SubscriptionBackoff is the delay before subscription retry number attempt:
// min(2s*attempt, 30s).
func SubscriptionBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := subscriptionBackoffStep * time.Duration(attempt)
	if d > subscriptionBackoffMax {
		return subscriptionBackoffMax
	}
	return d
}

// InitRetryDelay is the linear delay before initialisation retry number attempt (2s, 4s, 6s).
func InitRetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return initRetryStep * time.Duration(attempt)
}

// Retry runs fn once and then up to retries more times, waiting delay(n) before
// retry n. It gives up early when ctx is cancelled and returns the last error.
func Retry(ctx context.Context, retries int, delay func(attempt int) time.Duration, fn func(attempt int) error) error {
	err := fn(0)
	for n := 1; err != nil && n <= retries; n++ {
		t := time.NewTimer(delay(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-t.C:
		}
		err = fn(n)
	}
	if err != nil {
		return fmt.Errorf("giving up after %d retries: %w", retries, err)
	}
	return nil
}
