package dialect

import (
	"context"
	"time"
)

// errRetry asks retryLoop for another attempt.
type errRetry struct{}

func (errRetry) Error() string { return "retry" }

// backoff returns the wait before attempt i+1. Jitter alternates between the full
// and half percentage so concurrent writers drift apart.
func (c RetryConfig) backoff(i int) time.Duration {
	mult := c.BackoffMultiple
	if mult < 1 {
		mult = 1
	}
	d := c.InitialBackoff
	for j := 0; j < i; j++ {
		d *= time.Duration(mult)
	}
	jitter := time.Duration(float64(d) * c.JitterPercent * (1.0 - (float64(i%2) * 0.5)))
	return d + jitter
}

// retryLoop runs attempt until it succeeds, fails with anything but errRetry, or
// the retries run out. It reports whether an attempt completed.
func retryLoop(ctx context.Context, cfg RetryConfig, attempt func(i int) error) (bool, error) {
	tries := cfg.MaxRetries
	if tries < 1 {
		tries = 1
	}
	for i := 0; i < tries; i++ {
		err := attempt(i)
		if err == nil {
			return true, nil
		}
		if _, again := err.(errRetry); !again {
			return false, err
		}
		if i == tries-1 {
			break
		}
		timer := time.NewTimer(cfg.backoff(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
	return false, nil
}
