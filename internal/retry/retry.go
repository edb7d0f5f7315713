// Package retry provides a policy-driven retry helper. Policies are plain
// values composed by sequential application rather than decorator stacking,
// so each layer stays testable on its own.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Policy describes when and how to retry a failing operation.
type Policy struct {
	// Name appears in backoff log lines
	Name string
	// MaxAttempts caps the total number of calls (first try included)
	MaxAttempts int
	// BaseDelay is the wait after the first failure
	BaseDelay time.Duration
	// MaxDelay caps the growing backoff
	MaxDelay time.Duration
	// Multiplier grows the delay between attempts; 1 keeps it constant
	Multiplier float64
	// Retryable classifies an error; false aborts immediately
	Retryable func(error) bool
}

// Do runs fn under the policy, sleeping between attempts. The last error
// is returned when attempts are exhausted or the error is not retryable.
func Do(ctx context.Context, policy Policy, fn func() error) error {
	delay := policy.BaseDelay
	var err error

	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if policy.Retryable != nil && !policy.Retryable(err) {
			return err
		}
		if attempt >= policy.MaxAttempts {
			return fmt.Errorf("%s: giving up after %d attempts: %w", policy.Name, attempt, err)
		}

		slog.Warn("Backing off",
			"policy", policy.Name,
			"attempt", attempt,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		if policy.Multiplier > 1 {
			delay = time.Duration(float64(delay) * policy.Multiplier)
			if delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}
	}
}
