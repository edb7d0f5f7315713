package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quickPolicy(maxAttempts int, retryable func(error) bool) Policy {
	return Policy{
		Name:        "test",
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2,
		Retryable:   retryable,
	}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), quickPolicy(3, nil), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), quickPolicy(5, nil), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	failure := errors.New("always down")
	err := Do(context.Background(), quickPolicy(3, nil), func() error {
		calls++
		return failure
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, failure)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
}

func TestDo_NonRetryableAbortsImmediately(t *testing.T) {
	calls := 0
	fatal := errors.New("permanent")
	err := Do(context.Background(), quickPolicy(5, func(err error) bool {
		return !errors.Is(err, fatal)
	}), func() error {
		calls++
		return fatal
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	// permanent errors return unwrapped, no "giving up" envelope
	assert.Equal(t, fatal, err)
}

func TestDo_ContextCancelStopsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	policy := Policy{
		Name:        "test",
		MaxAttempts: 10,
		BaseDelay:   time.Hour, // would hang without cancellation
		MaxDelay:    time.Hour,
		Multiplier:  1,
	}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, policy, func() error {
			calls++
			return errors.New("transient")
		})
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after context cancellation")
	}
}

func TestDo_ConstantDelayPolicy(t *testing.T) {
	// Multiplier 1 keeps the delay constant; mainly verifying it terminates
	policy := Policy{
		Name:        "storage",
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Multiplier:  1,
	}
	calls := 0
	err := Do(context.Background(), policy, func() error {
		calls++
		return errors.New("busy")
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
}
