package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creativeghq/batchflow/pkg/retry"
)

func TestPolicy_RetriesUpToMaxRetries(t *testing.T) {
	p := retry.Policy{MaxRetries: 3}
	err := errors.New("boom")

	for used := 0; used < 3; used++ {
		d := p.Decide(used, err)
		assert.True(t, d.Retry, "retry %d of %d should be granted", used+1, 3)
		assert.Zero(t, d.Delay, "no backoff configured, retry should be immediate")
	}

	d := p.Decide(3, err)
	assert.False(t, d.Retry, "an exhausted budget must give up")
}

func TestPolicy_ZeroMaxRetries_GivesUpImmediately(t *testing.T) {
	p := retry.Policy{}
	d := p.Decide(0, errors.New("boom"))
	assert.False(t, d.Retry)
}

func TestPolicy_BackoffDelays(t *testing.T) {
	p := retry.Policy{MaxRetries: 5, Backoff: retry.Linear(10 * time.Millisecond)}

	// Two retries consumed, so the granted one is the third.
	d := p.Decide(2, errors.New("boom"))
	require.True(t, d.Retry)
	assert.Equal(t, 30*time.Millisecond, d.Delay)
}

func TestBackoff_Schedules(t *testing.T) {
	assert.Equal(t, time.Duration(0), retry.None()(5))
	assert.Equal(t, time.Second, retry.Fixed(time.Second)(3))
	assert.Equal(t, 3*time.Second, retry.Linear(time.Second)(3))

	exp := retry.Exponential(time.Second, 10*time.Second)
	assert.Equal(t, time.Second, exp(1))
	assert.Equal(t, 2*time.Second, exp(2))
	assert.Equal(t, 4*time.Second, exp(3))
	assert.Equal(t, 10*time.Second, exp(6), "exponential backoff must respect the cap")
}

func TestDo_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "fn should be called exactly once on immediate success")
}

func TestDo_RetriesOnTransientError(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, func() error {
		calls++
		if calls < 2 {
			return errors.New("transient error")
		}
		return nil // succeeds on 2nd attempt
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "fn should be called twice: fail then succeed")
}

func TestDo_ReturnsErrorAfterMaxAttempts(t *testing.T) {
	calls := 0
	sentinel := errors.New("permanent error")
	err := retry.Do(context.Background(), retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, func() error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 3, calls, "fn should be called exactly MaxAttempts times")
}

func TestDo_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := retry.Do(ctx, retry.Config{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond}, func() error {
		return errors.New("always fails")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded),
		"expected DeadlineExceeded, got: %v", err)
}

func TestDo_OnRetry_CalledWithCorrectAttempt(t *testing.T) {
	var retryAttempts []int
	_ = retry.Do(context.Background(), retry.Config{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		OnRetry: func(attempt int, _ error) {
			retryAttempts = append(retryAttempts, attempt)
		},
	}, func() error {
		return errors.New("fail")
	})

	// OnRetry is called after attempts 1, 2, 3 (not after the last attempt).
	assert.Equal(t, []int{1, 2, 3}, retryAttempts)
}
