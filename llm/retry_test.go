package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1}
}

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second, BackoffMultiplier: 2, MaxDelay: time.Minute}

	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, want := range expected {
		assert.Equal(t, want, policy.Delay(i), "attempt %d", i)
	}
}

func TestRetryPolicyDelayCapped(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second, BackoffMultiplier: 2, MaxDelay: 5 * time.Second}
	assert.Equal(t, 5*time.Second, policy.Delay(10))
}

func TestRetryPolicyDelayJitterRange(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second, BackoffMultiplier: 2, MaxDelay: time.Minute, Jitter: true}
	for i := 0; i < 100; i++ {
		got := policy.Delay(0)
		assert.GreaterOrEqual(t, got, 500*time.Millisecond)
		assert.LessOrEqual(t, got, 1500*time.Millisecond)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	var retried []int
	policy := fastPolicy(3)
	policy.OnRetry = func(err error, attempt int, delay time.Duration) { retried = append(retried, attempt) }

	result, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &ServerError{ProviderError: ProviderError{SDKError: SDKError{Message: "boom"}, Retryable: true}}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context) (int, error) {
		calls++
		return 0, &AuthenticationError{ProviderError: ProviderError{SDKError: SDKError{Message: "bad key"}}}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	var auth *AuthenticationError
	assert.True(t, errors.As(err, &auth))
}

func TestRetryExhaustsBudget(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(2), func(ctx context.Context) (int, error) {
		calls++
		return 0, &RateLimitError{ProviderError: ProviderError{SDKError: SDKError{Message: "slow down"}, Retryable: true}}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour, BackoffMultiplier: 1}

	calls := 0
	_, err := Retry(ctx, policy, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, &ServerError{ProviderError: ProviderError{SDKError: SDKError{Message: "down"}, Retryable: true}}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryAfterBeyondCapGivesUp(t *testing.T) {
	after := 120.0
	calls := 0
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 1}
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (int, error) {
		calls++
		return 0, &RateLimitError{ProviderError: ProviderError{SDKError: SDKError{Message: "wait"}, Retryable: true, RetryAfter: &after}}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
