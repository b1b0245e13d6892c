package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      5,
		InitialInterval: time.Millisecond,
		Multiplier:      1.5,
		MaxInterval:     10 * time.Millisecond,
		MaxElapsedTime:  time.Second,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return context.Canceled
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return errors.New("always fails")
	})
	assert.Error(t, err)
	assert.Equal(t, 6, attempts) // 1 initial + 5 retries
}

func TestRetryNotifyFiresCallbackOnEachRetriedAttempt(t *testing.T) {
	attempts := 0
	var notified []error
	err := RetryNotify(context.Background(), fastRetryConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(err error, wait time.Duration) {
		notified = append(notified, err)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Len(t, notified, 2) // fired once per failed attempt before it eventually succeeds
}

func TestRetryNotifySkipsCallbackOnNonRetryableError(t *testing.T) {
	notified := 0
	err := RetryNotify(context.Background(), fastRetryConfig(), func() error {
		return context.Canceled
	}, func(err error, wait time.Duration) {
		notified++
	})
	assert.Error(t, err)
	assert.Equal(t, 0, notified)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(errors.New("disk full")))
}
