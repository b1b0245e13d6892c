package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrMaxRetriesExceeded = errors.New("resilience: max retries exceeded")
	ErrNotRetryable       = errors.New("resilience: error is not retryable")
)

// RetryConfig configures Retry/RetryNotify.
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig matches the gateway's log-writer retry contract:
// up to 3 retries after the first attempt (4 attempts in all), 100ms
// doubling backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		Multiplier:      2.0,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  30 * time.Second,
	}
}

type RetryOperation func() error

func newBackoff(cfg RetryConfig, ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.Multiplier = cfg.Multiplier
	b.MaxInterval = cfg.MaxInterval
	b.MaxElapsedTime = cfg.MaxElapsedTime

	withRetries := backoff.WithMaxRetries(b, cfg.MaxRetries)
	return backoff.WithContext(withRetries, ctx)
}

// Retry runs operation with exponential backoff, stopping early if
// IsRetryable says the returned error shouldn't be retried.
func Retry(ctx context.Context, cfg RetryConfig, operation RetryOperation) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := operation()
		if err != nil && !IsRetryable(err) {
			log.Debug().Int("attempt", attempt).Err(err).Msg("non-retryable error, stopping")
			return backoff.Permanent(err)
		}
		return err
	}, newBackoff(cfg, ctx))
}

// RetryNotify is Retry with a callback fired on every retried attempt,
// before the next backoff wait. The gateway's log writer uses it to log
// each failed write attempt rather than staying silent until it finally
// gives up.
func RetryNotify(ctx context.Context, cfg RetryConfig, operation RetryOperation, notify func(err error, wait time.Duration)) error {
	return backoff.RetryNotify(func() error {
		err := operation()
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, newBackoff(cfg, ctx), notify)
}

// IsRetryable reports whether err is worth retrying. Context
// cancellation/deadline are never retryable; everything else defaults to
// retryable since this package only wraps local I/O (sockets, SQLite), not
// an RPC layer with a rich status-code taxonomy.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
