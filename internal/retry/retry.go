package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lumigen-ai/lumigen/internal/apperr"
)

// Config bounds one retried operation. Zero values fall back to defaults
// suitable for short outbound provider calls.
type Config struct {
	MaxRetries  uint64
	Base        time.Duration
	MaxInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Base <= 0 {
		c.Base = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 10 * time.Second
	}
	return c
}

// Do runs op under a capped, jittered exponential backoff. Errors that are
// not retryable per apperr.IsRetryable stop the loop immediately; exhausting
// the budget returns the last error. The context cancels waiting between
// attempts.
func Do(ctx context.Context, cfg Config, op func() error) error {
	cfg = cfg.withDefaults()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.Base
	policy.MaxInterval = cfg.MaxInterval
	policy.MaxElapsedTime = 0 // bounded by MaxRetries, not wall clock

	wrapped := backoff.WithContext(backoff.WithMaxRetries(policy, cfg.MaxRetries), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !apperr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, wrapped)
}
