package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumigen-ai/lumigen/internal/apperr"
)

func fastConfig(maxRetries uint64) Config {
	return Config{MaxRetries: maxRetries, Base: time.Millisecond, MaxInterval: time.Millisecond}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		attempts++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoRetriesRetryableErrors(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		attempts++
		if attempts < 3 {
			return apperr.RetryableProvider("transient", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnTerminalError(t *testing.T) {
	attempts := 0
	terminal := apperr.TerminalProvider("rejected", nil)
	err := Do(context.Background(), fastConfig(3), func() error {
		attempts++
		return terminal
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, apperr.CodeTerminalProvider, apperr.CodeOf(err))
}

func TestDoStopsOnPlainError(t *testing.T) {
	attempts := 0
	plain := errors.New("broken invariant")
	err := Do(context.Background(), fastConfig(3), func() error {
		attempts++
		return plain
	})
	require.ErrorIs(t, err, plain)
	assert.Equal(t, 1, attempts)
}

func TestDoExhaustsBudget(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		attempts++
		return apperr.RetryableProvider("still down", nil)
	})
	require.Error(t, err)
	// Initial attempt plus two retries.
	assert.Equal(t, 3, attempts)
	assert.Equal(t, apperr.CodeRetryableProvider, apperr.CodeOf(err))
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Do(ctx, Config{MaxRetries: 10, Base: time.Hour, MaxInterval: time.Hour}, func() error {
		attempts++
		cancel()
		return apperr.RetryableProvider("transient", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
