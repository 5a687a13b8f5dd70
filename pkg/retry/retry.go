package retry

import (
	"context"
	"time"

	apperrors "streamgate/pkg/errors"
)

// Config bounds inline re-attempts of a shared-store operation.
// MaxAttempts counts retries after the first call, so MaxAttempts=1
// means at most two calls total.
type Config struct {
	Enabled      bool
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// Inline is the budget used on message-handling and disconnect paths:
// one extra attempt after a short pause, so a redis blip does not
// surface to the client but a real outage fails fast.
func Inline() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  1,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   1.0,
	}
}

// Transient runs fn, re-attempting only transient shared-store
// failures. Any other error returns immediately on the first call; the
// last transient error is returned once the budget is spent.
func Transient[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T

	if !cfg.Enabled {
		return fn()
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 0; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !apperrors.IsTransient(err) {
			return zero, err
		}
		lastErr = err

		if attempt >= cfg.MaxAttempts {
			return zero, lastErr
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}
