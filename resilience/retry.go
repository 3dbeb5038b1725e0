// Package resilience provides the retry and circuit-breaking
// primitives used around the facilitator and passport network calls.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig controls backoff behavior for Retry.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter in [0,1] randomizes each delay to avoid thundering herds.
	Jitter float64
	// RetryIf filters retryable errors. Nil retries everything except
	// context cancellation.
	RetryIf func(error) bool
}

// DefaultRetryConfig is tuned for short-lived HTTP calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// MaxRetriesError wraps the last error after attempts are exhausted.
type MaxRetriesError struct {
	Attempts int
	Last     error
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *MaxRetriesError) Unwrap() error { return e.Last }

// Retry runs fn with exponential backoff until it succeeds, the error
// is not retryable, or attempts run out.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}
	delay := cfg.InitialDelay
	var last error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn()
		if last == nil {
			return nil
		}
		if !retryable(cfg, last) {
			return last
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		select {
		case <-time.After(jitter(delay, cfg.Jitter)):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return &MaxRetriesError{Attempts: cfg.MaxAttempts, Last: last}
}

func retryable(cfg RetryConfig, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if cfg.RetryIf != nil {
		return cfg.RetryIf(err)
	}
	return true
}

func jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	spread := float64(d) * factor
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}
