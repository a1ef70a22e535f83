// Package retry runs a call with exponential backoff and jitter, retrying only
// errors classified as transient.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/maheshrc27/postflow/internal/apperr"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 8 * time.Second
	DefaultMultiplier  = 2.0

	jitterLow  = 0.9
	jitterHigh = 1.1
)

// Attempt is passed to Config.OnRetry before the executor waits.
type Attempt struct {
	Number int
	Delay  time.Duration
	Err    error
}

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64

	// Classify reports whether err may be retried. Defaults to the apperr tag.
	Classify func(err error) bool
	OnRetry  func(a Attempt)
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultMultiplier
	}
	if c.Classify == nil {
		c.Classify = apperr.IsTransient
	}
	return c
}

// Backoff returns the wait before the next call after the given failed attempt (1-based).
func (c Config) Backoff(attempt int, hint time.Duration) time.Duration {
	c = c.withDefaults()
	jitter := jitterLow + rand.Float64()*(jitterHigh-jitterLow)
	d := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt-1)) * jitter
	if hint > 0 && float64(hint) > d {
		d = float64(hint)
	}
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

// Result is what DoSafe reports instead of returning an error.
type Result[T any] struct {
	Value    T
	Err      error
	Attempts int
}

func (r Result[T]) Success() bool { return r.Err == nil }

// Do calls fn until it succeeds, fails permanently or attempts run out.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	r := DoSafe(ctx, cfg, fn)
	return r.Value, r.Err
}

// DoSafe is Do for callers that must continue after a failure. Attempts is the
// number of calls actually made.
func DoSafe[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) Result[T] {
	cfg = cfg.withDefaults()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return Result[T]{Value: v, Attempts: attempt}
		}
		lastErr = err

		if !cfg.Classify(err) {
			return Result[T]{Value: zero, Err: err, Attempts: attempt}
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := cfg.Backoff(attempt, apperr.RetryAfterHint(err))
		if cfg.OnRetry != nil {
			cfg.OnRetry(Attempt{Number: attempt, Delay: delay, Err: err})
		}
		if werr := wait(ctx, delay); werr != nil {
			return Result[T]{Value: zero, Err: fmt.Errorf("%w (retry aborted: %v)", lastErr, werr), Attempts: attempt}
		}
	}
	return Result[T]{
		Value:    zero,
		Err:      fmt.Errorf("gave up after %d attempts: %w", cfg.MaxAttempts, lastErr),
		Attempts: cfg.MaxAttempts,
	}
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
