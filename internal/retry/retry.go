// Package retry provides the backoff policy used around persistence calls
// and broker connection attempts.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/citypulse/trafficflow/internal/clock"
)

// Task is one attempt of the guarded operation.
type Task func(ctx context.Context) error

// Policy retries a Task with exponential backoff. The zero value retries
// forever with the default delays, treating every error as retryable.
type Policy struct {
	// MaxAttempts caps the total number of attempts. Zero means retry until
	// the context is cancelled.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable reports whether an error is worth another attempt. Nil
	// retries everything.
	Retryable func(error) bool
	Clock     clock.Clock
	Logger    *slog.Logger
}

const (
	defaultBaseDelay = 100 * time.Millisecond
	defaultMaxDelay  = 5 * time.Second
)

// Do runs op until it succeeds, fails with a non-retryable error, exhausts
// MaxAttempts or the context is cancelled.
func (p Policy) Do(ctx context.Context, name string, op Task) error {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return fmt.Errorf("%s: giving up after %d attempts: %w", name, attempt, err)
		}

		delay := p.delay(attempt)
		logger.Warn("operation failed, retrying",
			"op", name,
			"attempt", attempt,
			"delay", delay,
			"error", err)

		select {
		case <-clk.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// delay doubles BaseDelay per completed attempt, capped at MaxDelay.
func (p Policy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	max := p.MaxDelay
	if max <= 0 {
		max = defaultMaxDelay
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
