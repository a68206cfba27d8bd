package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy describes a bounded exponential backoff
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// WithDefaults fills zero fields with the same defaults the publisher used
func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	return p
}

// Backoff returns the wait after the given zero-based attempt
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.WithDefaults()
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	delay := time.Duration(d)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Stop wraps an error that must not be retried
type Stop struct {
	Err error
}

func (s *Stop) Error() string { return s.Err.Error() }

func (s *Stop) Unwrap() error { return s.Err }

// Permanent marks err so Do returns it without retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Stop{Err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts
// run out, or ctx is done. onRetry, when set, runs before each wait.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, onRetry func(attempt int, delay time.Duration, err error)) error {
	return DoWithWait(ctx, p, Sleep, fn, onRetry)
}

// DoWithWait is Do with a caller supplied wait between attempts. A wait
// error ends the loop and is wrapped alongside the last attempt's error.
func DoWithWait(ctx context.Context, p Policy, wait func(ctx context.Context, d time.Duration) error, fn func(ctx context.Context, attempt int) error, onRetry func(attempt int, delay time.Duration, err error)) error {
	p = p.WithDefaults()

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if stop, ok := err.(*Stop); ok {
			return stop.Err
		}
		lastErr = err

		if attempt == p.MaxAttempts-1 {
			break
		}
		delay := p.Backoff(attempt)
		if onRetry != nil {
			onRetry(attempt+1, delay, err)
		}
		if err := wait(ctx, delay); err != nil {
			return fmt.Errorf("retry canceled after %d attempts: %w: %w", attempt+1, err, lastErr)
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, lastErr)
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
