// Package retry is the single backoff policy applied to outbound provider
// calls and realtime reconnects.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/wolfman30/clinic-inbox/pkg/logging"
)

// Defaults for outbound WhatsApp sends.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
	DefaultJitter      = 0.2
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Do stops retrying immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// IsRetryable reports whether another attempt could succeed. Permanent
// errors and cancellation are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Policy is exponential backoff with a cap and proportional jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the +/- fraction applied to each delay (0.2 = 20%).
	Jitter float64
	Logger *logging.Logger

	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

// DefaultPolicy returns the outbound send policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

// WithSleep replaces the wait function; tests use it to run without delays.
func (p Policy) WithSleep(sleep func(ctx context.Context, d time.Duration) error) Policy {
	p.sleep = sleep
	return p
}

// Backoff returns the delay to wait after the given zero-based attempt failed.
func (p Policy) Backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := base * time.Duration(1<<attempt)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		spread := float64(delay) * p.Jitter
		delay = time.Duration(float64(delay) - spread + 2*spread*r())
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// cap is reached or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = Sleep
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !IsRetryable(err) || attempt == attempts-1 {
			return err
		}
		delay := p.Backoff(attempt)
		if p.Logger != nil {
			p.Logger.Warn("retrying operation",
				"operation", op,
				"attempt", attempt+1,
				"delay_ms", delay.Milliseconds(),
				"error", err,
			)
		}
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
