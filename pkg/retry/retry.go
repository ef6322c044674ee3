// Package retry reruns storage transactions that fail with transient
// conflicts such as serialization failures, deadlocks or a busy database.
// Delays grow exponentially with jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// retryableError marks an error as worth another attempt.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as retryable regardless of the retrier's predicate.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// permanentError stops retrying immediately.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that it is returned without further attempts.
// The marker is stripped from the returned error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Config holds retry configuration.
type Config struct {
	// MaxAttempts counts the first attempt. Default: 3
	MaxAttempts int
	// InitialDelay precedes the second attempt. Default: 50ms
	InitialDelay time.Duration
	// MaxDelay caps the backoff. Default: 2s
	MaxDelay time.Duration
	// Jitter spreads each delay by up to this fraction. Default: 0.1
	Jitter float64
	// RetryIf decides which errors are retried. Errors marked with
	// Retryable always are.
	RetryIf func(error) bool
	// OnRetry runs before each sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Option configures a Retrier.
type Option func(*Config)

// WithMaxAttempts sets the total number of attempts.
func WithMaxAttempts(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxAttempts = n
		}
	}
}

// WithInitialDelay sets the delay before the first retry.
func WithInitialDelay(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.InitialDelay = d
		}
	}
}

// WithMaxDelay caps the delay between attempts.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.MaxDelay = d
		}
	}
}

// WithJitter sets the jitter fraction, between 0 and 1.
func WithJitter(f float64) Option {
	return func(c *Config) {
		if f >= 0 && f <= 1 {
			c.Jitter = f
		}
	}
}

// WithRetryIf sets the retry predicate.
func WithRetryIf(fn func(error) bool) Option {
	return func(c *Config) { c.RetryIf = fn }
}

// WithOnRetry sets a callback invoked before each retry.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(c *Config) { c.OnRetry = fn }
}

// Retrier runs operations with retries. It is safe for concurrent use.
type Retrier struct {
	cfg Config
}

// New creates a Retrier. Without WithRetryIf only Retryable errors are
// retried.
func New(opts ...Option) *Retrier {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Jitter:       0.1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Retrier{cfg: cfg}
}

// DatabaseRetrier returns the Retrier used around ledger transactions.
// transient reports which storage errors are worth another attempt.
func DatabaseRetrier(maxAttempts int, transient func(error) bool, opts ...Option) *Retrier {
	base := []Option{
		WithMaxAttempts(maxAttempts),
		WithInitialDelay(20 * time.Millisecond),
		WithMaxDelay(time.Second),
		WithJitter(0.2),
	}
	if transient != nil {
		base = append(base, WithRetryIf(transient))
	}
	return New(append(base, opts...)...)
}

// Do runs op until it succeeds, returns a non-retryable error, runs out of
// attempts or ctx is done. The last error from op is returned with any
// Retryable or Permanent marker removed.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return unmark(err)
			}
			return ctxErr
		}

		if err = op(ctx); err == nil {
			return nil
		}
		if attempt >= r.cfg.MaxAttempts || !r.shouldRetry(err) {
			return unmark(err)
		}

		delay := r.delay(attempt)
		if r.cfg.OnRetry != nil {
			r.cfg.OnRetry(attempt, err, delay)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return unmark(err)
		case <-t.C:
		}
	}
}

func (r *Retrier) shouldRetry(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	if IsRetryable(err) {
		return true
	}
	return r.cfg.RetryIf != nil && r.cfg.RetryIf(err)
}

// delay is InitialDelay doubled per attempt, capped and jittered.
func (r *Retrier) delay(attempt int) time.Duration {
	d := r.cfg.InitialDelay
	for i := 1; i < attempt && d < r.cfg.MaxDelay; i++ {
		d *= 2
	}
	d = min(d, r.cfg.MaxDelay)
	if r.cfg.Jitter > 0 {
		d += time.Duration(float64(d) * r.cfg.Jitter * (2*rand.Float64() - 1))
	}
	return max(d, 0)
}

func unmark(err error) error {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	var r *retryableError
	if errors.As(err, &r) {
		return r.err
	}
	return err
}

// DoWithData is Do for operations that return a value.
func DoWithData[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = op(ctx)
		return err
	})
	return out, err
}
