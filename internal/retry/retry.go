// Package retry holds the attempt/backoff policy shared by the storage
// gateway and the task status reporter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrExhausted marks a failure caused by running out of attempts. It is
// reported separately from the transient error that triggered the retries.
var ErrExhausted = errors.New("retries exhausted")

// ExhaustedError carries the attempt count and the last transient error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Last}
}

// Policy is the attempt/backoff configuration. The zero value is not usable;
// start from Default.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	Jitter      bool
}

// Default returns 3 attempts with 1s, 2s, 4s backoff and no jitter.
func Default() Policy {
	return Policy{MaxAttempts: 3, BaseBackoff: time.Second}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseBackoff
	if base <= 0 {
		base = time.Second
	}
	d := base << (attempt - 1)
	if p.Jitter {
		d += time.Duration(rand.Int64N(int64(d)/4 + 1))
	}
	return d
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying under any classifier.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Classifier reports whether an error is transient.
type Classifier func(error) bool

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

type options struct {
	retryable Classifier
	onRetry   func(attempt int, wait time.Duration, err error)
	sleep     Sleeper
}

// Option customises a single Do call.
type Option func(*options)

// WithClassifier sets the retryable predicate. Errors marked Permanent and
// context cancellation are never retried regardless.
func WithClassifier(c Classifier) Option {
	return func(o *options) { o.retryable = c }
}

// WithOnRetry registers a hook invoked before each backoff wait.
func WithOnRetry(fn func(attempt int, wait time.Duration, err error)) Option {
	return func(o *options) { o.onRetry = fn }
}

// WithSleeper replaces the timer-based wait.
func WithSleeper(s Sleeper) Option {
	return func(o *options) {
		if s != nil {
			o.sleep = s
		}
	}
}

// Sleep waits for d honouring ctx cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. Fatal errors are returned unchanged without waiting.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error, opts ...Option) error {
	o := options{sleep: Sleep}
	for _, opt := range opts {
		opt(&o)
	}

	maxAttempts := p.attempts()
	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !o.shouldRetry(err) {
			return err
		}
		if attempt >= maxAttempts {
			return &ExhaustedError{Op: op, Attempts: attempt, Last: err}
		}

		wait := p.Backoff(attempt)
		if o.onRetry != nil {
			o.onRetry(attempt, wait, err)
		}
		if serr := o.sleep(ctx, wait); serr != nil {
			return fmt.Errorf("%s: interrupted after attempt %d: %w", op, attempt, errors.Join(serr, err))
		}
	}
}

func (o *options) shouldRetry(err error) bool {
	if IsPermanent(err) || errors.Is(err, context.Canceled) {
		return false
	}
	if o.retryable == nil {
		return true
	}
	return o.retryable(err)
}
