// Package retry runs an operation a bounded number of times with an optional
// per-attempt hook that always runs.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy describes how many times to try and how long to wait in between.
type Policy struct {
	// Attempts is the total number of tries, at least 1.
	Attempts int
	// Backoff is the wait before the second attempt. It doubles for each
	// following attempt up to MaxBackoff. Zero retries immediately.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func (p Policy) delay(attempt int) time.Duration {
	if p.Backoff <= 0 || attempt < 1 {
		return 0
	}
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Do stops retrying. Do returns the wrapped error
// unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Func is one attempt. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// AfterFunc runs once after every attempt with that attempt's outcome, even
// if the attempt succeeded or panicked.
type AfterFunc func(ctx context.Context, attempt int, err error)

// Do calls fn until it succeeds, returns a Permanent error, the attempts are
// used up or ctx is done. It returns the number of attempts made and the
// last error.
func Do(ctx context.Context, p Policy, fn Func, after AfterFunc) (int, error) {
	attempts := max(p.Attempts, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if werr := wait(ctx, p.delay(attempt-1)); werr != nil {
				return attempt - 1, errors.Join(err, werr)
			}
		}

		err = once(ctx, attempt, fn, after)
		if err == nil {
			return attempt, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return attempt, perm.err
		}
		if ctx.Err() != nil {
			return attempt, err
		}
	}
	return attempts, err
}

func once(ctx context.Context, attempt int, fn Func, after AfterFunc) (err error) {
	if after != nil {
		defer func() {
			after(ctx, attempt, err)
		}()
	}
	return fn(ctx, attempt)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
