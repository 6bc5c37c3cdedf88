// Package retry runs an operation with a bounded number of attempts and a
// fixed backoff schedule. Only timeouts and server errors are retried.
package retry

import (
	"context"
	"errors"
	"time"
)

const defaultAttempts = 3

// DefaultBackoff is the wait before the 2nd, 3rd and 4th attempt.
var DefaultBackoff = []time.Duration{1 * time.Second, 3 * time.Second, 10 * time.Second}

// Policy describes how an operation is retried.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Backoff is indexed by attempt number; the last entry is reused when
	// the schedule is shorter than Attempts-1.
	Backoff []time.Duration
	// Sleep waits between attempts. Nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Default returns 3 attempts with the 1s, 3s, 10s schedule.
func Default() Policy {
	return Policy{Attempts: defaultAttempts, Backoff: DefaultBackoff}
}

type statusCoder interface {
	HTTPStatusCode() int
}

// timeouter is satisfied by net.Error and by client timeout errors.
type timeouter interface {
	Timeout() bool
}

// IsRetryable reports whether err is a timeout or carries a 5xx status.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var to timeouter
	if errors.As(err, &to) && to.Timeout() {
		return true
	}
	var sc statusCoder
	if errors.As(err, &sc) && sc.HTTPStatusCode() >= 500 {
		return true
	}
	return false
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempts are exhausted. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == attempts {
			return zero, err
		}

		wait := p.backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		if err := sleep(ctx, wait); err != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

func (p Policy) backoff(attempt int) time.Duration {
	schedule := p.Backoff
	if len(schedule) == 0 {
		schedule = DefaultBackoff
	}
	i := attempt - 1
	if i >= len(schedule) {
		i = len(schedule) - 1
	}
	return schedule[i]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
