package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type statusErr struct{ code int }

func (e *statusErr) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e *statusErr) HTTPStatusCode() int { return e.code }

type timeoutErr struct{}

func (timeoutErr) Error() string { return "timed out" }
func (timeoutErr) Timeout() bool { return true }

type recorder struct {
	waits []time.Duration
	err   error
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return r.err
}

func testPolicy(r *recorder) Policy {
	p := Default()
	p.Sleep = r.sleep
	return p
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"500", &statusErr{500}, true},
		{"503 wrapped", fmt.Errorf("post: %w", &statusErr{503}), true},
		{"404", &statusErr{404}, false},
		{"429", &statusErr{429}, false},
		{"timeout", timeoutErr{}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestDo_SucceedsFirstTime(t *testing.T) {
	r := &recorder{}
	calls := 0
	err := testPolicy(r).Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Empty(t, r.waits)
}

func TestDo_NonRetryableIsAttemptedOnce(t *testing.T) {
	r := &recorder{}
	calls := 0
	fatal := &statusErr{400}
	err := testPolicy(r).Do(context.Background(), func(context.Context) error {
		calls++
		return fatal
	})
	require.Same(t, fatal, err)
	require.Equal(t, 1, calls)
	require.Empty(t, r.waits)
}

func TestDo_TimeoutsExhaustThreeAttempts(t *testing.T) {
	r := &recorder{}
	calls := 0
	err := testPolicy(r).Do(context.Background(), func(context.Context) error {
		calls++
		return timeoutErr{}
	})
	require.Equal(t, timeoutErr{}, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{time.Second, 3 * time.Second}, r.waits)
}

func TestDo_RecoversAfterServerError(t *testing.T) {
	r := &recorder{}
	calls := 0
	err := testPolicy(r).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &statusErr{502}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDo_StopsWhenSleepIsInterrupted(t *testing.T) {
	r := &recorder{err: context.Canceled}
	calls := 0
	err := testPolicy(r).Do(context.Background(), func(context.Context) error {
		calls++
		return &statusErr{500}
	})
	require.Equal(t, 1, calls)
	var sc *statusErr
	require.ErrorAs(t, err, &sc)
}

func TestDo_OnRetryObservesEachWait(t *testing.T) {
	r := &recorder{}
	p := testPolicy(r)
	var attempts []int
	p.OnRetry = func(attempt int, _ time.Duration, _ error) { attempts = append(attempts, attempt) }
	_ = p.Do(context.Background(), func(context.Context) error { return timeoutErr{} })
	require.Equal(t, []int{1, 2}, attempts)
}

func TestBackoff_ReusesLastEntry(t *testing.T) {
	p := Policy{Attempts: 6, Backoff: []time.Duration{time.Millisecond, 2 * time.Millisecond}}
	require.Equal(t, time.Millisecond, p.backoff(1))
	require.Equal(t, 2*time.Millisecond, p.backoff(2))
	require.Equal(t, 2*time.Millisecond, p.backoff(5))
	require.Equal(t, 10*time.Second, Policy{}.backoff(3))
}

func TestValue_ReturnsResult(t *testing.T) {
	r := &recorder{}
	calls := 0
	v, err := Value(context.Background(), testPolicy(r), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", timeoutErr{}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, []time.Duration{time.Second}, r.waits)
}

func TestSleepContext_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))
}
