package util

import (
	"context"
	"time"
)

// Sleeper abstracts waiting so pollers and the deploy orchestrator can be
// driven without wall-clock delays in tests.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RealSleeper sleeps on the wall clock and returns early if ctx is done.
type RealSleeper struct{}

// Sleep waits for d or until ctx is cancelled.
func (RealSleeper) Sleep(ctx context.Context, d time.Duration) error {
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

// DefaultSleeper is used by Retry.
var DefaultSleeper Sleeper = RealSleeper{}

// Retry calls op up to tries times, sleeping delay between calls. The
// interval is fixed: callers size (tries, delay) to cover a known reboot
// or service start-up window.
//
// It returns nil on the first success. When the budget is exhausted it
// returns a *HealthTimeoutError wrapping the last failure. There is no sleep
// after the final failed call.
func Retry(ctx context.Context, name string, tries int, delay time.Duration, op func(ctx context.Context) error) error {
	return RetryWith(ctx, DefaultSleeper, name, tries, delay, op)
}

// RetryWith is Retry with an explicit Sleeper.
func RetryWith(ctx context.Context, s Sleeper, name string, tries int, delay time.Duration, op func(ctx context.Context) error) error {
	_, err := RetryValue(ctx, s, name, tries, delay, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// RetryValue is the value-returning form of RetryWith.
func RetryValue[T any](ctx context.Context, s Sleeper, name string, tries int, delay time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if tries < 1 {
		tries = 1
	}
	var last error
	for attempt := 1; attempt <= tries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		last = err
		if attempt == tries {
			break
		}
		Debugf("%s: attempt %d/%d failed: %v; retrying in %s", name, attempt, tries, err, delay)
		if err := s.Sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, &HealthTimeoutError{Check: name, Tries: tries, Last: last}
}
