package util

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type recordingSleeper struct {
	sleeps []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.sleeps = append(r.sleeps, d)
	return ctx.Err()
}

func TestRetrySucceedsOnNthCall(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			s := &recordingSleeper{}
			calls := 0
			err := RetryWith(context.Background(), s, "probe", 5, 10*time.Second, func(context.Context) error {
				calls++
				if calls < n {
					return errors.New("not yet")
				}
				return nil
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if calls != n {
				t.Errorf("calls = %d, want %d", calls, n)
			}
			if len(s.sleeps) != n-1 {
				t.Errorf("sleeps = %d, want %d", len(s.sleeps), n-1)
			}
			for _, d := range s.sleeps {
				if d != 10*time.Second {
					t.Errorf("sleep = %s, want fixed 10s", d)
				}
			}
		})
	}
}

func TestRetryExhausted(t *testing.T) {
	s := &recordingSleeper{}
	calls := 0
	err := RetryWith(context.Background(), s, "dockers", 21, 10*time.Second, func(context.Context) error {
		calls++
		return fmt.Errorf("attempt %d", calls)
	})
	if calls != 21 {
		t.Errorf("calls = %d, want 21", calls)
	}
	if len(s.sleeps) != 20 {
		t.Errorf("sleeps = %d, want 20", len(s.sleeps))
	}

	var hte *HealthTimeoutError
	if !errors.As(err, &hte) {
		t.Fatalf("want HealthTimeoutError, got %v", err)
	}
	if hte.Last == nil || hte.Last.Error() != "attempt 21" {
		t.Errorf("Last = %v, want attempt 21", hte.Last)
	}
	if !errors.Is(err, ErrHealthTimeout) {
		t.Error("should match ErrHealthTimeout")
	}
}

func TestRetryZeroTriesRunsOnce(t *testing.T) {
	calls := 0
	_ = RetryWith(context.Background(), &recordingSleeper{}, "x", 0, time.Second, func(context.Context) error {
		calls++
		return errors.New("no")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryWith(ctx, &recordingSleeper{}, "x", 10, time.Second, func(context.Context) error {
		calls++
		cancel()
		return errors.New("no")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryValue(t *testing.T) {
	calls := 0
	v, err := RetryValue(context.Background(), &recordingSleeper{}, "version", 3, time.Second, func(context.Context) (string, error) {
		calls++
		if calls == 2 {
			return "SONiC-OS-master.1", nil
		}
		return "", errors.New("empty")
	})
	if err != nil || v != "SONiC-OS-master.1" {
		t.Errorf("RetryValue = %q, %v", v, err)
	}
}

func TestRealSleeperHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := (RealSleeper{}).Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancelled sleep should return immediately")
	}
}
