package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	logx "buildrelay/pkg/logx"
)

func fastExecutor() *Executor {
	return New(Config{Attempts: 3, Delay: time.Millisecond}, logx.Nop())
}

func TestDoStopsOnFirstSuccess(t *testing.T) {
	t.Parallel()
	var calls int32
	err := fastExecutor().Do(context.Background(), "op", func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestDoAlwaysFailingAttemptsExactlyThreeTimes(t *testing.T) {
	t.Parallel()
	var calls int32
	boom := errors.New("timeout")
	err := fastExecutor().Do(context.Background(), "changes", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return boom
	})
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want it to wrap the last attempt error", err)
	}
}

func TestCallReturnsValue(t *testing.T) {
	t.Parallel()
	got, err := Call(context.Background(), fastExecutor(), "op", func(ctx context.Context) (int, error) {
		return 7, nil
	})
	if err != nil || got != 7 {
		t.Fatalf("Call = (%d, %v), want (7, nil)", got, err)
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	e := New(Config{}, logx.Logger{})
	if e.Attempts() != DefaultAttempts || e.Delay() != DefaultDelay || e.Clock() == nil {
		t.Fatalf("defaults = %d %v %v", e.Attempts(), e.Delay(), e.Clock())
	}
}

func TestDelayOnlyBetweenAttempts(t *testing.T) {
	t.Parallel()
	clk := testclock.NewClock(time.Now())
	e := New(Config{Attempts: 3, Delay: time.Second, Clock: clk}, logx.Nop())

	var calls int32
	done := make(chan error, 1)
	go func() {
		done <- e.Do(context.Background(), "op", func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("fail")
		})
	}()

	// The first attempt runs immediately, then the executor waits on the clock.
	if err := clk.WaitAdvance(999*time.Millisecond, 5*time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls before full delay = %d, want 1", got)
	}
	if err := clk.WaitAdvance(time.Millisecond, 5*time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}
	// Second attempt fails and waits again.
	if err := clk.WaitAdvance(time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrExhausted) {
			t.Fatalf("err = %v, want ErrExhausted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestDoHonorsCancellationBetweenAttempts(t *testing.T) {
	t.Parallel()
	clk := testclock.NewClock(time.Now())
	e := New(Config{Attempts: 3, Delay: time.Hour, Clock: clk}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- e.Do(ctx, "op", func(ctx context.Context) error { return errors.New("fail") })
	}()
	// Wait for the executor to block on the clock, then cancel.
	if err := clk.WaitAdvance(0, 5*time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}
