package waiter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

var errFlaky = errors.New("transient probe failure")

func TestWaitReturnsImmediatelyOnFirstSuccess(t *testing.T) {
	// A mock clock never advances on its own, so any attempt to sleep would
	// block the test forever.
	w := New(WithClock(clock.NewMock()))

	calls := 0
	err := w.Wait(context.Background(), func(context.Context) (bool, error) {
		calls++
		return true, nil
	}, Options{Timeout: time.Minute, PollInterval: time.Second})

	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single evaluation, got %d", calls)
	}
}

func TestWaitPropagatesNonIgnorableErrorWithoutRetrying(t *testing.T) {
	w := New(WithClock(clock.NewMock()))

	broken := errors.New("the check itself is broken")
	calls := 0
	err := w.Wait(context.Background(), func(context.Context) (bool, error) {
		calls++
		return false, broken
	}, Options{Timeout: time.Minute, PollInterval: time.Second, Ignorable: []error{errFlaky}})

	if !errors.Is(err, broken) {
		t.Fatalf("expected the original error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single evaluation, got %d", calls)
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		t.Fatal("hard failure must not be reported as a timeout")
	}
}

func TestWaitIgnorableErrorsEndInTimeout(t *testing.T) {
	w := New()

	calls := 0
	err := w.Wait(context.Background(), func(context.Context) (bool, error) {
		calls++
		return false, fmt.Errorf("probe: %w", errFlaky)
	}, Options{
		Timeout:      20 * time.Millisecond,
		PollInterval: time.Millisecond,
		Ignorable:    []error{errFlaky},
		Description:  "green cluster",
	})

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected *TimeoutError, got %v", err)
	}
	if !errors.Is(timeoutErr.LastFailure, errFlaky) {
		t.Fatalf("expected last failure to carry the ignored error, got %v", timeoutErr.LastFailure)
	}
	if errors.Is(err, errFlaky) {
		t.Fatal("timeout must not unwrap to the underlying condition failure")
	}
	if calls < 2 {
		t.Fatalf("expected repeated evaluations before the timeout, got %d", calls)
	}
}

func TestWaitFalseConditionEndsInTimeout(t *testing.T) {
	w := New()

	err := w.Wait(context.Background(), func(context.Context) (bool, error) {
		return false, nil
	}, Options{Timeout: 10 * time.Millisecond, PollInterval: time.Millisecond})

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected *TimeoutError, got %v", err)
	}
	if !errors.Is(timeoutErr.LastFailure, ErrNotReady) {
		t.Fatalf("expected ErrNotReady as last failure, got %v", timeoutErr.LastFailure)
	}
}

func TestWaitReportsAttempts(t *testing.T) {
	w := New()

	attempts := 0
	_ = w.Wait(context.Background(), func(context.Context) (bool, error) {
		return false, nil
	}, Options{
		Timeout:      5 * time.Millisecond,
		PollInterval: time.Millisecond,
		OnAttempt:    func(error, time.Duration) { attempts++ },
	})

	if attempts == 0 {
		t.Fatal("expected attempt callback to fire")
	}
}

func TestWaitHonoursContextCancellation(t *testing.T) {
	w := New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.Wait(ctx, func(context.Context) (bool, error) {
		return true, nil
	}, Options{Timeout: time.Minute, PollInterval: time.Millisecond})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestWaitNilCondition(t *testing.T) {
	w := New()
	if err := w.Wait(context.Background(), nil, Options{}); err == nil {
		t.Fatal("expected an error for a nil condition")
	}
}
