// Package waiter provides the bounded polling primitive used to gate every
// wait in a maintenance run. Callers describe a condition, how often to poll
// it, which failure kinds mean "not ready yet", and how long to keep trying.
package waiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

// ErrNotReady marks a poll that completed without error but did not observe
// the awaited state yet.
var ErrNotReady = errors.New("condition not met yet")

// Condition reports whether the awaited state has been observed. Errors are
// classified against Options.Ignorable: matching failures are treated like a
// false result, anything else aborts the wait immediately.
type Condition func(ctx context.Context) (bool, error)

// Options bound a single wait.
type Options struct {
	// Timeout is the total time budget. Once exceeded, Wait returns a
	// *TimeoutError instead of the condition's own failure.
	Timeout time.Duration
	// PollInterval is the pause between condition evaluations.
	PollInterval time.Duration
	// Ignorable lists failure kinds (matched with errors.Is) that mean the
	// condition is not ready rather than broken.
	Ignorable []error
	// Description names the wait in errors and attempt callbacks.
	Description string
	// OnAttempt, when set, is invoked after every unsuccessful evaluation
	// with the classified failure and the elapsed time.
	OnAttempt func(err error, elapsed time.Duration)
}

// TimeoutError reports that a wait exhausted its time budget. It deliberately
// does not unwrap to the last condition failure so that callers can always
// tell "gave up waiting" apart from "the check itself is broken".
type TimeoutError struct {
	Description string
	Timeout     time.Duration
	Elapsed     time.Duration
	LastFailure error
}

func (e *TimeoutError) Error() string {
	name := e.Description
	if name == "" {
		name = "condition"
	}
	if e.LastFailure != nil && !errors.Is(e.LastFailure, ErrNotReady) {
		return fmt.Sprintf("timed out after %s waiting for %s (last failure: %v)", e.Elapsed.Round(time.Millisecond), name, e.LastFailure)
	}
	return fmt.Sprintf("timed out after %s waiting for %s", e.Elapsed.Round(time.Millisecond), name)
}

// Is lets errors.Is match any *TimeoutError regardless of its fields.
func (e *TimeoutError) Is(target error) bool {
	var other *TimeoutError
	return errors.As(target, &other)
}

const (
	defaultTimeout      = 30 * time.Second
	defaultPollInterval = 10 * time.Second
)

// Waiter evaluates conditions on a configurable clock.
type Waiter struct {
	clock clock.Clock
}

// Option customises a Waiter.
type Option func(*Waiter)

// WithClock injects a custom time source, enabling deterministic tests.
func WithClock(c clock.Clock) Option {
	return func(w *Waiter) {
		if c != nil {
			w.clock = c
		}
	}
}

// New constructs a Waiter.
func New(opts ...Option) *Waiter {
	w := &Waiter{clock: clock.New()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Wait polls cond until it succeeds, fails hard, or the timeout elapses.
// A condition that succeeds on the first evaluation returns without sleeping.
func (w *Waiter) Wait(ctx context.Context, cond Condition, opts Options) error {
	if cond == nil {
		return errors.New("wait condition must not be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	start := w.clock.Now()
	var lastFailure error

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if lastFailure != nil && w.clock.Since(start) >= timeout {
			return backoff.Permanent(w.timeoutError(opts, start, timeout, lastFailure))
		}

		ok, err := cond(ctx)
		if err == nil {
			if ok {
				return nil
			}
			err = ErrNotReady
		} else if !ignorable(err, opts.Ignorable) {
			return backoff.Permanent(err)
		}

		lastFailure = err
		if opts.OnAttempt != nil {
			opts.OnAttempt(err, w.clock.Since(start))
		}
		if w.clock.Since(start) >= timeout {
			return backoff.Permanent(w.timeoutError(opts, start, timeout, lastFailure))
		}
		return err
	}

	return backoff.RetryNotifyWithTimer(operation, backoff.NewConstantBackOff(interval), nil, newClockTimer(w.clock))
}

func (w *Waiter) timeoutError(opts Options, start time.Time, timeout time.Duration, last error) error {
	return &TimeoutError{
		Description: opts.Description,
		Timeout:     timeout,
		Elapsed:     w.clock.Since(start),
		LastFailure: last,
	}
}

func ignorable(err error, kinds []error) bool {
	for _, kind := range kinds {
		if kind != nil && errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// clockTimer adapts the injected clock to the backoff timer contract so that
// retry pauses honour mocked time in tests.
type clockTimer struct {
	clock clock.Clock
	timer *clock.Timer
}

func newClockTimer(c clock.Clock) *clockTimer {
	return &clockTimer{clock: c}
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.Timer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) C() <-chan time.Time {
	if t.timer == nil {
		return nil
	}
	return t.timer.C
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
