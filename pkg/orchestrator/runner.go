// Package orchestrator drives the rolling maintenance run: it selects
// batches of nodes, wraps each batch in the protective cluster envelope
// (puppet off, writes frozen, replica allocation paused) and guarantees the
// envelope is unwound on every exit path before the next batch starts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gehel/estools/pkg/escluster"
	"github.com/gehel/estools/pkg/monitoring"
	"github.com/gehel/estools/pkg/nodes"
	"github.com/gehel/estools/pkg/observability"
	"github.com/gehel/estools/pkg/remote"
	"github.com/gehel/estools/pkg/waiter"
	"github.com/gehel/estools/pkg/windows"
)

// Config bounds one maintenance run.
type Config struct {
	Task               Task
	Message            string
	BatchSize          int
	ServiceName        string
	Packages           []string
	PluginPackages     []string
	SettleDelay        time.Duration
	GreenTimeout       time.Duration
	PostThawTimeout    time.Duration
	RelocationTimeout  time.Duration
	PollInterval       time.Duration
	DowntimeDuration   time.Duration
	RebootTimeout      time.Duration
	ServiceWaitTimeout time.Duration
	MaxDelayedWrites   int
	WaitForRelocations bool
	FreezeWrites       bool
	DryRun             bool
}

// WindowClosedError reports that the maintenance schedule does not permit
// starting another batch right now. The run stops cleanly; node doneness is
// derived from process start times, so a later re-run resumes where this one
// left off.
type WindowClosedError struct {
	At      time.Time
	Matched string
}

func (e *WindowClosedError) Error() string {
	if e.Matched != "" {
		return fmt.Sprintf("maintenance window closed at %s (deny window %q)", e.At.Format(time.RFC3339), e.Matched)
	}
	return fmt.Sprintf("maintenance window closed at %s (outside all allow windows)", e.At.Format(time.RFC3339))
}

func (e *WindowClosedError) Is(target error) bool {
	var other *WindowClosedError
	return errors.As(target, &other)
}

// Runner executes the per-batch state machine.
type Runner struct {
	controller *escluster.Controller
	exec       remote.Executor
	downtimer  monitoring.Downtimer
	reporter   Reporter
	logger     observability.Logger
	wait       *waiter.Waiter
	clock      clock.Clock
	schedule   *windows.Schedule
	cfg        Config
}

// RunnerOption customises a Runner.
type RunnerOption func(*Runner)

// WithReporter attaches a progress reporter.
func WithReporter(reporter Reporter) RunnerOption {
	return func(r *Runner) {
		if reporter != nil {
			r.reporter = reporter
		}
	}
}

// WithLogger attaches a structured event logger.
func WithLogger(logger observability.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithDowntimer attaches an alerting downtime scheduler.
func WithDowntimer(downtimer monitoring.Downtimer) RunnerOption {
	return func(r *Runner) {
		if downtimer != nil {
			r.downtimer = downtimer
		}
	}
}

// WithSchedule gates batches on a maintenance window schedule.
func WithSchedule(schedule *windows.Schedule) RunnerOption {
	return func(r *Runner) {
		r.schedule = schedule
	}
}

// WithClock injects a custom time source.
func WithClock(c clock.Clock) RunnerOption {
	return func(r *Runner) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithWaiter injects a shared waiter.
func WithWaiter(w *waiter.Waiter) RunnerOption {
	return func(r *Runner) {
		if w != nil {
			r.wait = w
		}
	}
}

// NewRunner wires a Runner.
func NewRunner(controller *escluster.Controller, exec remote.Executor, cfg Config, opts ...RunnerOption) (*Runner, error) {
	if controller == nil {
		return nil, errors.New("controller must not be nil")
	}
	if exec == nil {
		return nil, errors.New("executor must not be nil")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if _, err := ParseTask(cfg.Task.String()); err != nil {
		return nil, err
	}
	r := &Runner{
		controller: controller,
		exec:       exec,
		downtimer:  monitoring.NoopDowntimer{},
		reporter:   NoopReporter{},
		logger:     observability.LoggerFunc(func(context.Context, observability.Event) error { return nil }),
		wait:       waiter.New(),
		clock:      clock.New(),
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ProcessBatch runs the full state machine for one batch: hard health
// barrier, protective envelope, the task itself, then the post-thaw recovery
// checks. The envelope is unwound on every exit path, and a failure inside it
// is always returned unchanged.
func (r *Runner) ProcessBatch(ctx context.Context, batch *escluster.Batch) error {
	hosts := r.controller.FQDNs(batch)

	set, err := nodes.NewSet(hosts, r.exec, r.wait,
		nodes.WithServiceName(r.cfg.ServiceName),
		nodes.WithRebootTimeout(r.cfg.RebootTimeout),
		nodes.WithServiceWaitTimeout(r.cfg.ServiceWaitTimeout),
		nodes.WithPollInterval(r.cfg.PollInterval),
		nodes.WithClock(r.clock),
		nodes.WithDryRun(r.cfg.DryRun),
	)
	if err != nil {
		return err
	}

	if err := r.maintain(ctx, set); err != nil {
		return err
	}

	// The envelope is fully unwound at this point; give the cluster a
	// bounded chance to recover before the next batch. Timeouts and write
	// backlog overflow are soft here: waiting longer would only let the
	// backlog grow, so the run proceeds and lets the cluster catch up while
	// the next batch is prepared.
	if err := r.postThawBarrier(ctx); err != nil {
		return err
	}

	if r.cfg.WaitForRelocations {
		if err := r.controller.WaitForNoRelocations(ctx, r.cfg.RelocationTimeout); err != nil {
			return fmt.Errorf("wait for relocations after batch: %w", err)
		}
	}
	return nil
}

// maintain holds the protective envelope open around the task. Releases are
// deferred in inverse acquisition order; a release failure never masks the
// original error.
func (r *Runner) maintain(ctx context.Context, set *nodes.Set) (err error) {
	if err := r.controller.WaitForHealth(ctx, escluster.HealthGreen, r.cfg.GreenTimeout, 0); err != nil {
		return fmt.Errorf("cluster not healthy before batch: %w", err)
	}

	if err := set.DisablePuppet(ctx, r.cfg.Message); err != nil {
		return err
	}
	defer r.enablePuppet(ctx, set, &err)

	if err := r.downtimer.ScheduleDowntime(ctx, set.Hosts(), r.cfg.DowntimeDuration, r.cfg.Message); err != nil {
		return fmt.Errorf("schedule downtime: %w", err)
	}

	if r.cfg.FreezeWrites {
		if err := r.controller.FreezeWrites(ctx); err != nil {
			return err
		}
		defer r.thawWrites(ctx, &err)
	}

	if err := r.controller.SetAllocation(ctx, escluster.AllocationPrimaries, false, 0); err != nil {
		return err
	}
	defer r.resumeAllocation(ctx, &err)

	if r.cfg.FreezeWrites {
		// Let in-flight writes drain before flushing, so the durability
		// markers cover them. Replication is already paused, so the markers
		// survive until the nodes come back.
		if !r.cfg.DryRun {
			r.clock.Sleep(r.cfg.SettleDelay)
		}
		if err := r.controller.FlushMarkers(ctx); err != nil {
			return err
		}
	}

	if err := set.Depool(ctx); err != nil {
		return err
	}

	if err := r.apply(ctx, set); err != nil {
		return err
	}

	return set.Pool(ctx)
}

func (r *Runner) enablePuppet(ctx context.Context, set *nodes.Set, errPtr *error) {
	if err := set.EnablePuppet(ctx, r.cfg.Message); err != nil {
		r.releaseFailed(ctx, "enable_puppet", err, errPtr)
	}
}

func (r *Runner) thawWrites(ctx context.Context, errPtr *error) {
	if err := r.controller.ThawWrites(ctx); err != nil {
		r.releaseFailed(ctx, "thaw_writes", err, errPtr)
	}
}

func (r *Runner) resumeAllocation(ctx context.Context, errPtr *error) {
	if err := r.controller.SetAllocation(ctx, escluster.AllocationAll, false, 0); err != nil {
		r.releaseFailed(ctx, "resume_allocation", err, errPtr)
	}
}

// releaseFailed records a failed release. It only becomes the batch error
// when the batch itself succeeded; otherwise the original failure stands and
// the release failure is logged.
func (r *Runner) releaseFailed(ctx context.Context, step string, err error, errPtr *error) {
	if *errPtr == nil {
		*errPtr = err
		return
	}
	_ = r.logger.Log(ctx, observability.Event{
		Level:     observability.LevelError,
		Component: "orchestrator",
		Event:     "release_failed",
		Message:   "cleanup failed after an earlier error",
		Fields:    map[string]interface{}{"step": step, "error": err.Error()},
	})
}

func (r *Runner) postThawBarrier(ctx context.Context) error {
	err := r.controller.WaitForHealth(ctx, escluster.HealthGreen, r.cfg.PostThawTimeout, r.cfg.MaxDelayedWrites)
	if err == nil {
		return nil
	}
	if errors.Is(err, &waiter.TimeoutError{}) || errors.Is(err, &escluster.WriteQueueExceededError{}) {
		_ = r.logger.Log(ctx, observability.Event{
			Level:     observability.LevelWarn,
			Component: "orchestrator",
			Event:     "proceeding_before_green",
			Message:   "cluster still recovering, continuing so the write backlog can drain",
			Fields:    map[string]interface{}{"reason": err.Error()},
		})
		return nil
	}
	return fmt.Errorf("cluster health after batch: %w", err)
}
