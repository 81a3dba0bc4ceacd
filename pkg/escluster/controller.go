package escluster

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/gehel/estools/pkg/config"
	"github.com/gehel/estools/pkg/observability"
	"github.com/gehel/estools/pkg/remote"
	"github.com/gehel/estools/pkg/waiter"
)

// AllocationMode is the shard-allocation-enable routing value.
type AllocationMode string

const (
	// AllocationPrimaries pauses replica placement, leaving only primaries
	// movable.
	AllocationPrimaries AllocationMode = "primaries"
	// AllocationAll resumes full shard placement.
	AllocationAll AllocationMode = "all"
)

// WriteQueueExceededError reports that the write-mirroring queue backlog
// crossed the operator-supplied threshold. It is always a soft condition:
// callers switch recovery paths instead of blocking further.
type WriteQueueExceededError struct {
	Status    QueueStatus
	Threshold int
}

func (e *WriteQueueExceededError) Error() string {
	return fmt.Sprintf("write queue has %d delayed jobs, above the threshold of %d", e.Status.Delayed, e.Threshold)
}

func (e *WriteQueueExceededError) Is(target error) bool {
	var other *WriteQueueExceededError
	return errors.As(target, &other)
}

// Controller wraps the cluster control plane for one resolved target,
// bracketing mutations with the waits and dry-run handling the orchestrator
// relies on. At most one mutating call is ever in flight: the sequential
// state machine above it guarantees that.
type Controller struct {
	target            config.ClusterTarget
	client            *Client
	exec              remote.Executor
	writeControl      config.WriteControlConfig
	wait              *waiter.Waiter
	logger            *observability.Scoped
	rnd               *rand.Rand
	healthCallTimeout time.Duration
	pollInterval      time.Duration
	dryRun            bool
}

// ControllerOption customises a Controller.
type ControllerOption func(*Controller)

// WithLogger attaches a structured event logger. Events are stamped with the
// controller's cluster identity.
func WithLogger(logger observability.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = c.scoped(logger)
		}
	}
}

// WithDryRun enables simulated mode: mutating control-plane calls are built
// and validated through the normal code path but never issued.
func WithDryRun(enabled bool) ControllerOption {
	return func(c *Controller) {
		c.dryRun = enabled
	}
}

// WithRandSource injects a deterministic random source (useful for tests).
func WithRandSource(src rand.Source) ControllerOption {
	return func(c *Controller) {
		c.rnd = rand.New(src)
	}
}

// WithHealthCallTimeout sets the short per-call health check timeout.
func WithHealthCallTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.healthCallTimeout = d
		}
	}
}

// WithPollInterval sets the pause between wait polls.
func WithPollInterval(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// NewController wires a Controller for the given target.
func NewController(target config.ClusterTarget, client *Client, exec remote.Executor, writeControl config.WriteControlConfig, wait *waiter.Waiter, opts ...ControllerOption) (*Controller, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if exec == nil {
		return nil, errors.New("executor must not be nil")
	}
	if wait == nil {
		wait = waiter.New()
	}
	c := &Controller{
		target:            target,
		client:            client,
		exec:              exec,
		writeControl:      writeControl,
		wait:              wait,
		rnd:               rand.New(rand.NewSource(time.Now().UnixNano())),
		healthCallTimeout: time.Second,
		pollInterval:      10 * time.Second,
	}
	c.logger = c.scoped(nil)
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Target returns the immutable cluster identity this controller drives.
func (c *Controller) Target() config.ClusterTarget {
	return c.target
}

// NextBatch fetches a fresh node inventory and selects the next batch of
// not-done nodes. A nil batch ends the run.
func (c *Controller) NextBatch(ctx context.Context, cutoff time.Time, n int) (*Batch, error) {
	inventory, err := c.client.NodesInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch node inventory: %w", err)
	}
	return SelectNextBatch(inventory, cutoff, n)
}

// FQDNs expands batch node names with the target's host-naming suffix.
func (c *Controller) FQDNs(batch *Batch) []string {
	hosts := make([]string, 0, len(batch.Nodes))
	for _, node := range batch.Nodes {
		hosts = append(hosts, node.Name+"."+c.target.NodeSuffix)
	}
	return hosts
}

// SetAllocation mutates the cluster's shard-allocation-enable setting. In
// simulated mode the request is built and validated through the same path
// but the terminal call is skipped and success reported.
func (c *Controller) SetAllocation(ctx context.Context, mode AllocationMode, waitForCompletion bool, timeout time.Duration) error {
	switch mode {
	case AllocationPrimaries, AllocationAll:
	default:
		return fmt.Errorf("unsupported allocation mode %q", mode)
	}

	if c.dryRun {
		c.log(ctx, observability.LevelInfo, "set_allocation_skipped", map[string]interface{}{"mode": string(mode)})
		return nil
	}
	if err := c.client.SetAllocation(ctx, string(mode)); err != nil {
		return fmt.Errorf("set allocation to %s: %w", mode, err)
	}
	if waitForCompletion {
		if err := c.WaitForNoRelocations(ctx, timeout); err != nil {
			return err
		}
	}
	return nil
}

// WaitForHealth polls cluster health until the target status is observed.
// When maxDelayedWrites is positive each poll also samples the write queue
// and raises *WriteQueueExceededError once the delayed count crosses it,
// letting the caller switch recovery paths instead of blocking.
func (c *Controller) WaitForHealth(ctx context.Context, target HealthStatus, timeout time.Duration, maxDelayedWrites int) error {
	return c.wait.Wait(ctx, func(ctx context.Context) (bool, error) {
		if maxDelayedWrites > 0 {
			status, err := c.WriteQueueStatus(ctx)
			if err != nil {
				// Queue sampling is advisory while waiting on health.
				c.log(ctx, observability.LevelWarn, "write_queue_sample_failed", map[string]interface{}{"error": err.Error()})
			} else if status.Reported && status.Delayed > maxDelayedWrites {
				return false, &WriteQueueExceededError{Status: status, Threshold: maxDelayedWrites}
			}
		}

		report, err := c.client.Health(ctx, target, c.healthCallTimeout)
		if err != nil {
			return false, err
		}
		return report.Status == target, nil
	}, waiter.Options{
		Timeout:      timeout,
		PollInterval: c.pollInterval,
		Ignorable:    []error{&TransportError{}},
		Description:  fmt.Sprintf("%s cluster health", target),
	})
}

// WaitForNoRelocations polls the active-relocation count until it drops to
// zero.
func (c *Controller) WaitForNoRelocations(ctx context.Context, timeout time.Duration) error {
	return c.wait.Wait(ctx, func(ctx context.Context) (bool, error) {
		count, err := c.client.ActiveRecoveries(ctx)
		if err != nil {
			return false, err
		}
		return count == 0, nil
	}, waiter.Options{
		Timeout:      timeout,
		PollInterval: c.pollInterval,
		Ignorable:    []error{&TransportError{}},
		Description:  "no active relocations",
	})
}

// FlushMarkers issues a forced flush followed by a synced flush. A conflict
// with in-flight indexing is logged and swallowed: the flush is advisory and
// eventually consistent, never a correctness gate.
func (c *Controller) FlushMarkers(ctx context.Context) error {
	if c.dryRun {
		c.log(ctx, observability.LevelInfo, "flush_skipped", nil)
		return nil
	}
	if err := c.client.Flush(ctx); err != nil {
		if !errors.Is(err, ErrConflict) {
			return err
		}
		c.log(ctx, observability.LevelWarn, "flush_conflict", map[string]interface{}{"error": err.Error()})
	}
	if err := c.client.SyncedFlush(ctx); err != nil {
		if !errors.Is(err, ErrConflict) {
			return err
		}
		c.log(ctx, observability.LevelWarn, "synced_flush_conflict", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// FreezeWrites pauses cluster-wide write admission through the maintenance
// host. Callers must pair it with ThawWrites on every exit path.
func (c *Controller) FreezeWrites(ctx context.Context) error {
	return c.runWriteControl(ctx, "freeze writes", c.writeControl.FreezeCommand)
}

// ThawWrites resumes cluster-wide write admission.
func (c *Controller) ThawWrites(ctx context.Context) error {
	return c.runWriteControl(ctx, "thaw writes", c.writeControl.ThawCommand)
}

func (c *Controller) runWriteControl(ctx context.Context, op string, command []string) error {
	if len(command) == 0 {
		return fmt.Errorf("%s: write control is not configured for cluster %s", op, c.target.Name)
	}
	args := append(append([]string(nil), command...), c.target.Name)
	if _, err := c.exec.Run(ctx, []string{c.writeControl.Host}, remote.Command{Args: args}); err != nil {
		return fmt.Errorf("%s for cluster %s: %w", op, c.target.Name, err)
	}
	return nil
}

// WriteQueueStatus samples the write-mirroring job queue by parsing the job
// report produced on the maintenance host. A report without a matching line
// yields the empty sentinel.
func (c *Controller) WriteQueueStatus(ctx context.Context) (QueueStatus, error) {
	if len(c.writeControl.JobQueueCommand) == 0 {
		return QueueStatus{}, nil
	}
	results, err := c.exec.Run(ctx, []string{c.writeControl.Host}, remote.Command{Args: c.writeControl.JobQueueCommand, SafeInDryRun: true})
	if err != nil {
		return QueueStatus{}, fmt.Errorf("fetch job report: %w", err)
	}
	var report strings.Builder
	for _, res := range results {
		report.WriteString(res.Output)
		report.WriteString("\n")
	}
	return ParseQueueStatus(report.String(), c.writeControl.QueueName)
}

func (c *Controller) scoped(base observability.Logger) *observability.Scoped {
	return observability.NewScoped(base, c.target.Name+"-"+c.target.Site, "escluster")
}

func (c *Controller) log(ctx context.Context, level observability.Level, event string, fields map[string]interface{}) {
	c.logger.Emit(ctx, level, event, fields)
}
