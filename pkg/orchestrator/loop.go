package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// Run processes batches until every node has restarted since cutoff. The
// cutoff is fixed for the whole run: a node whose process start time is after
// it counts as done, which makes interrupted runs resumable with the same
// cutoff value.
func (r *Runner) Run(ctx context.Context, cutoff time.Time) error {
	r.reporter.RunStarted(ctx, r.cfg.Task)

	batches := 0
	err := r.runBatches(ctx, cutoff, &batches)
	r.reporter.RunFinished(ctx, batches, err)
	return err
}

func (r *Runner) runBatches(ctx context.Context, cutoff time.Time, batches *int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if r.schedule != nil {
			now := r.clock.Now()
			if decision := r.schedule.Permits(now); !decision.Allowed {
				return &WindowClosedError{At: now, Matched: decision.Matched}
			}
		}

		batch, err := r.controller.NextBatch(ctx, cutoff, r.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("select next batch: %w", err)
		}
		if batch == nil {
			return nil
		}

		hosts := r.controller.FQDNs(batch)
		r.reporter.BatchStarted(ctx, batch.Row, hosts)

		started := r.clock.Now()
		err = r.ProcessBatch(ctx, batch)
		r.reporter.BatchFinished(ctx, batch.Row, hosts, r.clock.Since(started), err)
		if err != nil {
			return fmt.Errorf("batch in row %s: %w", batch.Row, err)
		}
		*batches++

		if r.cfg.DryRun {
			// Simulated nodes never restart, so the selector would pick the
			// same batch forever. One rehearsed batch is the useful signal.
			return nil
		}
	}
}
