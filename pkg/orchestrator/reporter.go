package orchestrator

import (
	"context"
	"time"

	"github.com/gehel/estools/pkg/observability"
)

// Reporter receives run progress notifications. Implementations must be fast
// and must never fail the run.
type Reporter interface {
	RunStarted(ctx context.Context, task Task)
	BatchStarted(ctx context.Context, row string, hosts []string)
	BatchFinished(ctx context.Context, row string, hosts []string, elapsed time.Duration, err error)
	RunFinished(ctx context.Context, batches int, err error)
}

// NoopReporter discards all notifications.
type NoopReporter struct{}

func (NoopReporter) RunStarted(context.Context, Task)                                      {}
func (NoopReporter) BatchStarted(context.Context, string, []string)                        {}
func (NoopReporter) BatchFinished(context.Context, string, []string, time.Duration, error) {}
func (NoopReporter) RunFinished(context.Context, int, error)                               {}

var _ Reporter = NoopReporter{}

// StructuredReporter emits progress as structured log events and metrics.
type StructuredReporter struct {
	cluster string
	logger  *observability.Scoped
	metrics observability.MetricsCollector
}

// NewStructuredReporter builds a reporter for one cluster run.
func NewStructuredReporter(cluster string, logger observability.Logger, metrics observability.MetricsCollector) *StructuredReporter {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &StructuredReporter{
		cluster: cluster,
		logger:  observability.NewScoped(logger, cluster, "orchestrator"),
		metrics: metrics,
	}
}

func (r *StructuredReporter) RunStarted(ctx context.Context, task Task) {
	r.log(ctx, observability.LevelInfo, "run_started", map[string]interface{}{
		"task": task.String(),
	})
}

func (r *StructuredReporter) BatchStarted(ctx context.Context, row string, hosts []string) {
	r.log(ctx, observability.LevelInfo, "batch_started", map[string]interface{}{
		"row":   row,
		"hosts": hosts,
	})
}

func (r *StructuredReporter) BatchFinished(ctx context.Context, row string, hosts []string, elapsed time.Duration, err error) {
	result := "success"
	level := observability.LevelInfo
	fields := map[string]interface{}{
		"row":             row,
		"hosts":           hosts,
		"elapsed_seconds": elapsed.Seconds(),
	}
	if err != nil {
		result = "failure"
		level = observability.LevelError
		fields["error"] = err.Error()
	}
	r.log(ctx, level, "batch_finished", fields)

	r.metrics.Collect(observability.Metric{
		Name:        "batches_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"cluster": r.cluster, "result": result},
		Description: "Maintenance batches processed, by outcome.",
	})
	r.metrics.Collect(observability.Metric{
		Name:        "batch_duration_seconds",
		Type:        observability.MetricHistogram,
		Value:       elapsed.Seconds(),
		Labels:      map[string]string{"cluster": r.cluster},
		Description: "Wall-clock time spent per maintenance batch.",
		Unit:        "seconds",
	})
}

func (r *StructuredReporter) RunFinished(ctx context.Context, batches int, err error) {
	fields := map[string]interface{}{"batches": batches}
	level := observability.LevelInfo
	if err != nil {
		level = observability.LevelError
		fields["error"] = err.Error()
	}
	r.log(ctx, level, "run_finished", fields)
}

func (r *StructuredReporter) log(ctx context.Context, level observability.Level, event string, fields map[string]interface{}) {
	r.logger.Emit(ctx, level, event, fields)
}

var _ Reporter = (*StructuredReporter)(nil)
