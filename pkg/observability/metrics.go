package observability

// MetricType distinguishes how a measurement should be aggregated.
type MetricType string

const (
	// MetricCounter accumulates monotonically increasing values.
	MetricCounter MetricType = "counter"
	// MetricHistogram records observations into distribution buckets.
	MetricHistogram MetricType = "histogram"
)

// Metric is a single measurement emitted by the maintenance components.
type Metric struct {
	Name        string
	Type        MetricType
	Value       float64
	Labels      map[string]string
	Description string
	Unit        string
}

// MetricsCollector receives metrics for aggregation and exposure.
type MetricsCollector interface {
	Collect(Metric)
}

// NoopMetrics discards all measurements.
type NoopMetrics struct{}

// Collect implements MetricsCollector.
func (NoopMetrics) Collect(Metric) {}

var _ MetricsCollector = NoopMetrics{}
