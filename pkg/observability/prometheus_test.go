package observability

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func gatherMetric(t *testing.T, c *PrometheusCollector, name string) *dto.MetricFamily {
	t.Helper()
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}

func TestPrometheusCollectorCountsWithLabels(t *testing.T) {
	collector := NewPrometheusCollector()

	metric := Metric{
		Name:   "batches_total",
		Type:   MetricCounter,
		Value:  1,
		Labels: map[string]string{"result": "completed"},
	}
	collector.Collect(metric)
	collector.Collect(metric)

	family := gatherMetric(t, collector, "estools_batches_total")
	if family == nil {
		t.Fatal("counter was not registered")
	}
	if got := family.GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected counter value 2, got %v", got)
	}
}

func TestPrometheusCollectorRecordsHistograms(t *testing.T) {
	collector := NewPrometheusCollector()

	collector.Collect(Metric{
		Name:   "step_seconds",
		Type:   MetricHistogram,
		Value:  1.5,
		Labels: map[string]string{"step": "flush"},
		Unit:   "seconds",
	})

	family := gatherMetric(t, collector, "estools_step_seconds")
	if family == nil {
		t.Fatal("histogram was not registered")
	}
	if got := family.GetMetric()[0].GetHistogram().GetSampleCount(); got != 1 {
		t.Fatalf("expected one observation, got %d", got)
	}
}

func TestPrometheusCollectorIgnoresMismatchedLabelSets(t *testing.T) {
	collector := NewPrometheusCollector()

	collector.Collect(Metric{Name: "waits_total", Type: MetricCounter, Value: 1, Labels: map[string]string{"kind": "health"}})
	// Different label names for the same metric must not panic or register twice.
	collector.Collect(Metric{Name: "waits_total", Type: MetricCounter, Value: 1, Labels: map[string]string{"other": "x"}})

	family := gatherMetric(t, collector, "estools_waits_total")
	if family == nil {
		t.Fatal("counter was not registered")
	}
	if len(family.GetMetric()) != 1 {
		t.Fatalf("expected a single label combination, got %d", len(family.GetMetric()))
	}
}

func TestPrometheusCollectorIgnoresUnnamedMetrics(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.Collect(Metric{Type: MetricCounter, Value: 1})

	families, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) != 0 {
		t.Fatalf("expected no registered metrics, got %d", len(families))
	}
}
