package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mihaimyh/storytime/pkg/engine"
)

var _ engine.Metrics = (*Metrics)(nil)

func findFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func labelsOf(m *dto.Metric) map[string]string {
	out := map[string]string{}
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func TestMetrics_RecordProgression(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordProgression("newborn", "infant")
	metrics.RecordProgression("newborn", "infant")
	metrics.RecordProgression("infant", "toddler")

	family := findFamily(t, reg, "test_stage_progressions_total")
	if len(family.GetMetric()) != 2 {
		t.Fatalf("Expected 2 time series, got %d", len(family.GetMetric()))
	}
	for _, m := range family.GetMetric() {
		labels := labelsOf(m)
		if labels["from"] == "newborn" && m.GetCounter().GetValue() != 2 {
			t.Errorf("newborn->infant = %v, want 2", m.GetCounter().GetValue())
		}
	}
}

func TestMetrics_RecordInterestMigration(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordInterestMigration("infant", 3, 2)

	added := findFamily(t, reg, "test_interests_added_total")
	if got := added.GetMetric()[0].GetCounter().GetValue(); got != 3 {
		t.Errorf("added = %v, want 3", got)
	}
	removed := findFamily(t, reg, "test_interests_removed_total")
	if got := removed.GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Errorf("removed = %v, want 2", got)
	}
}

func TestMetrics_RecordGeneration(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordGeneration("free", "gpt-4o-mini", true)
	metrics.RecordGeneration("free", "gpt-4o-mini", false)
	metrics.RecordGeneration("premium", "gpt-4o", true)

	family := findFamily(t, reg, "test_generations_total")
	if len(family.GetMetric()) != 3 {
		t.Errorf("Expected 3 time series, got %d", len(family.GetMetric()))
	}
}

func TestMetrics_RecordQuotaReset(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordQuotaReset("free")

	family := findFamily(t, reg, "test_quota_resets_total")
	m := family.GetMetric()[0]
	if labelsOf(m)["tier"] != "free" || m.GetCounter().GetValue() != 1 {
		t.Errorf("unexpected reset series %v", m)
	}
}

func TestMetrics_RecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStorageOperation("load_profile", 5*time.Millisecond, nil)
	metrics.RecordStorageOperation("save_quota", 10*time.Millisecond, errors.New("boom"))

	durations := findFamily(t, reg, "test_storage_operation_duration_seconds")
	if len(durations.GetMetric()) != 2 {
		t.Errorf("Expected 2 duration series, got %d", len(durations.GetMetric()))
	}

	errs := findFamily(t, reg, "test_storage_operation_errors_total")
	if len(errs.GetMetric()) != 1 {
		t.Fatalf("Expected 1 error series, got %d", len(errs.GetMetric()))
	}
	if op := labelsOf(errs.GetMetric()[0])["operation"]; op != "save_quota" {
		t.Errorf("error operation = %q, want save_quota", op)
	}
}

func TestMetrics_RecordCircuitBreakerStateChange(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordCircuitBreakerStateChange(string(engine.StateOpen))
	metrics.RecordCircuitBreakerStateChange(string(engine.StateClosed))

	family := findFamily(t, reg, "test_circuit_breaker_state_changes_total")
	if len(family.GetMetric()) != 2 {
		t.Errorf("Expected 2 time series, got %d", len(family.GetMetric()))
	}
}
