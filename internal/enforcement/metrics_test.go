package enforcement

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/northstar-lms/custodian/internal/retention"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if got := len(m.Collectors()); got != 7 {
		t.Errorf("expected 7 collectors, got %d", got)
	}
}

func TestMetrics_Register(t *testing.T) {
	t.Run("successful registration", func(t *testing.T) {
		m := NewMetrics()
		reg := prometheus.NewRegistry()
		if err := m.Register(reg); err != nil {
			t.Fatalf("Register() returned error: %v", err)
		}

		// Vectors only show up in Gather once they have a child.
		m.IncCycles("success")
		m.IncPurged(retention.EntityStudent)
		m.IncSkipped(SkipHeld)
		m.IncFailures(StageDelete)

		families, err := reg.Gather()
		if err != nil {
			t.Fatalf("Gather() returned error: %v", err)
		}
		expected := map[string]bool{
			MetricCyclesTotal:        false,
			MetricCycleDuration:      false,
			MetricLastCycleTimestamp: false,
			MetricPurgedTotal:        false,
			MetricSkippedTotal:       false,
			MetricFailuresTotal:      false,
			MetricHoldsExpiredTotal:  false,
		}
		for _, family := range families {
			if _, ok := expected[family.GetName()]; ok {
				expected[family.GetName()] = true
			}
		}
		for name, found := range expected {
			if !found {
				t.Errorf("metric %s not found in gathered metrics", name)
			}
		}
	})

	t.Run("duplicate registration fails", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		if err := NewMetrics().Register(reg); err != nil {
			t.Fatalf("first Register() returned error: %v", err)
		}
		if err := NewMetrics().Register(reg); err == nil {
			t.Error("second Register() should fail")
		}
	})
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestScheduler_RecordsMetrics(t *testing.T) {
	metrics := NewMetrics()
	h := newHarness(t, Config{Metrics: metrics},
		student("stu-old", eightYearsAgo),
		student("stu-held", eightYearsAgo),
	)
	h.placeHold(t, "stu-held", nil)

	h.scheduler.RunNow(context.Background())

	if got := counterValue(t, metrics.cyclesTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("cycles{success} = %v, want 1", got)
	}
	if got := counterValue(t, metrics.purgedTotal.WithLabelValues(retention.EntityStudent)); got != 1 {
		t.Errorf("purged{Student} = %v, want 1", got)
	}
	if got := counterValue(t, metrics.skippedTotal.WithLabelValues(string(SkipHeld))); got != 1 {
		t.Errorf("skipped{held} = %v, want 1", got)
	}

	var gauge dto.Metric
	if err := metrics.lastCycleTimestamp.Write(&gauge); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if gauge.GetGauge().GetValue() == 0 {
		t.Error("last cycle timestamp should be set")
	}
}
