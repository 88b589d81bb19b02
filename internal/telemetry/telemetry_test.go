package telemetry

import (
	"testing"
	"time"
)

// TestCollectorDisabled tests that a disabled collector records nothing
func TestCollectorDisabled(t *testing.T) {
	c := NewCollector(false)
	c.Counter("istl_rounds_total", 1, nil)
	if len(c.GetMetrics()) != 0 {
		t.Fatalf("expected no metrics from disabled collector")
	}
}

// TestCollectorTotals tests buffering, totals and flushing
func TestCollectorTotals(t *testing.T) {
	c := NewCollector(true)
	c.Counter("istl_rounds_total", 1, map[string]string{"mode": "sync"})
	c.Counter("istl_rounds_total", 1, map[string]string{"mode": "sync"})
	c.Timer("istl_round_duration", 250*time.Millisecond, nil)
	c.Gauge("istl_lr_multiplier", 1.5, map[string]string{"client": "0"})

	metrics := c.GetMetrics()
	if len(metrics) != 4 {
		t.Fatalf("expected 4 metrics, got %d", len(metrics))
	}
	if metrics[2].Unit != "ms" || metrics[2].Value != 250 {
		t.Fatalf("unexpected timer metric %+v", metrics[2])
	}

	totals := c.Totals()
	if totals["istl_rounds_total"] != 2 {
		t.Errorf("expected counter total 2, got %v", totals["istl_rounds_total"])
	}
	if _, ok := totals["istl_lr_multiplier"]; ok {
		t.Errorf("gauges must not be accumulated")
	}

	if err := c.FlushMetrics(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(c.GetMetrics()) != 0 {
		t.Fatalf("expected empty buffer after flush")
	}
	if c.Totals()["istl_rounds_total"] != 2 {
		t.Fatalf("totals must survive a flush")
	}
}

// TestGlobalCollector tests the package level helpers
func TestGlobalCollector(t *testing.T) {
	InitGlobal(true)
	defer InitGlobal(false)

	CounterGlobal("istl_experiments_total", 1, nil)
	GaugeGlobal("istl_client_loss", 0.25, nil)
	HistogramGlobal("istl_samples", 10, nil)
	TimerGlobal("istl_fit_duration", time.Second, nil)

	if n := len(GetGlobal().GetMetrics()); n != 4 {
		t.Fatalf("expected 4 metrics, got %d", n)
	}
	if err := Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
