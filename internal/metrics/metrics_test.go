package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func findMetric(t *testing.T, families []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}

func TestMetricsCounters(t *testing.T) {
	m := New()

	m.ObserveCheckout("stripe", "confirmed", 120*time.Millisecond)
	m.ObserveCheckout("stripe", "confirmed", 80*time.Millisecond)
	m.IncCheckoutRejected("CONSENT_REQUIRED")
	m.IncCompensationRun(false)
	m.IncCompensationAction("payment_refund", "failed")
	m.IncCompensationTerminal("payment_refund")
	m.IncRetrySweep(nil)
	m.IncRetrySweep(errors.New("boom"))
	m.AddRetryActions(2, 1)

	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	total := findMetric(t, families, "checkout_total")
	if total == nil || len(total.GetMetric()) != 1 {
		t.Fatalf("expected checkout_total metric")
	}
	if got := total.GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected checkout_total=2, got %v", got)
	}

	latency := findMetric(t, families, "checkout_latency_seconds")
	if latency == nil || latency.GetMetric()[0].GetHistogram().GetSampleCount() != 2 {
		t.Fatalf("expected 2 latency samples")
	}

	terminal := findMetric(t, families, "compensation_terminal_total")
	if terminal == nil || terminal.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Fatalf("expected compensation_terminal_total=1")
	}

	sweeps := findMetric(t, families, "compensation_retry_sweeps_total")
	if sweeps == nil || len(sweeps.GetMetric()) != 2 {
		t.Fatalf("expected ok and error sweep series")
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCheckout("stripe", "failed", time.Second)
	m.IncCompensationTerminal("order_cancel")
	m.IncEventPublishError("order.cancelled")
}

func TestMetricsHandler(t *testing.T) {
	m := New()
	m.IncCompensationRun(true)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "compensation_runs_total") {
		t.Fatalf("expected metrics output to include compensation_runs_total")
	}
}
