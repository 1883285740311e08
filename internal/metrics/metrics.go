package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus metrics for the checkout service. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	checkoutTotal   *prometheus.CounterVec
	checkoutLatency *prometheus.HistogramVec
	checkoutReject  *prometheus.CounterVec

	compensationRuns    *prometheus.CounterVec
	compensationActions *prometheus.CounterVec
	compensationTerm    *prometheus.CounterVec

	retrySweeps  *prometheus.CounterVec
	retryActions *prometheus.CounterVec

	eventPublishErrors *prometheus.CounterVec
}

// New creates a metrics registry and registers checkout metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	checkoutTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_total",
		Help: "Total number of checkout attempts by payment method and outcome.",
	}, []string{"method", "status"})

	checkoutLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "checkout_latency_seconds",
		Help:    "Latency for checkout processing in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	checkoutReject := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_rejected_total",
		Help: "Total number of checkouts rejected before any side effect.",
	}, []string{"reason"})

	compensationRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "compensation_runs_total",
		Help: "Total number of compensation runs by outcome.",
	}, []string{"outcome"})

	compensationActions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "compensation_actions_total",
		Help: "Total number of executed compensation actions.",
	}, []string{"type", "status"})

	compensationTerm := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "compensation_terminal_total",
		Help: "Compensation actions that exhausted their retry budget.",
	}, []string{"type"})

	retrySweeps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "compensation_retry_sweeps_total",
		Help: "Total number of compensation retry sweeps.",
	}, []string{"result"})

	retryActions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "compensation_retry_actions_total",
		Help: "Compensation actions re-driven by the retry sweep.",
	}, []string{"result"})

	eventPublishErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_event_publish_errors_total",
		Help: "Total number of domain event publish failures.",
	}, []string{"type"})

	registry.MustRegister(checkoutTotal, checkoutLatency, checkoutReject, compensationRuns,
		compensationActions, compensationTerm, retrySweeps, retryActions, eventPublishErrors)

	return &Metrics{
		registry:            registry,
		checkoutTotal:       checkoutTotal,
		checkoutLatency:     checkoutLatency,
		checkoutReject:      checkoutReject,
		compensationRuns:    compensationRuns,
		compensationActions: compensationActions,
		compensationTerm:    compensationTerm,
		retrySweeps:         retrySweeps,
		retryActions:        retryActions,
		eventPublishErrors:  eventPublishErrors,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCheckout records a finished checkout.
func (m *Metrics) ObserveCheckout(method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.checkoutTotal.WithLabelValues(method, status).Inc()
	m.checkoutLatency.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) IncCheckoutRejected(reason string) {
	if m == nil {
		return
	}
	m.checkoutReject.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncCompensationRun(success bool) {
	if m == nil {
		return
	}
	m.compensationRuns.WithLabelValues(outcome(success)).Inc()
}

func (m *Metrics) IncCompensationAction(actionType, status string) {
	if m == nil {
		return
	}
	m.compensationActions.WithLabelValues(actionType, status).Inc()
}

func (m *Metrics) IncCompensationTerminal(actionType string) {
	if m == nil {
		return
	}
	m.compensationTerm.WithLabelValues(actionType).Inc()
}

func (m *Metrics) IncRetrySweep(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.retrySweeps.WithLabelValues(result).Inc()
}

func (m *Metrics) AddRetryActions(succeeded, failed int) {
	if m == nil {
		return
	}
	m.retryActions.WithLabelValues("succeeded").Add(float64(succeeded))
	m.retryActions.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) IncEventPublishError(eventType string) {
	if m == nil {
		return
	}
	m.eventPublishErrors.WithLabelValues(eventType).Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
