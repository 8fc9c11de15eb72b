package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	// Capture metrics
	CapturesTotal   *prometheus.CounterVec
	CaptureDuration *prometheus.HistogramVec

	// Reconciliation metrics
	VerificationOutcomes  *prometheus.CounterVec
	ReconciliationsTotal  *prometheus.CounterVec
	CorrectionsTotal      *prometheus.CounterVec
	PendingSyncOperations *prometheus.CounterVec

	// Poller metrics
	PollTicks     *prometheus.CounterVec
	ActivePollers prometheus.Gauge

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState    *prometheus.GaugeVec
	CircuitBreakerRequests *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		CapturesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "captures_total",
				Help:      "Total number of capture attempts by result",
			},
			[]string{"result"},
		),
		CaptureDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "capture_duration_seconds",
				Help:      "Capture call duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"result"},
		),
		VerificationOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verification_outcomes_total",
				Help:      "Sync verification outcomes by outcome and reason",
			},
			[]string{"outcome", "reason"},
		),
		ReconciliationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliations_total",
				Help:      "Reconciliation results by path (verify, poller, drain, fix) and result",
			},
			[]string{"path", "result"},
		),
		CorrectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "corrections_total",
				Help:      "Manual correction attempts by trigger and result",
			},
			[]string{"trigger", "result"},
		),
		PendingSyncOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pending_sync_operations_total",
				Help:      "Pending-sync queue operations by operation and result",
			},
			[]string{"operation", "result"},
		),
		PollTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_ticks_total",
				Help:      "Status poller ticks by result",
			},
			[]string{"result"},
		),
		ActivePollers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_pollers",
				Help:      "Number of currently running status pollers",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		CircuitBreakerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_requests_total",
				Help:      "Total number of circuit breaker requests",
			},
			[]string{"name", "result"},
		),
	}

	reg.MustRegister(
		m.CapturesTotal,
		m.CaptureDuration,
		m.VerificationOutcomes,
		m.ReconciliationsTotal,
		m.CorrectionsTotal,
		m.PendingSyncOperations,
		m.PollTicks,
		m.ActivePollers,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CircuitBreakerState,
		m.CircuitBreakerRequests,
	)

	return m
}
