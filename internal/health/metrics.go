package health

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gateway metrics
	gatewayCallsTotal   *prometheus.CounterVec
	gatewayCallDuration *prometheus.HistogramVec

	// Rate limiter metrics
	rateLimitDecisions *prometheus.CounterVec
	rateLimitAlerts    *prometheus.CounterVec

	// Circuit breaker metrics
	circuitTransitions *prometheus.CounterVec

	// Audit metrics
	auditFallbackDepth prometheus.Gauge
	auditDroppedTotal  prometheus.Counter

	// Rotation metrics
	rotationRunsTotal *prometheus.CounterVec

	// Registration guard
	metricsOnce       sync.Once
	metricsRegistered bool
)

// Metrics records operational metrics. Recording is a no-op until
// InitMetrics has run, so tests and metric-less deployments pay nothing.
type Metrics struct{}

// NewMetrics returns a metrics recorder. Registration is lazy.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// InitMetrics registers all Prometheus metrics. Call once at startup
// when metrics are enabled.
func InitMetrics() {
	metricsOnce.Do(func() {
		gatewayCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_gateway_calls_total",
				Help: "Total gateway calls by provider and outcome",
			},
			[]string{"provider", "outcome"},
		)

		gatewayCallDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_gateway_call_duration_seconds",
				Help:    "Duration of external provider calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"provider"},
		)

		rateLimitDecisions = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_rate_limit_decisions_total",
				Help: "Rate limiter acquire decisions by provider and result",
			},
			[]string{"provider", "result"},
		)

		rateLimitAlerts = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_rate_limit_alerts_total",
				Help: "Threshold alerts emitted by provider and level",
			},
			[]string{"provider", "level"},
		)

		circuitTransitions = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_circuit_transitions_total",
				Help: "Circuit breaker phase transitions by provider and target phase",
			},
			[]string{"provider", "to"},
		)

		auditFallbackDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatekeeper_audit_fallback_depth",
				Help: "Entries waiting in the audit fallback queue",
			},
		)

		auditDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gatekeeper_audit_dropped_total",
				Help: "Audit entries dropped after the fallback queue filled",
			},
		)

		rotationRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_rotation_runs_total",
				Help: "Rotation scheduler runs by kind and status",
			},
			[]string{"kind", "status"},
		)

		metricsRegistered = true
	})
}

// RecordGatewayCall records one gateway call and its external latency.
func (m *Metrics) RecordGatewayCall(provider, outcome string, durationSeconds float64) {
	if !metricsRegistered {
		return
	}
	if gatewayCallsTotal != nil {
		gatewayCallsTotal.WithLabelValues(provider, outcome).Inc()
	}
	if gatewayCallDuration != nil && durationSeconds >= 0 {
		gatewayCallDuration.WithLabelValues(provider).Observe(durationSeconds)
	}
}

// RecordRateLimitDecision records an allowed or denied acquire.
func (m *Metrics) RecordRateLimitDecision(provider string, allowed bool) {
	if !metricsRegistered || rateLimitDecisions == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	rateLimitDecisions.WithLabelValues(provider, result).Inc()
}

// RecordRateLimitAlert records a threshold alert emission.
func (m *Metrics) RecordRateLimitAlert(provider, level string) {
	if !metricsRegistered || rateLimitAlerts == nil {
		return
	}
	rateLimitAlerts.WithLabelValues(provider, level).Inc()
}

// RecordCircuitTransition records a breaker phase change.
func (m *Metrics) RecordCircuitTransition(provider, to string) {
	if !metricsRegistered || circuitTransitions == nil {
		return
	}
	circuitTransitions.WithLabelValues(provider, to).Inc()
}

// SetAuditFallbackDepth reports the fallback queue depth.
func (m *Metrics) SetAuditFallbackDepth(depth int) {
	if !metricsRegistered || auditFallbackDepth == nil {
		return
	}
	auditFallbackDepth.Set(float64(depth))
}

// RecordAuditDropped counts an audit entry lost to a full fallback queue.
func (m *Metrics) RecordAuditDropped() {
	if !metricsRegistered || auditDroppedTotal == nil {
		return
	}
	auditDroppedTotal.Inc()
}

// RecordRotationRun records a scheduler run outcome.
func (m *Metrics) RecordRotationRun(kind, status string) {
	if !metricsRegistered || rotationRunsTotal == nil {
		return
	}
	rotationRunsTotal.WithLabelValues(kind, status).Inc()
}
