package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the admission pipeline. All
// methods are nil-safe so tests can run an engine without registering
// collectors.
type Metrics struct {
	ActionsTotal       *prometheus.CounterVec
	ConfirmationsTotal *prometheus.CounterVec
	ThrottledTotal     *prometheus.CounterVec
	PipelineDuration   prometheus.Histogram
}

// NewMetrics creates and registers the pipeline metrics on the default
// registry.
func NewMetrics() *Metrics {
	return &Metrics{
		ActionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "action_requests_total",
				Help: "Action requests processed, by action type and resulting status",
			},
			[]string{"action_type", "status"},
		),
		ConfirmationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "action_confirmations_total",
				Help: "Confirmation decisions, by outcome",
			},
			[]string{"outcome"}, // confirmed, rejected, expired, invalid_token, escalated
		),
		ThrottledTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "action_throttled_total",
				Help: "Requests rejected by the rate limiter, by gate",
			},
			[]string{"gate"}, // cooldown, daily_cap, store_error
		),
		PipelineDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "action_pipeline_duration_seconds",
				Help:    "Duration of the admission pipeline per request",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
		),
	}
}

// RecordAction records a processed request's terminal pipeline status.
func (m *Metrics) RecordAction(actionType, status string) {
	if m == nil {
		return
	}
	if actionType == "" {
		actionType = "unknown"
	}
	m.ActionsTotal.WithLabelValues(actionType, status).Inc()
}

// RecordConfirmation records a confirmation outcome.
func (m *Metrics) RecordConfirmation(outcome string) {
	if m == nil {
		return
	}
	m.ConfirmationsTotal.WithLabelValues(outcome).Inc()
}

// RecordThrottle records a rate-limiter rejection.
func (m *Metrics) RecordThrottle(gate string) {
	if m == nil {
		return
	}
	m.ThrottledTotal.WithLabelValues(gate).Inc()
}

// ObservePipeline records the wall time of one pipeline run.
func (m *Metrics) ObservePipeline(d time.Duration) {
	if m == nil {
		return
	}
	m.PipelineDuration.Observe(d.Seconds())
}
