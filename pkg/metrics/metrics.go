// Package metrics exposes dispatch engine counters for Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine collectors. A nil *Metrics records nothing.
type Metrics struct {
	Runs            *prometheus.CounterVec
	Attempts        *prometheus.CounterVec
	Recommendations *prometheus.CounterVec
	StoreErrors     prometheus.Counter
	AttemptDuration *prometheus.HistogramVec
	QualityScore    *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg creates
// unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowdispatch_runs_total",
				Help: "Total number of dispatch runs by outcome",
			},
			[]string{"outcome"},
		),
		Attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowdispatch_attempts_total",
				Help: "Total number of dispatch attempts by executor and result",
			},
			[]string{"executor", "result"},
		),
		Recommendations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowdispatch_recommendations_total",
				Help: "Total number of recommendations by method",
			},
			[]string{"method"},
		),
		StoreErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "flowdispatch_history_store_errors_total",
				Help: "Total number of history persistence failures",
			},
		),
		AttemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowdispatch_attempt_duration_seconds",
				Help:    "Executor attempt duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
			},
			[]string{"executor"},
		),
		QualityScore: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowdispatch_quality_score",
				Help:    "Validator score per attempt",
				Buckets: prometheus.LinearBuckets(0, 1, 11),
			},
			[]string{"executor"},
		),
	}
}

// ObserveRun counts a finished run.
func (m *Metrics) ObserveRun(outcome string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(outcome).Inc()
}

// ObserveAttempt records one attempt.
func (m *Metrics) ObserveAttempt(executorID, result string, duration time.Duration, score float64) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(executorID, result).Inc()
	m.AttemptDuration.WithLabelValues(executorID).Observe(duration.Seconds())
	m.QualityScore.WithLabelValues(executorID).Observe(score)
}

// ObserveRecommendation counts a recommendation by method.
func (m *Metrics) ObserveRecommendation(method string) {
	if m == nil {
		return
	}
	m.Recommendations.WithLabelValues(method).Inc()
}

// ObserveStoreError counts a persistence failure.
func (m *Metrics) ObserveStoreError() {
	if m == nil {
		return
	}
	m.StoreErrors.Inc()
}
