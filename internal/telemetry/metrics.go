// Package telemetry provides logging and metrics for the conversation service.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "convmem"

// Metrics holds the Prometheus collectors for the service.
type Metrics struct {
	registry *prometheus.Registry

	turnsTotal          *prometheus.CounterVec
	inferenceDuration   *prometheus.HistogramVec
	tokensTotal         *prometheus.CounterVec
	compactionSubmitted *prometheus.CounterVec
	compactionSteps     *prometheus.CounterVec
	summaryWritesTotal  prometheus.Counter
	historyLength       prometheus.Histogram
}

// NewMetrics creates collectors registered on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Chat operations by outcome.",
		}, []string{"outcome"}),
		inferenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Inference call latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"purpose", "status"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed by inference calls.",
		}, []string{"purpose", "type"}),
		compactionSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compaction_submissions_total",
			Help:      "Compaction job submissions by result.",
		}, []string{"result"}),
		compactionSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compaction_steps_total",
			Help:      "Compaction step executions by step and status.",
		}, []string{"step", "status"}),
		summaryWritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_writes_total",
			Help:      "Summaries written back into conversation state.",
		}),
		historyLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "history_length",
			Help:      "History length after a recorded chat turn.",
			Buckets:   prometheus.LinearBuckets(4, 4, 10),
		}),
	}
	m.registry.MustRegister(
		m.turnsTotal,
		m.inferenceDuration,
		m.tokensTotal,
		m.compactionSubmitted,
		m.compactionSteps,
		m.summaryWritesTotal,
		m.historyLength,
	)
	return m
}

// Handler returns an HTTP handler that serves Prometheus-format metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTurn records the outcome of a chat operation.
func (m *Metrics) RecordTurn(outcome string, historyLen int) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(outcome).Inc()
	if historyLen > 0 {
		m.historyLength.Observe(float64(historyLen))
	}
}

// RecordInference records one inference call.
func (m *Metrics) RecordInference(purpose, status string, d time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.inferenceDuration.WithLabelValues(purpose, status).Observe(d.Seconds())
	m.tokensTotal.WithLabelValues(purpose, "input").Add(float64(inputTokens))
	m.tokensTotal.WithLabelValues(purpose, "output").Add(float64(outputTokens))
}

// RecordSubmission records a compaction submission result.
func (m *Metrics) RecordSubmission(result string) {
	if m == nil {
		return
	}
	m.compactionSubmitted.WithLabelValues(result).Inc()
}

// RecordStep records a compaction step execution.
func (m *Metrics) RecordStep(step, status string) {
	if m == nil {
		return
	}
	m.compactionSteps.WithLabelValues(step, status).Inc()
}

// RecordSummaryWrite records a summary write-back.
func (m *Metrics) RecordSummaryWrite() {
	if m == nil {
		return
	}
	m.summaryWritesTotal.Inc()
}
