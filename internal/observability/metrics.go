package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments a single publish run. Each run owns its registry so tests
// and repeated runs in one process never collide on registration.
type Metrics struct {
	Registry *prometheus.Registry

	// Publish attempts by outcome label (accepted, client_error, server_error, rate_limited, error).
	PublishAttemptsTotal *prometheus.CounterVec

	// Sink latency per attempt.
	PublishDuration *prometheus.HistogramVec

	// Attempts beyond the first.
	PublishRetriesTotal prometheus.Counter

	// Final publish failures by category.
	PublishErrorsTotal *prometheus.CounterVec

	// Last coverage percentage handed to the publisher.
	ReportedPercent prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		PublishAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coverage_publish_attempts_total",
				Help: "Total number of POSTs to the metric sink",
			},
			[]string{"status"},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coverage_publish_duration_seconds",
				Help:    "Metric sink latency in seconds (per attempt)",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"status"},
		),
		PublishRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "coverage_publish_retries_total",
				Help: "Total number of retried POSTs to the metric sink",
			},
		),
		PublishErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coverage_publish_errors_total",
				Help: "Publish failures by category",
			},
			[]string{"category"},
		),
		ReportedPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "coverage_reported_percent",
				Help: "Coverage percentage sent to the metric sink",
			},
		),
	}

	m.Registry.MustRegister(
		m.PublishAttemptsTotal, m.PublishDuration, m.PublishRetriesTotal,
		m.PublishErrorsTotal, m.ReportedPercent,
	)
	return m
}
