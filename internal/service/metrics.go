package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the service's Prometheus instruments.
type Metrics struct {
	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	stepRetries  prometheus.Counter
	itemsWritten prometheus.Counter
}

// NewMetrics creates and registers the service metrics. A nil registerer
// yields unregistered instruments, which tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memoryd",
			Name:      "runs_total",
			Help:      "Pipeline runs by operation and terminal status.",
		}, []string{"operation", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "memoryd",
			Name:      "run_duration_seconds",
			Help:      "Pipeline run duration by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"operation"}),
		stepRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memoryd",
			Name:      "step_retries_total",
			Help:      "Step attempts beyond the first, across all runs.",
		}),
		itemsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memoryd",
			Name:      "items_written_total",
			Help:      "Memory items written by memorize and evolve runs.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.runsTotal, m.runDuration, m.stepRetries, m.itemsWritten)
	}
	return m
}
