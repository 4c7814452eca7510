package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obligations_executions_total",
		Help: "Execution attempts by obligation kind and outcome.",
	}, []string{"kind", "status"})

	lockSkipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obligations_lock_skips_total",
		Help: "Due obligations skipped because their lock was held.",
	})

	drawnAmountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obligations_drawn_amount_total",
		Help: "Money moved by the engine, in major currency units.",
	}, []string{"kind"})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "obligations_sweep_duration_seconds",
		Help:    "Wall time of one sweep.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)
