// internal/seckill/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 准入和结算两侧的业务指标，通过 /metrics 暴露给 Prometheus 抓取。
var (
	AdmissionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seckill",
		Name:      "admission_total",
		Help:      "Admission requests by outcome (accepted, rate_limited, sold_out, busy, rejected).",
	}, []string{"outcome"})

	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seckill",
		Name:      "reconcile_total",
		Help:      "Reconciled intents by result (finalized, compensated, requeued).",
	}, []string{"result"})

	ReconcileRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "seckill",
		Name:      "reconcile_version_conflicts_total",
		Help:      "Optimistic lock conflicts retried during durable deduction.",
	})

	QueueLagSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "seckill",
		Name:      "intent_queue_lag_seconds",
		Help:      "Time between intent creation and reconciler pickup.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)
