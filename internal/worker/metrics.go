package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasense_jobs_processed_total",
		Help: "Processing jobs handled, by capability and outcome.",
	}, []string{"capability", "outcome"})

	budgetRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasense_budget_rejections_total",
		Help: "Jobs vetoed by the budget gate, by capability.",
	}, []string{"capability"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediasense_job_duration_seconds",
		Help:    "Wall time spent executing one job attempt.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"capability"})

	staleRequeues = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediasense_stale_claims_requeued_total",
		Help: "Jobs returned to the queue after their claim went stale.",
	})
)

const (
	outcomeCompleted = "completed"
	outcomeRetrying  = "retrying"
	outcomeFailed    = "failed"
	outcomeBudget    = "budget"
)
