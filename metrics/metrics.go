package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GenerationsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_generations_started_total",
		Help: "Generation requests accepted and recorded on the ledger.",
	})

	GenerationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_generations_rejected_total",
		Help: "Generation requests that failed before a pending task existed.",
	}, []string{"reason"})

	ReconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_reconcile_outcomes_total",
		Help: "Reconciliation entries by outcome.",
	}, []string{"outcome"}) // completed | duplicate | incomplete | failed

	UploadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_upload_failures_total",
		Help: "Per-artifact pinning failures by stage.",
	}, []string{"stage"})

	CompletionWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_completion_writes_total",
		Help: "Ledger completion writes by result.",
	}, []string{"result"})

	ConfirmationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_confirmation_seconds",
		Help:    "Time from ledger submission to receipt resolution.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	PendingTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_pending_tasks",
		Help: "Tasks currently awaiting reconciliation.",
	})
)
