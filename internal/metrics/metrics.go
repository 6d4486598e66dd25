// Package metrics holds the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Event store metrics
	AppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projector_eventstore_appends_total",
			Help: "Total number of append calls by result",
		},
		[]string{"result"},
	)

	AppendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "projector_eventstore_append_duration_seconds",
			Help:    "Duration of append transactions in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LogHead = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "projector_notification_log_head",
			Help: "Highest committed global position",
		},
	)

	// Runner metrics
	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "projector_runner_batch_duration_seconds",
			Help:    "Duration of projection batches in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"projection"},
	)

	NotificationsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projector_runner_notifications_applied_total",
			Help: "Total number of notifications committed by a projection",
		},
		[]string{"projection"},
	)

	NotificationsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projector_runner_notifications_skipped_total",
			Help: "Total number of notifications skipped after a permanent handler error",
		},
		[]string{"projection"},
	)

	BatchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projector_runner_batch_retries_total",
			Help: "Total number of batches rolled back and retried",
		},
		[]string{"projection"},
	)

	Position = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "projector_projection_position",
			Help: "Tracked position of each projection",
		},
		[]string{"projection"},
	)

	Lag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "projector_projection_lag",
			Help: "Log head minus tracked position",
		},
		[]string{"projection"},
	)

	// Resource metrics
	PoolExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "projector_pool_exhausted_total",
			Help: "Total number of runner connection acquisitions that timed out",
		},
	)

	RunnerConnBudget = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "projector_runner_connection_budget",
			Help: "Configured aggregate connection budget for projection runners",
		},
	)

	// Rebuild metrics
	RebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projector_rebuilds_total",
			Help: "Total number of rebuilds by result",
		},
		[]string{"projection", "result"},
	)

	// Transport metrics
	WakeupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projector_transport_wakeups_total",
			Help: "Total number of wake-up signals received by source",
		},
		[]string{"source"},
	)
)
