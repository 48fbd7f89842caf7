package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RemoteChanges tracks inbound processing per entity type
	// Labels allow filtering by outcome (applied/skipped/failed) and action
	RemoteChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgesync_remote_changes_total",
		Help: "Total number of remote changes processed during receive phases",
	}, []string{"outcome", "model", "action"})

	// PushBatches counts send-phase outcomes; the batch is all-or-nothing
	PushBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgesync_push_batches_total",
		Help: "Total number of push batches by outcome (sent/failed)",
	}, []string{"outcome"})

	// PushedEntries counts individual change log entries moved per push
	PushedEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgesync_pushed_entries_total",
		Help: "Total number of change log entries pushed by outcome (sent/failed)",
	}, []string{"outcome"})

	// AckFailures counts acknowledgment calls that did not reach the server
	// Non-fatal: unacknowledged changes are simply redelivered next cycle
	AckFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgesync_ack_failures_total",
		Help: "Total number of failed acknowledge calls",
	})

	// CycleDuration measures one full receive-then-send round trip
	// Use this to spot a central server that is slowing the whole edge down
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edgesync_cycle_duration_seconds",
		Help:    "Duration of one sync cycle in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// BatchSize tracks how many entries each push batch actually carried
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edgesync_push_batch_size",
		Help:    "Number of change log entries per push batch",
		Buckets: []float64{1, 10, 50, 100, 500, 1000},
	})

	// OutboxBacklog tracks entries still waiting on a successful push
	// This is the primary indicator of how far the node lags the server
	OutboxBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgesync_outbox_backlog",
		Help: "Current number of Pending/Failed entries in the change log",
	})

	// ExhaustedEntries tracks Failed entries past the retry ceiling
	// These need operator intervention; the engine will not retry them
	ExhaustedEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgesync_outbox_exhausted",
		Help: "Current number of Failed entries past the retry limit",
	})

	// HealthStatus provides a binary 0/1 signal for the last cycle outcome
	// 1 = last cycle completed, 0 = last cycle aborted
	HealthStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgesync_healthy",
		Help: "Whether the last sync cycle completed (1) or aborted (0)",
	})
)
