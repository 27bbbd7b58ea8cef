// Package metrics registers the Prometheus collectors shared by the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommitsTotal counts document commits by cause (edit, approve, restore, init).
	CommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemo_document_commits_total",
		Help: "Document versions committed, by cause",
	}, []string{"cause"})

	// ProposalsTotal counts proposal lifecycle transitions.
	ProposalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemo_proposals_total",
		Help: "Proposal transitions, by resulting status",
	}, []string{"status"})

	SyncPushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemo_sync_pushes_total",
		Help: "External sink pushes, by result (created, updated, unchanged, failed)",
	}, []string{"result"})

	SyncAttemptDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mnemo_sync_attempt_duration_seconds",
		Help:    "Duration of a single push attempt against the sink",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	SyncQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mnemo_sync_queue_depth",
		Help: "Documents waiting for a background push",
	})

	ConversionWarningsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mnemo_conversion_warnings_total",
		Help: "Sections dropped while parsing the human form",
	})
)
