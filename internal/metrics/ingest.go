// SPDX-License-Identifier: MIT

// Package metrics declares the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ingestEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auralog",
		Name:      "ingest_events_total",
		Help:      "Listening events by ingest outcome",
	}, []string{"outcome"}) // added, skipped, updated, error

	ingestFollowups = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "auralog",
		Name:      "ingest_followups_total",
		Help:      "Follow-up sync jobs enqueued to drain a backlog",
	})

	topRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auralog",
		Name:      "top_stats_refreshes_total",
		Help:      "Top-N refresh runs by result",
	}, []string{"result"})
)

// RecordIngestOutcome counts one event per resolution-table outcome.
func RecordIngestOutcome(outcome string, n int) {
	if n > 0 {
		ingestEvents.WithLabelValues(outcome).Add(float64(n))
	}
}

// RecordIngestFollowup counts a follow-up sync enqueue.
func RecordIngestFollowup() { ingestFollowups.Inc() }

// RecordTopRefresh counts a top-stats refresh run.
func RecordTopRefresh(result string) { topRefreshes.WithLabelValues(result).Inc() }
