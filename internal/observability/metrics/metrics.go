// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "reportd"

var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Scheduled report cycles by outcome.",
	}, []string{"outcome"})

	VersionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "versions_total",
		Help:      "Report versions written, by compliance status.",
	}, []string{"status"})

	VersionsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "versions_skipped_total",
		Help:      "Generations short-circuited because the content hash was unchanged.",
	})

	InputFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "input_fetches_total",
		Help:      "Data source fetch attempts by source and result.",
	}, []string{"source", "result"})

	ClaimRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "claim_recoveries_total",
		Help:      "Stale claims released by the sweep.",
	})

	AuditPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_pruned_total",
		Help:      "Audit entries deleted by the retention policy.",
	})

	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "poll_duration_seconds",
		Help:      "Time spent in one scheduler poll (sweep, list, claim, dispatch).",
		Buckets:   prometheus.DefBuckets,
	})

	GenerationsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "generations_in_flight",
		Help:      "Report generations currently running.",
	})

	StorageFailureStreak = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "storage_failure_streak",
		Help:      "Consecutive storage failures seen by the scheduler.",
	})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_total",
		Help:      "Per-recipient deliveries by channel and result.",
	}, []string{"channel", "result"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Bus events dropped because a subscriber buffer was full.",
	}, []string{"type"})
)
