// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cluster_pulse"

// Run outcomes.
const (
	OutcomeComplete         = "complete"
	OutcomePartial          = "partial"
	OutcomeFailed           = "failed"
	OutcomeResolutionFailed = "resolution_failed"
	OutcomeCanceled         = "canceled"
)

var (
	// RunsTotal counts aggregation runs by outcome.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_runs_total",
			Help:      "Total number of aggregation runs by outcome.",
		},
		[]string{"outcome"},
	)

	// RunDurationSeconds is the wall time of a run from resolution to snapshot.
	RunDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregation_run_duration_seconds",
			Help:      "Aggregation run duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
	)

	// FetchFailuresTotal counts failed resource fetches after retries.
	FetchFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Total number of failed resource fetches by kind and reason.",
		},
		[]string{"kind", "reason"},
	)

	// StaleResultsDiscardedTotal counts run results dropped because a newer run started.
	StaleResultsDiscardedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_results_discarded_total",
			Help:      "Total number of superseded run results that were discarded.",
		},
	)

	// ResourceCount is the per-kind count from the last published snapshot.
	ResourceCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resource_count",
			Help:      "Number of resources of each kind in the last published snapshot.",
		},
		[]string{"cluster", "kind"},
	)
)
