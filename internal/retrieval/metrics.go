package retrieval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SearchDuration tracks end-to-end search latency.
	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "memoryd",
			Subsystem: "retrieval",
			Name:      "search_duration_seconds",
			Help:      "Duration of search requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// SearchesTotal counts search requests.
	SearchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "retrieval",
			Name:      "searches_total",
			Help:      "Total number of search requests",
		},
	)

	// StaleRepairs counts stale embeddings repaired during search.
	StaleRepairs = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "retrieval",
			Name:      "stale_repairs_total",
			Help:      "Total number of stale embeddings re-generated during search",
		},
	)

	// StaleOmissions counts stale items omitted because re-embedding failed.
	StaleOmissions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "retrieval",
			Name:      "stale_omissions_total",
			Help:      "Total number of stale items omitted from results",
		},
	)
)
