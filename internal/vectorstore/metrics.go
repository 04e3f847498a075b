package vectorstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueryDuration tracks vector query latency per driver.
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "memoryd",
			Subsystem: "vectorstore",
			Name:      "query_duration_seconds",
			Help:      "Duration of vector store queries in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"driver"},
	)

	// QueriesTotal counts queries per driver.
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "vectorstore",
			Name:      "queries_total",
			Help:      "Total number of vector store queries",
		},
		[]string{"driver"},
	)

	// UpsertsTotal counts embedding upserts per driver.
	UpsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "vectorstore",
			Name:      "upserts_total",
			Help:      "Total number of embedding upserts",
		},
		[]string{"driver"},
	)

	// RemovesTotal counts embedding removals per driver.
	RemovesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "vectorstore",
			Name:      "removes_total",
			Help:      "Total number of embedding removals",
		},
		[]string{"driver"},
	)

	// CorpusSize reports the number of indexed items per driver, where
	// the driver can observe it cheaply.
	CorpusSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "memoryd",
			Subsystem: "vectorstore",
			Name:      "corpus_size",
			Help:      "Number of items currently indexed",
		},
		[]string{"driver"},
	)
)
