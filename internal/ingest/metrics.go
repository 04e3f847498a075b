package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PendingItems reports the number of items waiting on embedding retry.
var PendingItems = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "memoryd",
		Subsystem: "ingest",
		Name:      "pending_items",
		Help:      "Number of items queued for embedding retry",
	},
)
