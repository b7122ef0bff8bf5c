package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	itemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadflow_queue_items_total",
		Help: "Queue items finished by the processor, by final status.",
	}, []string{"status"})

	itemDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "leadflow_queue_item_seconds",
		Help:    "Wall time from claim to final status.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	recordsFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leadflow_records_found_total",
		Help: "Unique records collected across completed items.",
	})

	retriesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leadflow_queue_retries_total",
		Help: "Fresh queue items created for failed ones.",
	})

	staleRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leadflow_queue_stale_recovered_total",
		Help: "Processing items returned to pending after the stale timeout.",
	})
)
