package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadflow_dispatch_total",
		Help: "Integration dispatches by type and outcome.",
	}, []string{"type", "outcome"})

	dispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "leadflow_dispatch_seconds",
		Help:    "Integration dispatch latency including retries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)
