package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the dispatch core.
var (
	submittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_queue_submitted_total",
		Help: "Total requests added, by the queue they were routed to",
	}, []string{"route"})

	finishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_queue_finished_total",
		Help: "Total finished requests by finish reason",
	}, []string{"reason"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_queue_depth",
		Help: "Number of requests waiting in each priority queue",
	}, []string{"queue"})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_queue_in_flight",
		Help: "Number of requests added but not yet finished",
	})

	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_queue_cache_lookups_total",
		Help: "Cache dispatcher lookups by result (hit, miss, expired, refresh)",
	}, []string{"result"})

	coalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_queue_coalesced_total",
		Help: "Requests that waited on an in-flight fetch for the same cache key",
	})

	networkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_queue_network_duration_seconds",
		Help:    "Time from network queue dequeue to completion, by outcome",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"outcome"})

	recoveredPanicsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_queue_recovered_panics_total",
		Help: "Panics recovered in dispatcher loops and delivery callbacks",
	}, []string{"component"})
)
