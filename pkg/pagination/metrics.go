package pagination

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_pagination_pages_fetched_total",
		Help: "Pages fetched by batch fetchers",
	})

	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_pagination_batches_total",
		Help: "Batch fetches by result (complete, partial, failed)",
	}, []string{"result"})
)
