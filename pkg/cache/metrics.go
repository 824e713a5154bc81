package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by layer
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"layer"}, // "memory", "disk", "redis"
	)

	// CacheMisses tracks cache misses by layer
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"layer"},
	)

	// CacheSize tracks stored payload bytes for the memory and disk layers.
	// Redis expires keys on its own, so no redis series is kept.
	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_cache_size_bytes",
			Help: "Current size of the cache in bytes",
		},
		[]string{"layer"},
	)

	// CacheEvictions tracks entries dropped to stay under the size budget
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_cache_evictions_total",
			Help: "Total number of cache entries evicted",
		},
		[]string{"layer"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"layer", "operation"}, // "get", "put", "invalidate", "remove", "clear", "init"
	)
)

const (
	layerMemory = "memory"
	layerDisk   = "disk"
	layerRedis  = "redis"
)
