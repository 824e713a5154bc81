// Package metrics exposes the Prometheus metrics of the dispatcher.
// Metrics are defined next to the code that updates them (dispatch,
// network, cache, ratelimit, pagination) and registered via promauto on
// the default registry; this package serves them and documents them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all dispatcher metrics are registered with.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer Handler serves from.
var Gatherer = prometheus.DefaultGatherer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Queue Metrics (pkg/dispatch):
//   - dispatch_queue_submitted_total{route} (Counter): Requests added, by first queue (cache, network)
//   - dispatch_queue_finished_total{reason} (Counter): Finished requests by finish marker
//   - dispatch_queue_depth{queue} (Gauge): Requests waiting in the cache and network queues
//   - dispatch_queue_in_flight (Gauge): Requests added but not yet finished
//   - dispatch_queue_cache_lookups_total{result} (Counter): Cache dispatcher lookups
//   - dispatch_queue_coalesced_total (Counter): Requests parked behind an in-flight fetch
//   - dispatch_queue_network_duration_seconds{outcome} (Histogram): Network dispatcher time per request
//   - dispatch_queue_recovered_panics_total{component} (Counter): Recovered panics
//
// HTTP Metrics (pkg/network):
//   - dispatch_http_requests_total{host, status} (Counter): HTTP exchanges by host and status
//   - dispatch_http_request_duration_seconds{host} (Histogram): PerformRequest duration, retries included
//   - dispatch_http_errors_total{class} (Counter): Errors by class
//   - dispatch_http_not_modified_total (Counter): 304 Not Modified responses
//   - dispatch_http_conditional_requests_total (Counter): Requests sent with validators
//   - dispatch_http_retries_total{error_class} (Counter): Retry attempts
//   - dispatch_http_retry_backoff_seconds{error_class} (Histogram): Backoff before each retry
//   - dispatch_http_retry_exhausted_total{error_class} (Counter): Requests that ran out of attempts
//
// Cache Metrics (pkg/cache):
//   - dispatch_cache_hits_total{layer} (Counter): Hits by backend (memory, disk, redis)
//   - dispatch_cache_misses_total{layer} (Counter): Misses by backend
//   - dispatch_cache_size_bytes{layer} (Gauge): Stored bytes (memory, disk)
//   - dispatch_cache_evictions_total{layer} (Counter): Entries evicted to stay within bounds
//   - dispatch_cache_errors_total{layer, operation} (Counter): Backend errors
//
// Rate Limit Metrics (pkg/ratelimit):
//   - dispatch_ratelimit_errors_remaining (Gauge): Origin error budget left in the window
//   - dispatch_ratelimit_blocks_total (Counter): Requests blocked at the critical threshold
//   - dispatch_ratelimit_throttles_total (Counter): Requests delayed in the warning band
//
// Pagination Metrics (pkg/pagination):
//   - dispatch_pagination_pages_fetched_total (Counter): Pages fetched by batch fetchers
//   - dispatch_pagination_batches_total{result} (Counter): Batches by result
//
// Example Prometheus Queries:
//
//	# Cache hit rate seen by the cache dispatcher
//	sum(rate(dispatch_queue_cache_lookups_total{result="hit"}[5m])) /
//	sum(rate(dispatch_queue_cache_lookups_total[5m]))
//
//	# Share of requests answered by another request's fetch
//	rate(dispatch_queue_coalesced_total[5m]) / sum(rate(dispatch_queue_submitted_total[5m]))
//
//	# P95 network time
//	histogram_quantile(0.95, rate(dispatch_queue_network_duration_seconds_bucket[5m]))
//
//	# Error budget running low
//	dispatch_ratelimit_errors_remaining < 20
