// Package cache provides the response cache used by the request dispatcher.
//
// An Entry holds a response body together with its validators (ETag,
// Last-Modified) and two absolute deadlines:
//
// - SoftTTL: after it passes the entry should be revalidated
// - TTL: after it passes the entry must not be served
//
// Entries are built from HTTP response headers with ParseCacheHeaders,
// which honours Cache-Control (max-age, stale-while-revalidate,
// must-revalidate, no-cache, no-store) and falls back to Expires minus Date.
//
// # Stores
//
// Three implementations of the Cache interface are provided:
//
//   - MemoryCache: in-process LRU bounded by entry count
//   - DiskCache: SQLite file under a directory, pruned by least recent use
//     once a byte budget is exceeded
//   - RedisCache: shared store; entries outlive their TTL for a retention
//     window so validators remain usable
//
// # Basic Usage
//
//	store := cache.NewDiskCache("/var/cache/myapp", 10<<20)
//	if err := store.Initialize(ctx); err != nil {
//		return err
//	}
//
//	key := cache.Key(http.MethodGet, "https://api.example.com/items?page=2")
//	entry, err := store.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) || entry.RefreshNeeded() {
//		// go to the network
//	}
//
// # Conditional Requests
//
//	if cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(req.Header, entry)
//		// server answers 304 if the cached body is still current
//	}
//
// # Metrics
//
// All stores export Prometheus metrics labelled by layer:
//
//   - dispatch_cache_hits_total{layer}
//   - dispatch_cache_misses_total{layer}
//   - dispatch_cache_size_bytes{layer} (memory and disk only)
//   - dispatch_cache_evictions_total{layer}
//   - dispatch_cache_errors_total{layer,operation}
package cache
