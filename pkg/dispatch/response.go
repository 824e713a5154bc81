package dispatch

import (
	"time"

	"github.com/Sternrassler/reqdispatch/pkg/cache"
	"github.com/Sternrassler/reqdispatch/pkg/network"
)

// Response is a parsed result ready for delivery.
type Response struct {
	// Result is handed to Request.DeliverResponse.
	Result any

	// CacheEntry is written to the cache when the request is cacheable.
	// Nil means the result is not cacheable.
	CacheEntry *cache.Entry

	// Intermediate marks a response that will be followed by another, as
	// when a stale entry is served while it is revalidated. Delivering it
	// does not finish the request.
	Intermediate bool
}

// Success builds a Response for result with an optional cache entry.
func Success(result any, entry *cache.Entry) *Response {
	return &Response{Result: result, CacheEntry: entry}
}

// ParseCacheHeaders builds the cache entry for a raw response. It is the
// helper request kinds use inside ParseNetworkResponse.
func ParseCacheHeaders(resp *network.Response) *cache.Entry {
	return cache.ParseCacheHeaders(resp.Header, resp.Data, time.Now())
}

// responseFromEntry rebuilds the raw response a cached entry was made from.
func responseFromEntry(entry *cache.Entry) *network.Response {
	return &network.Response{
		StatusCode: 200,
		Header:     entry.HTTPHeader(),
		Data:       entry.Data,
	}
}
