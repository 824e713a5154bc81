// Package network defines the transport used by the network dispatchers and
// provides an HTTP implementation with conditional requests, retries and
// error-budget gating.
package network

import (
	"context"
	"net/http"
	"time"

	"github.com/Sternrassler/reqdispatch/pkg/cache"
)

// Request is the view of a dispatch request that a transport needs.
type Request interface {
	Method() string
	URL() string

	// Headers returns extra request headers. May be nil.
	Headers() http.Header

	// Body returns the request body, or nil for none.
	Body() []byte
	BodyContentType() string

	// CacheEntry returns the stale entry attached by the cache dispatcher,
	// used to issue a conditional request. May be nil.
	CacheEntry() *cache.Entry

	// Timeout bounds a single attempt. Zero means the transport default.
	Timeout() time.Duration
}

// Response is a raw network response.
type Response struct {
	StatusCode int

	// Header holds the response headers. For a not-modified response these
	// are the cached headers overlaid with the fresh ones.
	Header http.Header

	// Data is the response body. For a not-modified response it is the
	// cached payload.
	Data []byte

	// NotModified is true when the server answered 304.
	NotModified bool

	// NetworkTime is the time spent performing the request, retries included.
	NetworkTime time.Duration
}

// Network performs requests.
type Network interface {
	// PerformRequest executes r and returns the raw response. Non-2xx
	// statuses other than 304 are returned as *Error.
	PerformRequest(ctx context.Context, r Request) (*Response, error)
}

// Func adapts a function to the Network interface.
type Func func(ctx context.Context, r Request) (*Response, error)

// PerformRequest calls f.
func (f Func) PerformRequest(ctx context.Context, r Request) (*Response, error) {
	return f(ctx, r)
}
