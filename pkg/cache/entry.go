package cache

import (
	"net/http"
	"slices"
	"strings"
	"time"
)

// Header is a single response header as received on the wire.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Entry represents a cached response plus the metadata needed to decide
// whether it can be served and how to revalidate it.
type Entry struct {
	// Data is the raw response body
	Data []byte `json:"data"`

	// ETag for conditional requests (If-None-Match)
	ETag string `json:"etag"`

	// ServerDate is the Date reported by the server for this response
	ServerDate time.Time `json:"server_date"`

	// LastModified is when the data was last modified (If-Modified-Since)
	LastModified time.Time `json:"last_modified"`

	// TTL is the absolute instant after which the entry must not be served
	TTL time.Time `json:"ttl"`

	// SoftTTL is the absolute instant after which the entry should be
	// revalidated. It is never later than TTL.
	SoftTTL time.Time `json:"soft_ttl"`

	// ResponseHeaders holds one value per header, keyed by canonical name.
	// When a header is repeated the last value wins.
	ResponseHeaders map[string]string `json:"response_headers"`

	// AllResponseHeaders keeps every header value, sorted by name. Values of
	// a repeated header stay in received order. May be nil for entries
	// written by older code paths.
	AllResponseHeaders []Header `json:"all_response_headers,omitempty"`
}

// IsExpired returns true if the entry can no longer be served.
func (e *Entry) IsExpired() bool {
	return !time.Now().Before(e.TTL)
}

// RefreshNeeded returns true if the entry should be revalidated before use.
func (e *Entry) RefreshNeeded() bool {
	return !time.Now().Before(e.SoftTTL)
}

// ExpiresIn returns the time until TTL.
// Returns 0 if already expired.
func (e *Entry) ExpiresIn() time.Duration {
	ttl := time.Until(e.TTL)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Header returns the value of the named response header. Lookup is
// case-insensitive.
func (e *Entry) Header(name string) string {
	if e.ResponseHeaders == nil {
		return ""
	}
	return e.ResponseHeaders[http.CanonicalHeaderKey(name)]
}

// HTTPHeader rebuilds an http.Header, preferring the ordered list when present.
func (e *Entry) HTTPHeader() http.Header {
	h := make(http.Header)
	if len(e.AllResponseHeaders) > 0 {
		for _, hdr := range e.AllResponseHeaders {
			h.Add(hdr.Name, hdr.Value)
		}
		return h
	}
	for name, value := range e.ResponseHeaders {
		h.Set(name, value)
	}
	return h
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Data != nil {
		c.Data = append([]byte(nil), e.Data...)
	}
	if e.ResponseHeaders != nil {
		c.ResponseHeaders = make(map[string]string, len(e.ResponseHeaders))
		for k, v := range e.ResponseHeaders {
			c.ResponseHeaders[k] = v
		}
	}
	if e.AllResponseHeaders != nil {
		c.AllResponseHeaders = append([]Header(nil), e.AllResponseHeaders...)
	}
	return &c
}

// HeadersFromHTTP flattens h into the two header representations used by
// Entry. The list is sorted by canonical name so equal headers always encode
// the same way.
func HeadersFromHTTP(h http.Header) (map[string]string, []Header) {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	slices.SortStableFunc(names, func(a, b string) int {
		return strings.Compare(http.CanonicalHeaderKey(a), http.CanonicalHeaderKey(b))
	})

	flat := make(map[string]string, len(h))
	all := make([]Header, 0, len(h))
	for _, name := range names {
		key := http.CanonicalHeaderKey(name)
		for _, v := range h[name] {
			flat[key] = v
			all = append(all, Header{Name: key, Value: v})
		}
	}
	return flat, all
}
