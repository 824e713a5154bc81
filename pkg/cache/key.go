package cache

import (
	"net/http"
	"net/url"
	"strings"
)

// CacheKey represents a unique identifier for a cached response.
type CacheKey struct {
	// Method is the HTTP method (empty means GET)
	Method string

	// URL is the request URL
	URL string

	// Namespace separates otherwise identical URLs (e.g. per account). Optional.
	Namespace string
}

// String generates a deterministic cache key string.
// Query parameters are sorted so equivalent URLs share a key.
// Format: [namespace:][METHOD-]url
//
// Example:
//
//	https://api.example.com/v1/items?page=2&sort=asc
//	POST-https://api.example.com/v1/search
func (k CacheKey) String() string {
	var b strings.Builder

	if k.Namespace != "" {
		b.WriteString(k.Namespace)
		b.WriteByte(':')
	}

	method := strings.ToUpper(k.Method)
	if method != "" && method != http.MethodGet {
		b.WriteString(method)
		b.WriteByte('-')
	}

	b.WriteString(normalizeURL(k.URL))
	return b.String()
}

// Key is shorthand for CacheKey{Method: method, URL: rawURL}.String().
func Key(method, rawURL string) string {
	return CacheKey{Method: method, URL: rawURL}.String()
}

// normalizeURL sorts query parameters and drops the fragment.
// Unparseable URLs are returned unchanged.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	return u.String()
}
