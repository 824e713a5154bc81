package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CacheControl holds parsed Cache-Control directives.
// Directive names are lower-cased; the last occurrence of a directive wins.
type CacheControl map[string]string

// ParseCacheControl parses every Cache-Control header value.
func ParseCacheControl(values []string) CacheControl {
	cc := make(CacheControl)
	for _, header := range values {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			name, arg, _ := strings.Cut(directive, "=")
			cc[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(arg), "\"")
		}
	}
	return cc
}

// Has reports whether the directive is present.
func (cc CacheControl) Has(directive string) bool {
	_, ok := cc[directive]
	return ok
}

// Seconds returns a delta-seconds directive value.
func (cc CacheControl) Seconds(directive string) (time.Duration, bool) {
	val, ok := cc[directive]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// ParseCacheHeaders builds a cache entry from a response's headers and body.
// It returns nil if the response forbids caching (no-cache or no-store).
//
// Freshness rules:
//   - max-age sets SoftTTL = now + max-age
//   - stale-while-revalidate extends TTL past SoftTTL, unless
//     must-revalidate or proxy-revalidate is present
//   - without Cache-Control, Expires - Date is used for both TTLs
//   - with neither, the entry is stored already expired so its validators
//     can still drive conditional requests
func ParseCacheHeaders(header http.Header, data []byte, now time.Time) *Entry {
	var (
		serverDate   time.Time
		serverExpiry time.Time
		lastModified time.Time
		softExpire   time.Time
		finalExpire  time.Time
	)

	if v := header.Get("Date"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			serverDate = t
		}
	}

	values := header.Values("Cache-Control")
	hasCacheControl := len(values) > 0
	cc := ParseCacheControl(values)

	if cc.Has("no-cache") || cc.Has("no-store") {
		return nil
	}

	if v := header.Get("Expires"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			serverExpiry = t
		}
	}

	if v := header.Get("Last-Modified"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			lastModified = t
		}
	}

	if hasCacheControl {
		maxAge, _ := cc.Seconds("max-age")
		staleWhileRevalidate, _ := cc.Seconds("stale-while-revalidate")
		mustRevalidate := cc.Has("must-revalidate") || cc.Has("proxy-revalidate")

		softExpire = now.Add(maxAge)
		if mustRevalidate {
			finalExpire = softExpire
		} else {
			finalExpire = softExpire.Add(staleWhileRevalidate)
		}
	} else if !serverDate.IsZero() && !serverExpiry.Before(serverDate) {
		softExpire = now.Add(serverExpiry.Sub(serverDate))
		finalExpire = softExpire
	}

	flat, all := HeadersFromHTTP(header)

	return &Entry{
		Data:               data,
		ETag:               header.Get("ETag"),
		ServerDate:         serverDate,
		LastModified:       lastModified,
		TTL:                finalExpire,
		SoftTTL:            softExpire,
		ResponseHeaders:    flat,
		AllResponseHeaders: all,
	}
}

// ShouldMakeConditionalRequest determines if we should add conditional
// request headers (If-None-Match or If-Modified-Since) based on the cache entry.
func ShouldMakeConditionalRequest(entry *Entry) bool {
	if entry == nil {
		return false
	}
	return entry.ETag != "" || !entry.LastModified.IsZero()
}

// AddConditionalHeaders adds If-None-Match and If-Modified-Since headers
// derived from the entry's validators.
func AddConditionalHeaders(header http.Header, entry *Entry) {
	if entry == nil || header == nil {
		return
	}

	if entry.ETag != "" {
		header.Set("If-None-Match", entry.ETag)
	}
	if !entry.LastModified.IsZero() {
		header.Set("If-Modified-Since", entry.LastModified.UTC().Format(http.TimeFormat))
	}
}
