package dispatch

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/reqdispatch/pkg/cache"
	"github.com/Sternrassler/reqdispatch/pkg/network"
	"github.com/google/uuid"
)

// Priority orders requests in both queues. Higher values are served first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityImmediate
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Request is a unit of work handled by a RequestQueue. Concrete request
// kinds embed *Base and supply the parse and deliver hooks.
type Request interface {
	network.Request

	// ParseNetworkResponse converts a raw response into a result. It runs
	// on a dispatcher goroutine.
	ParseNetworkResponse(resp *network.Response) (*Response, error)

	// ParseNetworkError may replace a transport error with a domain error.
	ParseNetworkError(err error) error

	// DeliverResponse hands a parsed result to the caller.
	DeliverResponse(result any)

	// DeliverError hands an error to the caller.
	DeliverError(err error)

	// Cancel marks the request cancelled. No callback fires afterwards.
	Cancel()

	base() *Base
}

// Base carries the state shared by every request kind.
type Base struct {
	method  string
	url     string
	headers http.Header
	body    []byte

	bodyContentType string
	timeout         time.Duration

	sequence    atomic.Int64
	priority    atomic.Int32
	canceled    atomic.Bool
	delivered   atomic.Bool
	finished    atomic.Bool
	shouldCache atomic.Bool

	mu               sync.Mutex
	tag              any
	cacheKey         string
	entry            *cache.Entry
	queue            *RequestQueue
	onError          func(error)
	completeListener func(Request, *outcome)

	traceID string
	markers *markerLog
}

// NewBase creates the shared request state. onError receives errors; it may be nil.
func NewBase(method, rawURL string, onError func(error)) *Base {
	if method == "" {
		method = http.MethodGet
	}
	b := &Base{
		method:   strings.ToUpper(method),
		url:      rawURL,
		cacheKey: cache.Key(method, rawURL),
		onError:  onError,
		traceID:  uuid.NewString(),
		markers:  newMarkerLog(),
	}
	b.shouldCache.Store(true)
	b.priority.Store(int32(PriorityNormal))
	b.sequence.Store(-1)
	return b
}

func (b *Base) base() *Base { return b }

// Method returns the HTTP method.
func (b *Base) Method() string { return b.method }

// URL returns the request URL.
func (b *Base) URL() string { return b.url }

// Headers returns extra request headers.
func (b *Base) Headers() http.Header { return b.headers }

// SetHeader adds a request header. Call before Add.
func (b *Base) SetHeader(name, value string) {
	if b.headers == nil {
		b.headers = make(http.Header)
	}
	b.headers.Set(name, value)
}

// Body returns the request body.
func (b *Base) Body() []byte { return b.body }

// BodyContentType returns the content type of Body.
func (b *Base) BodyContentType() string { return b.bodyContentType }

// SetBody sets the request body and its content type. Call before Add.
func (b *Base) SetBody(body []byte, contentType string) {
	b.body = body
	b.bodyContentType = contentType
}

// Timeout returns the per-attempt timeout, zero for the transport default.
func (b *Base) Timeout() time.Duration { return b.timeout }

// SetTimeout sets the per-attempt timeout. Call before Add.
func (b *Base) SetTimeout(d time.Duration) { b.timeout = d }

// TraceID identifies the request in logs.
func (b *Base) TraceID() string { return b.traceID }

// CacheKey returns the key used for caching and coalescing.
func (b *Base) CacheKey() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cacheKey
}

// SetCacheKey overrides the default method+URL key. Call before Add.
func (b *Base) SetCacheKey(key string) {
	b.mu.Lock()
	b.cacheKey = key
	b.mu.Unlock()
}

// ShouldCache reports whether responses are written to and read from the cache.
func (b *Base) ShouldCache() bool { return b.shouldCache.Load() }

// SetShouldCache toggles caching. Call before Add.
func (b *Base) SetShouldCache(v bool) { b.shouldCache.Store(v) }

// Priority returns the request's priority.
func (b *Base) Priority() Priority { return Priority(b.priority.Load()) }

// SetPriority changes the priority. It only affects queues the request
// enters afterwards.
func (b *Base) SetPriority(p Priority) { b.priority.Store(int32(p)) }

// Sequence returns the sequence number assigned by Add, or -1.
func (b *Base) Sequence() int64 { return b.sequence.Load() }

// Tag returns the caller-supplied tag.
func (b *Base) Tag() any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tag
}

// SetTag attaches an identity used by RequestQueue.CancelAllTag.
func (b *Base) SetTag(tag any) {
	b.mu.Lock()
	b.tag = tag
	b.mu.Unlock()
}

// Cancel marks the request cancelled and drops the error listener.
func (b *Base) Cancel() {
	b.canceled.Store(true)
	b.mu.Lock()
	b.onError = nil
	b.mu.Unlock()
}

// IsCanceled reports whether Cancel has been called.
func (b *Base) IsCanceled() bool { return b.canceled.Load() }

// HasHadResponseDelivered reports whether a result has been posted.
func (b *Base) HasHadResponseDelivered() bool { return b.delivered.Load() }

func (b *Base) markDelivered() { b.delivered.Store(true) }

// CacheEntry returns the entry attached by the cache dispatcher.
func (b *Base) CacheEntry() *cache.Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entry
}

// SetCacheEntry attaches a cached entry used for conditional requests.
func (b *Base) SetCacheEntry(e *cache.Entry) {
	b.mu.Lock()
	b.entry = e
	b.mu.Unlock()
}

// ParseNetworkError returns err unchanged.
func (b *Base) ParseNetworkError(err error) error { return err }

// DeliverError invokes the error listener unless it has been cleared.
func (b *Base) DeliverError(err error) {
	b.mu.Lock()
	listener := b.onError
	b.mu.Unlock()
	if listener != nil {
		listener(err)
	}
}

// AddMarker records a timestamped event in the request's trace.
func (b *Base) AddMarker(name string) {
	b.markers.add(name)
}

// Markers returns the names of the recorded events in order.
func (b *Base) Markers() []string {
	return b.markers.names()
}

func (b *Base) String() string {
	state := " "
	if b.IsCanceled() {
		state = "X"
	}
	return fmt.Sprintf("[%s] %s %s %s #%d", state, b.method, b.url, b.Priority(), b.Sequence())
}

func (b *Base) setQueue(q *RequestQueue) {
	b.mu.Lock()
	b.queue = q
	b.mu.Unlock()
}

func (b *Base) getQueue() *RequestQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue
}

func (b *Base) setCompleteListener(l func(Request, *outcome)) {
	b.mu.Lock()
	b.completeListener = l
	b.mu.Unlock()
}

func (b *Base) takeCompleteListener() func(Request, *outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.completeListener
	b.completeListener = nil
	return l
}

// outcome is what a network fetch produced, shared with coalesced waiters.
type outcome struct {
	resp *Response
	raw  *network.Response
	err  error

	// transportErr is the transport failure before the leader's
	// ParseNetworkError ran
	transportErr error
}

// notifyResponseReceived tells the waiting map that a usable outcome exists.
func notifyResponseReceived(r Request, o *outcome) {
	if l := r.base().takeCompleteListener(); l != nil {
		l(r, o)
	}
}

// notifyNotUsable tells the waiting map that r ended without an outcome
// waiters could share.
func notifyNotUsable(r Request) {
	if l := r.base().takeCompleteListener(); l != nil {
		l(r, nil)
	}
}

// finish removes r from its queue's in-flight set. Only the first call has
// any effect. A leader finishing before it shared an outcome hands its
// waiters over to the next one.
func finish(r Request, reason string) {
	b := r.base()
	if !b.finished.CompareAndSwap(false, true) {
		return
	}
	b.AddMarker(reason)
	finishedTotal.WithLabelValues(reason).Inc()
	notifyNotUsable(r)

	if q := b.getQueue(); q != nil {
		q.finish(r)
		q.logger.Debug().
			Str("trace_id", b.traceID).
			Str("url", b.url).
			Str("reason", reason).
			Dur("total", b.markers.total()).
			Str("markers", b.markers.String()).
			Msg("Request finished")
	}
}

type marker struct {
	name string
	at   time.Time
}

type markerLog struct {
	mu      sync.Mutex
	markers []marker
}

func newMarkerLog() *markerLog {
	return &markerLog{}
}

func (l *markerLog) add(name string) {
	l.mu.Lock()
	l.markers = append(l.markers, marker{name: name, at: time.Now()})
	l.mu.Unlock()
}

func (l *markerLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.markers))
	for i, m := range l.markers {
		out[i] = m.name
	}
	return out
}

func (l *markerLog) total() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.markers) < 2 {
		return 0
	}
	return l.markers[len(l.markers)-1].at.Sub(l.markers[0].at)
}

// String renders "name(+offset) ..." relative to the first marker.
func (l *markerLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.markers) == 0 {
		return ""
	}
	var sb strings.Builder
	first := l.markers[0].at
	for i, m := range l.markers {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s(+%s)", m.name, m.at.Sub(first).Round(time.Microsecond))
	}
	return sb.String()
}
