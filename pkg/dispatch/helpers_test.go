package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/reqdispatch/pkg/cache"
	"github.com/Sternrassler/reqdispatch/pkg/network"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type event struct {
	result any
	err    error
}

// stringRequest is the request kind used throughout these tests: the body
// becomes a string result.
type stringRequest struct {
	*Base
	events   chan event
	parseErr error
}

func newStringRequest(url string) *stringRequest {
	r := &stringRequest{events: make(chan event, 8)}
	r.Base = NewBase(http.MethodGet, url, func(err error) {
		r.events <- event{err: err}
	})
	return r
}

func (r *stringRequest) ParseNetworkResponse(resp *network.Response) (*Response, error) {
	if r.parseErr != nil {
		return nil, r.parseErr
	}
	return Success(string(resp.Data), ParseCacheHeaders(resp)), nil
}

func (r *stringRequest) DeliverResponse(result any) {
	r.events <- event{result: result}
}

// upperRequest shares keys with stringRequest but parses differently.
type upperRequest struct {
	*stringRequest
}

func newUpperRequest(url string) *upperRequest {
	return &upperRequest{stringRequest: newStringRequest(url)}
}

func (r *upperRequest) ParseNetworkResponse(resp *network.Response) (*Response, error) {
	return Success(strings.ToUpper(string(resp.Data)), ParseCacheHeaders(resp)), nil
}

func next(t *testing.T, r *stringRequest) event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(waitTimeout):
		t.Fatalf("no callback for %s", r.URL())
		return event{}
	}
}

func requireNoEvent(t *testing.T, r *stringRequest, within time.Duration) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected callback for %s: %+v", r.URL(), ev)
	case <-time.After(within):
	}
}

func requireMarker(t *testing.T, r Request, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return slices.Contains(r.base().Markers(), name)
	}, waitTimeout, 5*time.Millisecond, "marker %q never recorded, got %v", name, r.base().Markers())
}

// fakeNetwork counts calls per URL and answers through handle.
type fakeNetwork struct {
	mu     sync.Mutex
	calls  map[string]int
	order  []string
	total  atomic.Int32
	handle func(ctx context.Context, r network.Request) (*network.Response, error)
}

func newFakeNetwork(handle func(ctx context.Context, r network.Request) (*network.Response, error)) *fakeNetwork {
	return &fakeNetwork{calls: make(map[string]int), handle: handle}
}

func (n *fakeNetwork) PerformRequest(ctx context.Context, r network.Request) (*network.Response, error) {
	n.mu.Lock()
	n.calls[r.URL()]++
	n.order = append(n.order, r.URL())
	n.mu.Unlock()
	n.total.Add(1)
	return n.handle(ctx, r)
}

func (n *fakeNetwork) callsFor(url string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[url]
}

func (n *fakeNetwork) callOrder() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.order)
}

func okResponse(body string, maxAge int) *network.Response {
	h := http.Header{}
	h.Set("Cache-Control", fmt.Sprintf("max-age=%d", maxAge))
	h.Set("ETag", `"v1"`)
	return &network.Response{StatusCode: http.StatusOK, Header: h, Data: []byte(body)}
}

func serveBody(body string) func(context.Context, network.Request) (*network.Response, error) {
	return func(context.Context, network.Request) (*network.Response, error) {
		return okResponse(body, 60), nil
	}
}

// countingCache records lookups and writes on top of a MemoryCache. A
// non-nil getErr makes every lookup fail.
type countingCache struct {
	*cache.MemoryCache
	gets   atomic.Int32
	puts   atomic.Int32
	getErr error
}

func newCountingCache() *countingCache {
	return &countingCache{MemoryCache: cache.NewMemoryCache(0)}
}

func (c *countingCache) Get(ctx context.Context, key string) (*cache.Entry, error) {
	c.gets.Add(1)
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.MemoryCache.Get(ctx, key)
}

func (c *countingCache) Put(ctx context.Context, key string, e *cache.Entry) error {
	c.puts.Add(1)
	return c.MemoryCache.Put(ctx, key, e)
}

func entryFor(body string, softTTL, ttl time.Duration) *cache.Entry {
	now := time.Now()
	return &cache.Entry{
		Data:            []byte(body),
		ETag:            `"cached"`,
		SoftTTL:         now.Add(softTTL),
		TTL:             now.Add(ttl),
		ResponseHeaders: map[string]string{"Etag": `"cached"`},
	}
}

// finishLog records finished requests.
type finishLog struct {
	mu   sync.Mutex
	seen map[Request]int
}

func watchFinished(q *RequestQueue) *finishLog {
	l := &finishLog{seen: make(map[Request]int)}
	q.AddFinishedListener(func(r Request) {
		l.mu.Lock()
		l.seen[r]++
		l.mu.Unlock()
	})
	return l
}

func (l *finishLog) count(r Request) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen[r]
}

func startQueue(t *testing.T, c cache.Cache, n network.Network, cfg Config) *RequestQueue {
	t.Helper()
	q := NewRequestQueue(c, n, cfg)
	q.Start()
	t.Cleanup(func() {
		q.Stop()
		q.Wait()
	})
	return q
}
