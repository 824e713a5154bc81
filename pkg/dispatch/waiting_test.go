package dispatch

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/reqdispatch/pkg/cache"
	"github.com/Sternrassler/reqdispatch/pkg/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gate blocks the first call for each URL until released.
type gate struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) wait() {
	g.once.Do(func() { close(g.started) })
	<-g.release
}

func TestWaiting_DuplicateKeyIsCoalesced(t *testing.T) {
	g := newGate()
	net := newFakeNetwork(func(context.Context, network.Request) (*network.Response, error) {
		g.wait()
		return okResponse("shared", 60), nil
	})
	q := startQueue(t, cache.NewMemoryCache(0), net, DefaultConfig())

	r1 := newStringRequest("https://example.test/k")
	q.Add(r1)
	<-g.started

	r2 := newStringRequest("https://example.test/k")
	q.Add(r2)
	requireMarker(t, r2, "waiting-for-response")
	assert.Equal(t, 1, q.waiting.pending(r1.CacheKey()))

	close(g.release)

	ev1 := next(t, r1)
	ev2 := next(t, r2)
	require.NoError(t, ev1.err)
	require.NoError(t, ev2.err)
	assert.Equal(t, "shared", ev1.result)
	assert.Equal(t, ev1.result, ev2.result)
	assert.Equal(t, 1, net.callsFor(r1.URL()), "one transport call for both requests")
	assert.NotContains(t, r2.Markers(), "network-queue-take")

	require.Eventually(t, func() bool { return q.InFlight() == 0 }, waitTimeout, 5*time.Millisecond)
	q.waiting.mu.Lock()
	assert.Empty(t, q.waiting.waiting, "key is released once waiters are served")
	q.waiting.mu.Unlock()
}

func TestWaiting_DifferentKindsParseTheirOwnResult(t *testing.T) {
	g := newGate()
	net := newFakeNetwork(func(context.Context, network.Request) (*network.Response, error) {
		g.wait()
		return okResponse("mixed", 60), nil
	})
	q := startQueue(t, cache.NewMemoryCache(0), net, DefaultConfig())

	plain := newStringRequest("https://example.test/mixed")
	q.Add(plain)
	<-g.started

	upper := newUpperRequest("https://example.test/mixed")
	q.Add(upper)
	requireMarker(t, upper, "waiting-for-response")

	close(g.release)

	assert.Equal(t, "mixed", next(t, plain).result)
	assert.Equal(t, "MIXED", next(t, upper.stringRequest).result)
	assert.Equal(t, int32(1), net.total.Load())
}

func TestWaiting_ErrorIsShared(t *testing.T) {
	g := newGate()
	net := newFakeNetwork(func(context.Context, network.Request) (*network.Response, error) {
		g.wait()
		return nil, &network.Error{Class: network.ErrorClassServer, StatusCode: http.StatusBadGateway}
	})
	q := startQueue(t, cache.NewMemoryCache(0), net, DefaultConfig())

	r1 := newStringRequest("https://example.test/down")
	q.Add(r1)
	<-g.started
	r2 := newStringRequest("https://example.test/down")
	q.Add(r2)
	requireMarker(t, r2, "waiting-for-response")

	close(g.release)

	e1, ok := network.AsError(next(t, r1).err)
	require.True(t, ok)
	e2, ok := network.AsError(next(t, r2).err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, e1.StatusCode)
	assert.Same(t, e1, e2)
	assert.Equal(t, int32(1), net.total.Load())
}

func TestWaiting_DifferentKindsMapTheirOwnErrors(t *testing.T) {
	tests := []struct {
		name         string
		leaderMaps   bool
		wantLeader   error
		wantWaiter   error
		waiterStatus int
	}{
		{name: "mapping leader, plain waiter", leaderMaps: true, wantLeader: errGone, waiterStatus: http.StatusNotFound},
		{name: "plain leader, mapping waiter", wantWaiter: errGone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGate()
			net := newFakeNetwork(func(context.Context, network.Request) (*network.Response, error) {
				g.wait()
				return nil, &network.Error{Class: network.ErrorClassClient, StatusCode: http.StatusNotFound}
			})
			q := startQueue(t, cache.NewMemoryCache(0), net, DefaultConfig())

			url := "https://example.test/gone"
			plain := newStringRequest(url)
			mapping := &mappingRequest{stringRequest: newStringRequest(url)}

			var leader, waiter Request = plain, mapping
			leaderEvents, waiterEvents := plain, mapping.stringRequest
			if tt.leaderMaps {
				leader, waiter = mapping, plain
				leaderEvents, waiterEvents = mapping.stringRequest, plain
			}

			q.Add(leader)
			<-g.started
			q.Add(waiter)
			requireMarker(t, waiter, "waiting-for-response")
			close(g.release)

			leaderErr := next(t, leaderEvents).err
			waiterErr := next(t, waiterEvents).err
			assert.Equal(t, int32(1), net.total.Load())

			if tt.wantLeader != nil {
				assert.ErrorIs(t, leaderErr, tt.wantLeader)
			}
			if tt.wantWaiter != nil {
				assert.ErrorIs(t, waiterErr, tt.wantWaiter)
			}
			if tt.waiterStatus != 0 {
				e, ok := network.AsError(waiterErr)
				require.True(t, ok, "waiter got %v", waiterErr)
				assert.Equal(t, tt.waiterStatus, e.StatusCode)
				assert.NotErrorIs(t, waiterErr, errGone)
			}
		})
	}
}

func TestWaiting_CancelledLeaderPromotesWaiter(t *testing.T) {
	blocker := newGate()
	net := newFakeNetwork(func(_ context.Context, r network.Request) (*network.Response, error) {
		if r.URL() == "https://example.test/blocker" {
			blocker.wait()
		}
		return okResponse("promoted", 60), nil
	})
	q := startQueue(t, cache.NewMemoryCache(0), net, Config{PoolSize: 1})
	finished := watchFinished(q)

	// occupy the only network worker
	b := newStringRequest("https://example.test/blocker")
	q.Add(b)
	<-blocker.started

	leader := newStringRequest("https://example.test/k")
	q.Add(leader)
	requireMarker(t, leader, "cache-miss")

	waiter := newStringRequest("https://example.test/k")
	q.Add(waiter)
	requireMarker(t, waiter, "waiting-for-response")

	leader.Cancel()
	close(blocker.release)

	assert.Equal(t, "promoted", next(t, waiter).result)
	next(t, b)
	requireNoEvent(t, leader, 20*time.Millisecond)

	assert.Contains(t, leader.Markers(), "network-discard-cancelled")
	assert.Contains(t, waiter.Markers(), "promoted-to-leader")
	assert.Equal(t, 1, net.callsFor(leader.URL()))
	require.Eventually(t, func() bool {
		return finished.count(leader) == 1 && finished.count(waiter) == 1
	}, waitTimeout, 5*time.Millisecond)
}

func TestWaiting_CancelledWaiterGetsNothing(t *testing.T) {
	g := newGate()
	net := newFakeNetwork(func(context.Context, network.Request) (*network.Response, error) {
		g.wait()
		return okResponse("ok", 60), nil
	})
	q := startQueue(t, cache.NewMemoryCache(0), net, DefaultConfig())

	r1 := newStringRequest("https://example.test/k")
	q.Add(r1)
	<-g.started
	r2 := newStringRequest("https://example.test/k")
	q.Add(r2)
	requireMarker(t, r2, "waiting-for-response")

	r2.Cancel()
	close(g.release)

	assert.Equal(t, "ok", next(t, r1).result)
	requireMarker(t, r2, "canceled-at-delivery")
	requireNoEvent(t, r2, 20*time.Millisecond)
}

func TestServeStale_NotModifiedDeliversOnce(t *testing.T) {
	store := cache.NewMemoryCache(0)
	url := "https://example.test/stale"
	require.NoError(t, store.Put(context.Background(), cache.Key(http.MethodGet, url), entryFor("cached", -time.Minute, time.Minute)))

	net := newFakeNetwork(func(_ context.Context, r network.Request) (*network.Response, error) {
		return &network.Response{StatusCode: http.StatusNotModified, Header: http.Header{}, Data: r.CacheEntry().Data, NotModified: true}, nil
	})
	q := startQueue(t, store, net, Config{ServeStale: true})
	finished := watchFinished(q)

	r := newStringRequest(url)
	q.Add(r)

	assert.Equal(t, "cached", next(t, r).result)
	requireMarker(t, r, "not-modified")
	requireNoEvent(t, r, 30*time.Millisecond)

	assert.Equal(t, 1, net.callsFor(url), "stale entry is still revalidated")
	assert.Contains(t, r.Markers(), "intermediate-response")
	require.Eventually(t, func() bool { return finished.count(r) == 1 }, waitTimeout, 5*time.Millisecond)
}

func TestServeStale_ChangedResourceDeliversTwice(t *testing.T) {
	store := cache.NewMemoryCache(0)
	url := "https://example.test/changed"
	require.NoError(t, store.Put(context.Background(), cache.Key(http.MethodGet, url), entryFor("old", -time.Minute, time.Minute)))

	net := newFakeNetwork(serveBody("new"))
	q := startQueue(t, store, net, Config{ServeStale: true})

	r := newStringRequest(url)
	q.Add(r)

	first := next(t, r)
	second := next(t, r)
	assert.Equal(t, "old", first.result)
	assert.Equal(t, "new", second.result)
	requireNoEvent(t, r, 20*time.Millisecond)
}

func TestServeStale_DisabledRevalidatesFirst(t *testing.T) {
	store := cache.NewMemoryCache(0)
	url := "https://example.test/conservative"
	require.NoError(t, store.Put(context.Background(), cache.Key(http.MethodGet, url), entryFor("old", -time.Minute, time.Minute)))

	net := newFakeNetwork(serveBody("new"))
	q := startQueue(t, store, net, DefaultConfig())

	r := newStringRequest(url)
	q.Add(r)

	assert.Equal(t, "new", next(t, r).result)
	requireNoEvent(t, r, 20*time.Millisecond)
	assert.NotContains(t, r.Markers(), "intermediate-response")
}
