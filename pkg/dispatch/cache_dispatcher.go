package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/reqdispatch/pkg/cache"
	"github.com/Sternrassler/reqdispatch/pkg/network"
	"github.com/rs/zerolog"
)

// cacheDispatcher triages requests on the cache queue: fresh hits are
// answered from the cache, everything else moves on to the network queue.
type cacheDispatcher struct {
	q      *RequestQueue
	logger zerolog.Logger
}

func newCacheDispatcher(q *RequestQueue) *cacheDispatcher {
	return &cacheDispatcher{
		q:      q,
		logger: q.parentLogger.With().Str("component", "cache-dispatcher").Logger(),
	}
}

func (d *cacheDispatcher) run(ctx context.Context) {
	d.q.initializeCache(ctx)
	d.logger.Debug().Msg("Cache dispatcher running")

	for {
		r, err := d.q.cacheQueue.Take(ctx)
		if err != nil {
			d.logger.Debug().Msg("Cache dispatcher quitting")
			return
		}
		d.process(ctx, r)
	}
}

func (d *cacheDispatcher) process(ctx context.Context, r Request) {
	b := r.base()
	defer func() {
		if p := recover(); p != nil {
			recoveredPanicsTotal.WithLabelValues("cache-dispatcher").Inc()
			d.logger.Error().
				Str("trace_id", b.TraceID()).
				Str("url", r.URL()).
				Interface("panic", p).
				Msg("Unhandled panic in cache dispatcher")
			if !b.HasHadResponseDelivered() {
				d.q.delivery.PostError(r, &network.Error{
					Class: network.ErrorClassUnknown,
					Err:   fmt.Errorf("cache dispatch: %v", p),
				})
			}
		}
	}()

	b.AddMarker("cache-queue-take")

	if b.IsCanceled() {
		finish(r, "cache-discard-canceled")
		return
	}

	key := b.CacheKey()
	entry, err := d.q.cache.Get(context.WithoutCancel(ctx), key)
	if err != nil || entry == nil {
		if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			d.logger.Warn().Err(err).Str("cache_key", key).Msg("Cache read failed, treating as miss")
		}
		b.AddMarker("cache-miss")
		cacheLookupsTotal.WithLabelValues("miss").Inc()
		d.toNetwork(r)
		return
	}

	if entry.IsExpired() {
		b.AddMarker("cache-hit-expired")
		cacheLookupsTotal.WithLabelValues("expired").Inc()
		b.SetCacheEntry(entry)
		d.toNetwork(r)
		return
	}

	if entry.RefreshNeeded() {
		b.AddMarker("cache-hit-refresh-needed")
		cacheLookupsTotal.WithLabelValues("refresh").Inc()
		b.SetCacheEntry(entry)
		if !d.q.config.ServeStale {
			d.toNetwork(r)
			return
		}
		d.serveStale(ctx, r, entry)
		return
	}

	b.AddMarker("cache-hit")
	cacheLookupsTotal.WithLabelValues("hit").Inc()
	resp, ok := d.parseEntry(ctx, r, entry)
	if !ok {
		d.toNetwork(r)
		return
	}
	b.AddMarker("cache-hit-parsed")
	d.q.delivery.PostResponse(r, resp)
}

// serveStale delivers entry as an intermediate response, then revalidates.
func (d *cacheDispatcher) serveStale(ctx context.Context, r Request, entry *cache.Entry) {
	resp, ok := d.parseEntry(ctx, r, entry)
	if !ok {
		d.toNetwork(r)
		return
	}
	resp.Intermediate = true

	if d.q.waiting.maybeAdd(r) {
		// the in-flight leader's result reaches r through the waiting map
		d.q.delivery.PostResponse(r, resp)
		return
	}
	d.q.delivery.PostResponseThen(r, resp, func() {
		d.q.networkQueue.Put(r)
	})
}

// parseEntry parses a cached payload. A payload that no longer parses is
// fully expired and detached from the request.
func (d *cacheDispatcher) parseEntry(ctx context.Context, r Request, entry *cache.Entry) (*Response, bool) {
	b := r.base()
	resp, err := parseSafely(r, responseFromEntry(entry))
	if err == nil {
		return resp, true
	}

	b.AddMarker("cache-parsing-failed")
	b.SetCacheEntry(nil)
	d.logger.Warn().Err(err).Str("cache_key", b.CacheKey()).Msg("Cached entry failed to parse, invalidating")
	if err := d.q.cache.Invalidate(context.WithoutCancel(ctx), b.CacheKey(), true); err != nil {
		d.logger.Warn().Err(err).Str("cache_key", b.CacheKey()).Msg("Failed to invalidate cache entry")
	}
	return nil, false
}

// toNetwork forwards r to the network queue unless a request for the same
// key is already in flight.
func (d *cacheDispatcher) toNetwork(r Request) {
	if d.q.waiting.maybeAdd(r) {
		return
	}
	d.q.networkQueue.Put(r)
}
