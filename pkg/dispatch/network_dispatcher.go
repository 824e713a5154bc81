package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/reqdispatch/pkg/network"
	"github.com/rs/zerolog"
)

// networkDispatcher performs requests taken from the network queue. Several
// run concurrently over the same queue.
type networkDispatcher struct {
	q      *RequestQueue
	id     int
	logger zerolog.Logger
}

func newNetworkDispatcher(q *RequestQueue, id int) *networkDispatcher {
	return &networkDispatcher{
		q:      q,
		id:     id,
		logger: q.parentLogger.With().Str("component", "network-dispatcher").Int("worker", id).Logger(),
	}
}

func (d *networkDispatcher) run(ctx context.Context) {
	// stopping the queue must not abort a transport call already running
	transportCtx := context.WithoutCancel(ctx)

	for {
		r, err := d.q.networkQueue.Take(ctx)
		if err != nil {
			d.logger.Debug().Msg("Network dispatcher quitting")
			return
		}
		d.process(transportCtx, r)
	}
}

func (d *networkDispatcher) process(ctx context.Context, r Request) {
	start := time.Now()
	b := r.base()
	posted := false

	defer func() {
		if p := recover(); p != nil {
			elapsed := time.Since(start)
			recoveredPanicsTotal.WithLabelValues("network-dispatcher").Inc()
			d.logger.Error().
				Str("trace_id", b.TraceID()).
				Str("url", r.URL()).
				Interface("panic", p).
				Msg("Unhandled panic in network dispatcher")
			if posted || b.finished.Load() {
				return
			}
			err := &network.Error{
				Class:       network.ErrorClassUnknown,
				NetworkTime: elapsed,
				Err:         fmt.Errorf("network dispatch: %v", p),
			}
			notifyResponseReceived(r, &outcome{err: err})
			d.q.delivery.PostError(r, err)
		}
	}()

	b.AddMarker("network-queue-take")

	if b.IsCanceled() {
		finish(r, "network-discard-cancelled")
		return
	}

	raw, err := d.q.network.PerformRequest(ctx, r)
	if err != nil {
		elapsed := time.Since(start)
		networkDuration.WithLabelValues("error").Observe(elapsed.Seconds())
		transportErr := withNetworkTime(err, elapsed)
		err = r.ParseNetworkError(transportErr)
		posted = true
		notifyResponseReceived(r, &outcome{err: err, transportErr: transportErr})
		d.q.delivery.PostError(r, err)
		return
	}
	b.AddMarker("network-http-complete")

	// a revalidation that changed nothing must not produce a second callback
	if raw.NotModified && b.HasHadResponseDelivered() {
		networkDuration.WithLabelValues("not_modified").Observe(time.Since(start).Seconds())
		notifyResponseReceived(r, &outcome{raw: raw})
		finish(r, "not-modified")
		return
	}

	resp, err := parseSafely(r, raw)
	if err != nil {
		networkDuration.WithLabelValues("parse_error").Observe(time.Since(start).Seconds())
		posted = true
		notifyResponseReceived(r, &outcome{raw: raw, err: err})
		d.q.delivery.PostError(r, err)
		return
	}
	b.AddMarker("network-parse-complete")

	if b.ShouldCache() && resp.CacheEntry != nil {
		if err := d.q.cache.Put(ctx, b.CacheKey(), resp.CacheEntry); err != nil {
			d.logger.Warn().Err(err).Str("cache_key", b.CacheKey()).Msg("Failed to write cache entry")
		} else {
			b.AddMarker("network-cache-written")
		}
	}

	elapsed := time.Since(start)
	networkDuration.WithLabelValues("success").Observe(elapsed.Seconds())
	d.logger.Debug().
		Str("trace_id", b.TraceID()).
		Str("url", r.URL()).
		Int("status", raw.StatusCode).
		Bool("not_modified", raw.NotModified).
		Dur("elapsed", elapsed).
		Msg("Request complete")

	posted = true
	notifyResponseReceived(r, &outcome{resp: resp, raw: raw})
	d.q.delivery.PostResponse(r, resp)
}

// withNetworkTime makes sure err reports the elapsed time. Errors that are
// not transport errors are wrapped as network-class ones.
func withNetworkTime(err error, elapsed time.Duration) error {
	if e, ok := network.AsError(err); ok {
		if e.NetworkTime == 0 {
			e.NetworkTime = elapsed
		}
		return err
	}
	class := network.ErrorClassNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		class = network.ErrorClassTimeout
	}
	return &network.Error{Class: class, NetworkTime: elapsed, Err: err}
}

// parseSafely runs the request's parse hook, turning panics and failures
// into *network.ParseError.
func parseSafely(r Request, raw *network.Response) (resp *Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			resp = nil
			err = network.NewParseError(raw, fmt.Errorf("panic: %v", p))
		}
	}()

	if raw == nil {
		return nil, network.NewParseError(nil, errors.New("no response to parse"))
	}
	resp, err = r.ParseNetworkResponse(raw)
	if err != nil {
		var pe *network.ParseError
		if !errors.As(err, &pe) {
			err = network.NewParseError(raw, err)
		}
		return nil, err
	}
	if resp == nil {
		return nil, network.NewParseError(raw, errors.New("parser returned no response"))
	}
	return resp, nil
}
