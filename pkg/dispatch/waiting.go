package dispatch

import (
	"reflect"
	"sync"

	"github.com/rs/zerolog"
)

// waitingRequests coalesces requests that share a cache key onto one
// network fetch. A key is present while its leader is in flight; the slice
// holds the requests waiting on it.
type waitingRequests struct {
	mu      sync.Mutex
	waiting map[string][]Request

	network  *priorityQueue
	delivery Delivery
	logger   zerolog.Logger
}

func newWaitingRequests(network *priorityQueue, delivery Delivery, logger zerolog.Logger) *waitingRequests {
	return &waitingRequests{
		waiting:  make(map[string][]Request),
		network:  network,
		delivery: delivery,
		logger:   logger,
	}
}

// maybeAdd reports whether r was parked behind an in-flight request for the
// same key. When it returns false r is the leader and must be sent to the
// network.
func (w *waitingRequests) maybeAdd(r Request) bool {
	b := r.base()
	key := b.CacheKey()

	w.mu.Lock()
	defer w.mu.Unlock()

	if list, ok := w.waiting[key]; ok {
		w.waiting[key] = append(list, r)
		b.AddMarker("waiting-for-response")
		coalescedTotal.Inc()
		w.logger.Debug().
			Str("trace_id", b.TraceID()).
			Str("cache_key", key).
			Int("waiters", len(list)+1).
			Msg("Request already in flight")
		return true
	}

	w.waiting[key] = nil
	b.setCompleteListener(w.onComplete)
	return false
}

// onComplete is the leader's complete listener. A nil outcome means the
// leader finished without anything its waiters can use.
func (w *waitingRequests) onComplete(leader Request, o *outcome) {
	key := leader.base().CacheKey()

	w.mu.Lock()
	waiters := w.waiting[key]
	if o == nil {
		if len(waiters) == 0 {
			delete(w.waiting, key)
			w.mu.Unlock()
			return
		}
		next := waiters[0]
		w.waiting[key] = waiters[1:]
		next.base().setCompleteListener(w.onComplete)
		w.mu.Unlock()

		next.base().AddMarker("promoted-to-leader")
		w.logger.Debug().
			Str("trace_id", next.base().TraceID()).
			Str("cache_key", key).
			Msg("Waiter promoted to leader")
		w.network.Put(next)
		return
	}
	delete(w.waiting, key)
	w.mu.Unlock()

	for _, waiter := range waiters {
		w.resolve(leader, waiter, o)
	}
}

// resolve delivers the leader's outcome to one waiter. Waiters of the same
// kind share the parsed result or error; others run their own parse hooks
// on the raw response or transport error.
func (w *waitingRequests) resolve(leader, waiter Request, o *outcome) {
	sameKind := reflect.TypeOf(waiter) == reflect.TypeOf(leader)
	if o.transportErr != nil && !sameKind {
		w.delivery.PostError(waiter, mapErrorSafely(waiter, o.transportErr))
		return
	}
	if o.err != nil && (sameKind || o.raw == nil) {
		w.delivery.PostError(waiter, o.err)
		return
	}
	if o.raw != nil && o.raw.NotModified && waiter.base().HasHadResponseDelivered() {
		finish(waiter, "not-modified")
		return
	}

	resp := o.resp
	if resp == nil || !sameKind {
		parsed, err := parseSafely(waiter, o.raw)
		if err != nil {
			w.delivery.PostError(waiter, err)
			return
		}
		resp = parsed
	}
	w.delivery.PostResponse(waiter, resp)
}

// mapErrorSafely runs the waiter's ParseNetworkError, keeping err when the
// hook panics.
func mapErrorSafely(r Request, err error) (mapped error) {
	defer func() {
		if p := recover(); p != nil {
			recoveredPanicsTotal.WithLabelValues("waiting").Inc()
			mapped = err
		}
	}()
	return r.ParseNetworkError(err)
}

// pending returns the number of requests waiting on key.
func (w *waitingRequests) pending(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiting[key])
}
