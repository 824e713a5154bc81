package client

import (
	"context"
	"errors"
	"sync"

	"github.com/Sternrassler/reqdispatch/pkg/dispatch"
)

// Future turns a request's callbacks into a blocking call. It completes
// with the first result or error delivered; with ServeStale that may be the
// cached value.
type Future[T any] struct {
	done chan struct{}
	once sync.Once

	result T
	err    error

	mu      sync.Mutex
	request dispatch.Request
}

// NewFuture creates an incomplete future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// SetRequest records the request to cancel when Get gives up.
func (f *Future[T]) SetRequest(r dispatch.Request) {
	f.mu.Lock()
	f.request = r
	f.mu.Unlock()
}

// OnResponse is the success listener.
func (f *Future[T]) OnResponse(result T) {
	f.once.Do(func() {
		f.result = result
		close(f.done)
	})
}

// OnError is the error listener.
func (f *Future[T]) OnError(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once a result or error has arrived.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get waits for the result. If ctx ends first the request is cancelled and
// the returned error matches both ErrRequestCanceled and ctx.Err().
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
	}

	f.mu.Lock()
	r := f.request
	f.mu.Unlock()
	if r != nil {
		r.Cancel()
	}

	var zero T
	return zero, errors.Join(ErrRequestCanceled, ctx.Err())
}
