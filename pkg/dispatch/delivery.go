package dispatch

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Delivery hands results back to callers.
type Delivery interface {
	// PostResponse delivers resp to r.
	PostResponse(r Request, resp *Response)

	// PostResponseThen delivers resp to r and runs then afterwards on the
	// same executor. then is skipped if r is cancelled by delivery time.
	PostResponseThen(r Request, resp *Response, then func())

	// PostError delivers err to r.
	PostError(r Request, err error)
}

// Executor runs delivery callbacks on the caller's chosen goroutine.
type Executor interface {
	Execute(task func())
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(task func())

// Execute calls f.
func (f ExecutorFunc) Execute(task func()) { f(task) }

// DirectExecutor runs tasks on the calling goroutine, which is a dispatcher
// goroutine. Callbacks must not block.
type DirectExecutor struct{}

// Execute runs task immediately.
func (DirectExecutor) Execute(task func()) { task() }

// SerialExecutor runs tasks one at a time, in submission order, on a single
// goroutine. Execute never blocks.
type SerialExecutor struct {
	mu     sync.Mutex
	tasks  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// NewSerialExecutor starts the delivery goroutine.
func NewSerialExecutor() *SerialExecutor {
	e := &SerialExecutor{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go e.loop()
	return e
}

// Execute queues task. After Close, tasks run on the calling goroutine.
func (e *SerialExecutor) Execute(task func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		task()
		return
	}
	e.tasks = append(e.tasks, task)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Close runs the queued tasks and stops the goroutine. It waits for the
// queue to drain.
func (e *SerialExecutor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	<-e.done
}

func (e *SerialExecutor) loop() {
	defer close(e.done)
	for {
		e.mu.Lock()
		batch := e.tasks
		e.tasks = nil
		closed := e.closed
		e.mu.Unlock()

		for _, task := range batch {
			task()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-e.wake
	}
}

// ExecutorDelivery posts results through an Executor.
type ExecutorDelivery struct {
	executor Executor
	logger   zerolog.Logger
}

// NewExecutorDelivery creates a Delivery running callbacks on executor.
func NewExecutorDelivery(executor Executor) *ExecutorDelivery {
	if executor == nil {
		executor = DirectExecutor{}
	}
	return &ExecutorDelivery{
		executor: executor,
		logger:   log.With().Str("component", "delivery").Logger(),
	}
}

// WithLogger makes d log through a child of parent and returns d.
func (d *ExecutorDelivery) WithLogger(parent zerolog.Logger) *ExecutorDelivery {
	d.logger = parent.With().Str("component", "delivery").Logger()
	return d
}

// PostResponse implements Delivery.
func (d *ExecutorDelivery) PostResponse(r Request, resp *Response) {
	d.PostResponseThen(r, resp, nil)
}

// PostResponseThen implements Delivery.
func (d *ExecutorDelivery) PostResponseThen(r Request, resp *Response, then func()) {
	b := r.base()
	b.markDelivered()
	b.AddMarker("post-response")
	d.executor.Execute(func() { d.deliver(r, resp, nil, then) })
}

// PostError implements Delivery.
func (d *ExecutorDelivery) PostError(r Request, err error) {
	r.base().AddMarker("post-error")
	d.executor.Execute(func() { d.deliver(r, nil, err, nil) })
}

func (d *ExecutorDelivery) deliver(r Request, resp *Response, err error, then func()) {
	b := r.base()
	if b.IsCanceled() {
		finish(r, "canceled-at-delivery")
		return
	}

	d.invoke(r, func() {
		if err != nil {
			r.DeliverError(err)
			return
		}
		r.DeliverResponse(resp.Result)
	})

	if err == nil && resp.Intermediate {
		b.AddMarker("intermediate-response")
	} else {
		finish(r, "done")
	}

	if then != nil {
		then()
	}
}

// invoke runs a caller callback, containing any panic it raises.
func (d *ExecutorDelivery) invoke(r Request, callback func()) {
	defer func() {
		if p := recover(); p != nil {
			recoveredPanicsTotal.WithLabelValues("delivery").Inc()
			d.logger.Error().
				Str("trace_id", r.base().TraceID()).
				Str("url", r.URL()).
				Interface("panic", p).
				Msg("Callback panicked")
		}
	}()
	callback()
}
