package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Sternrassler/reqdispatch/pkg/cache"
	"github.com/Sternrassler/reqdispatch/pkg/network"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultPoolSize is the default number of network dispatchers.
const DefaultPoolSize = 4

// ErrNilTag is returned by CancelAllTag for a nil tag.
var ErrNilTag = errors.New("cannot cancel all requests with a nil tag")

// Config configures a RequestQueue.
type Config struct {
	// PoolSize is the number of network dispatchers. Zero means DefaultPoolSize.
	PoolSize int

	// ServeStale delivers an unexpired entry that needs a refresh as an
	// intermediate response before revalidating it over the network. When
	// false such entries are always revalidated first.
	ServeStale bool

	// Delivery posts results. Nil builds an ExecutorDelivery over Executor.
	Delivery Delivery

	// Executor runs callbacks when Delivery is nil. Nil means DirectExecutor.
	Executor Executor

	// Logger is the parent of every queue, dispatcher and delivery logger.
	// Defaults to the global logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{PoolSize: DefaultPoolSize}
}

// FinishedListener is called when a request finishes.
type FinishedListener func(r Request)

// ListenerID identifies a registered FinishedListener.
type ListenerID int64

type registeredListener struct {
	id ListenerID
	fn FinishedListener
}

// RequestQueue dispatches requests through a cache dispatcher and a pool of
// network dispatchers.
type RequestQueue struct {
	cache    cache.Cache
	network  network.Network
	delivery Delivery
	config   Config
	logger   zerolog.Logger

	// parentLogger is what dispatcher loggers derive from
	parentLogger zerolog.Logger

	cacheQueue   *priorityQueue
	networkQueue *priorityQueue
	waiting      *waitingRequests

	sequence atomic.Int64

	currentMu sync.Mutex
	current   map[Request]struct{}

	listenersMu    sync.Mutex
	listeners      []registeredListener
	nextListenerID ListenerID

	lifecycleMu     sync.Mutex
	cancel          context.CancelFunc
	wg              *sync.WaitGroup
	cacheReady      atomic.Bool
	cacheInitialize sync.Mutex
}

// NewRequestQueue creates a queue over the given cache and network. Call
// Start to begin processing.
func NewRequestQueue(c cache.Cache, n network.Network, cfg Config) *RequestQueue {
	if c == nil {
		panic("dispatch: nil cache")
	}
	if n == nil {
		panic("dispatch: nil network")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}

	parent := log.Logger
	if cfg.Logger != nil {
		parent = *cfg.Logger
	}
	logger := parent.With().Str("component", "request-queue").Logger()

	if cfg.Delivery == nil {
		cfg.Delivery = NewExecutorDelivery(cfg.Executor).WithLogger(parent)
	}

	q := &RequestQueue{
		cache:        c,
		network:      n,
		delivery:     cfg.Delivery,
		config:       cfg,
		logger:       logger,
		parentLogger: parent,
		cacheQueue:   newPriorityQueue("cache"),
		networkQueue: newPriorityQueue("network"),
		current:      make(map[Request]struct{}),
	}
	q.waiting = newWaitingRequests(q.networkQueue, q.delivery, logger)
	return q
}

// Start stops any running dispatchers and starts one cache dispatcher and
// PoolSize network dispatchers.
func (q *RequestQueue) Start() {
	q.Stop()

	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	q.cancel = cancel
	q.wg = wg

	cd := newCacheDispatcher(q)
	wg.Add(1)
	go func() {
		defer wg.Done()
		cd.run(ctx)
	}()

	for i := 0; i < q.config.PoolSize; i++ {
		nd := newNetworkDispatcher(q, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			nd.run(ctx)
		}()
	}

	q.logger.Info().
		Int("pool_size", q.config.PoolSize).
		Bool("serve_stale", q.config.ServeStale).
		Msg("Request queue started")
}

// Stop signals all dispatchers to quit. It does not wait for them, and
// requests in flight in the transport are not interrupted.
func (q *RequestQueue) Stop() {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()

	if q.cancel == nil {
		return
	}
	q.cancel()
	q.cancel = nil
	q.logger.Info().Msg("Request queue stopped")
}

// Wait blocks until the dispatchers of the last Start have exited.
func (q *RequestQueue) Wait() {
	q.lifecycleMu.Lock()
	wg := q.wg
	q.lifecycleMu.Unlock()
	if wg != nil {
		wg.Wait()
	}
}

// SequenceNumber returns the next sequence number.
func (q *RequestQueue) SequenceNumber() int64 {
	return q.sequence.Add(1)
}

// Cache returns the cache the queue reads and writes.
func (q *RequestQueue) Cache() cache.Cache {
	return q.cache
}

// Add submits r and returns it. It never blocks.
func (q *RequestQueue) Add(r Request) Request {
	b := r.base()
	b.setQueue(q)

	q.currentMu.Lock()
	q.current[r] = struct{}{}
	q.currentMu.Unlock()
	inFlight.Inc()

	b.sequence.Store(q.SequenceNumber())
	b.AddMarker("add-to-queue")

	if !b.ShouldCache() {
		submittedTotal.WithLabelValues("network").Inc()
		q.networkQueue.Put(r)
		return r
	}
	submittedTotal.WithLabelValues("cache").Inc()
	q.cacheQueue.Put(r)
	return r
}

// CancelAll cancels every in-flight request matching filter. Cancelled
// requests stay queued and are dropped when a dispatcher reaches them.
func (q *RequestQueue) CancelAll(filter func(Request) bool) {
	q.currentMu.Lock()
	defer q.currentMu.Unlock()
	for r := range q.current {
		if filter(r) {
			r.Cancel()
		}
	}
}

// CancelAllTag cancels every in-flight request whose tag equals tag. Tags
// must be comparable.
func (q *RequestQueue) CancelAllTag(tag any) error {
	if tag == nil {
		return ErrNilTag
	}
	q.CancelAll(func(r Request) bool {
		return r.base().Tag() == tag
	})
	return nil
}

// InFlight returns the number of requests added but not finished.
func (q *RequestQueue) InFlight() int {
	q.currentMu.Lock()
	defer q.currentMu.Unlock()
	return len(q.current)
}

// AddFinishedListener registers fn to run whenever a request finishes. fn
// runs on whichever goroutine finished the request.
func (q *RequestQueue) AddFinishedListener(fn FinishedListener) ListenerID {
	q.listenersMu.Lock()
	defer q.listenersMu.Unlock()
	q.nextListenerID++
	id := q.nextListenerID
	q.listeners = append(q.listeners, registeredListener{id: id, fn: fn})
	return id
}

// RemoveFinishedListener unregisters a listener. Unknown ids are ignored.
func (q *RequestQueue) RemoveFinishedListener(id ListenerID) {
	q.listenersMu.Lock()
	defer q.listenersMu.Unlock()
	for i, l := range q.listeners {
		if l.id == id {
			q.listeners = append(q.listeners[:i], q.listeners[i+1:]...)
			return
		}
	}
}

func (q *RequestQueue) finish(r Request) {
	q.currentMu.Lock()
	if _, ok := q.current[r]; ok {
		delete(q.current, r)
		inFlight.Dec()
	}
	q.currentMu.Unlock()

	q.listenersMu.Lock()
	listeners := make([]registeredListener, len(q.listeners))
	copy(listeners, q.listeners)
	q.listenersMu.Unlock()

	for _, l := range listeners {
		l.fn(r)
	}
}

// initializeCache runs Cache.Initialize until it first succeeds.
func (q *RequestQueue) initializeCache(ctx context.Context) {
	if q.cacheReady.Load() {
		return
	}
	q.cacheInitialize.Lock()
	defer q.cacheInitialize.Unlock()
	if q.cacheReady.Load() {
		return
	}
	if err := q.cache.Initialize(ctx); err != nil {
		q.logger.Warn().Err(err).Msg("Cache initialization failed, lookups will miss")
		return
	}
	q.cacheReady.Store(true)
}
