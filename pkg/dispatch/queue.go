package dispatch

import (
	"container/heap"
	"context"
	"sync"
)

type queued struct {
	r        Request
	priority Priority
	sequence int64
}

// requestHeap orders by priority descending, then sequence ascending.
// Priority is captured at Put so a later SetPriority cannot corrupt the heap.
type requestHeap []queued

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].sequence < h[j].sequence
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = queued{}
	*h = old[:n-1]
	return item
}

// priorityQueue is an unbounded blocking priority queue safe for many
// producers and consumers.
type priorityQueue struct {
	name string

	mu    sync.Mutex
	items requestHeap
	// ready is closed and replaced whenever an item is added
	ready chan struct{}
}

func newPriorityQueue(name string) *priorityQueue {
	return &priorityQueue{name: name, ready: make(chan struct{})}
}

// Put adds r. It never blocks.
func (q *priorityQueue) Put(r Request) {
	q.mu.Lock()
	b := r.base()
	heap.Push(&q.items, queued{r: r, priority: b.Priority(), sequence: b.Sequence()})
	close(q.ready)
	q.ready = make(chan struct{})
	depth := len(q.items)
	q.mu.Unlock()

	queueDepth.WithLabelValues(q.name).Set(float64(depth))
}

// Take removes and returns the highest-priority request, blocking until one
// is available or ctx is done.
func (q *priorityQueue) Take(ctx context.Context) (Request, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			r := heap.Pop(&q.items).(queued).r
			depth := len(q.items)
			q.mu.Unlock()
			queueDepth.WithLabelValues(q.name).Set(float64(depth))
			return r, nil
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ready:
		}
	}
}

// Len returns the number of queued requests.
func (q *priorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
