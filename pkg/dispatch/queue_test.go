package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queuedRequest(url string, seq int64, p Priority) *stringRequest {
	r := newStringRequest(url)
	r.sequence.Store(seq)
	r.SetPriority(p)
	return r
}

func TestPriorityQueue_Ordering(t *testing.T) {
	tests := []struct {
		name string
		in   []*stringRequest
		want []string
	}{
		{
			name: "same priority is FIFO",
			in: []*stringRequest{
				queuedRequest("a", 1, PriorityNormal),
				queuedRequest("b", 2, PriorityNormal),
				queuedRequest("c", 3, PriorityNormal),
			},
			want: []string{"a", "b", "c"},
		},
		{
			name: "higher priority wins regardless of sequence",
			in: []*stringRequest{
				queuedRequest("low", 1, PriorityLow),
				queuedRequest("high", 2, PriorityHigh),
				queuedRequest("normal", 3, PriorityNormal),
				queuedRequest("immediate", 4, PriorityImmediate),
			},
			want: []string{"immediate", "high", "normal", "low"},
		},
		{
			name: "ties broken by sequence within each class",
			in: []*stringRequest{
				queuedRequest("h2", 4, PriorityHigh),
				queuedRequest("l1", 1, PriorityLow),
				queuedRequest("h1", 2, PriorityHigh),
				queuedRequest("l2", 3, PriorityLow),
			},
			want: []string{"h1", "h2", "l1", "l2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newPriorityQueue("test")
			for _, r := range tt.in {
				q.Put(r)
			}

			var got []string
			for range tt.in {
				r, err := q.Take(context.Background())
				require.NoError(t, err)
				got = append(got, r.URL())
			}
			assert.Equal(t, tt.want, got)
			assert.Zero(t, q.Len())
		})
	}
}

func TestPriorityQueue_PriorityChangeAfterPut(t *testing.T) {
	q := newPriorityQueue("test")
	a := queuedRequest("a", 1, PriorityNormal)
	b := queuedRequest("b", 2, PriorityNormal)
	q.Put(a)
	q.Put(b)

	b.SetPriority(PriorityImmediate)

	r, err := q.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", r.URL(), "priority is fixed when the request is queued")
}

func TestPriorityQueue_TakeBlocksUntilPut(t *testing.T) {
	q := newPriorityQueue("test")
	got := make(chan Request, 1)

	go func() {
		r, err := q.Take(context.Background())
		if err == nil {
			got <- r
		}
	}()

	select {
	case <-got:
		t.Fatal("Take returned on an empty queue")
	case <-time.After(20 * time.Millisecond):
	}

	q.Put(queuedRequest("late", 1, PriorityNormal))

	select {
	case r := <-got:
		assert.Equal(t, "late", r.URL())
	case <-time.After(waitTimeout):
		t.Fatal("Take did not wake up")
	}
}

func TestPriorityQueue_TakeHonorsContext(t *testing.T) {
	q := newPriorityQueue("test")
	ctx, cancel := context.WithCancel(context.Background())

	errs := make(chan error, 1)
	go func() {
		_, err := q.Take(ctx)
		errs <- err
	}()

	cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitTimeout):
		t.Fatal("Take ignored cancellation")
	}
}

func TestPriority_String(t *testing.T) {
	assert.Equal(t, "low", PriorityLow.String())
	assert.Equal(t, "immediate", PriorityImmediate.String())
	assert.Equal(t, "priority(9)", Priority(9).String())
}
