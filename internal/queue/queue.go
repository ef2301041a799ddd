// Package queue implements a priority-stable send queue feeding a single
// pumper goroutine that paces writes to the session at MIN_GAP_MS, so
// every other component never touches the socket directly — the queue is
// the only path to Write.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrClosed is returned by Enqueue once the queue has been shut down.
var ErrClosed = errors.New("queue: closed")

// SendFunc performs the actual write (session.Write plus terminator) once
// the pumper has paced it. Returning an error does not stop the pumper;
// the error is only reported back to the enqueuer via Done.
type SendFunc func() error

// SendItem is one unit of work: a command to send, with a priority
// (higher runs first) and the time it was enqueued (breaks ties, oldest
// first — ordered by priority desc, then enqueuedAt asc). Done, if
// non-nil, receives the Send error (buffered,
// so the pumper never blocks on a caller that stopped listening).
type SendItem struct {
	Send       SendFunc
	Priority   int
	EnqueuedAt time.Time
	Label      string
	Done       chan error
}

// Send priorities, highest first.
const (
	PriorityWrite = 10 // VSW
	PrioritySend  = 5  // UI/raw send
	PriorityRead  = 0  // VGS#/VLB#/VGB#
)

// itemHeap implements container/heap.Interface, ordering by priority desc
// then enqueuedAt asc.
type itemHeap []*SendItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*SendItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// OnSent is an optional hook invoked by the pumper right after each send,
// used by internal/metrics to observe qlink_writes_total and
// qlink_write_gap_seconds without the queue importing the metrics package.
type OnSent func(label string, sentAt time.Time, gap time.Duration)

// SendQueue is the single path from the rest of the bridge to the wire.
// Safe for concurrent Enqueue from many goroutines; exactly one pumper
// goroutine drains it (single writer).
type SendQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   itemHeap
	closed  bool
	limiter *rate.Limiter

	lastSendAt time.Time
	onSent     OnSent
}

// New returns a SendQueue pacing sends to no more than one per minGap
// (MIN_GAP_MS). minGap <= 0 disables pacing (every send runs as soon as
// it's popped).
func New(minGap time.Duration, onSent OnSent) *SendQueue {
	q := &SendQueue{onSent: onSent}
	q.cond = sync.NewCond(&q.mu)
	if minGap > 0 {
		q.limiter = rate.NewLimiter(rate.Every(minGap), 1)
	}
	return q
}

// Enqueue adds item to the queue, waking the pumper. Returns ErrClosed if
// the queue has already been shut down.
func (q *SendQueue) Enqueue(item SendItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	heap.Push(&q.items, &item)
	q.cond.Signal()
	return nil
}

// Len returns the number of items currently queued.
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// LastSendAt returns the time of the most recent completed send, or the
// zero time if nothing has been sent yet.
func (q *SendQueue) LastSendAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastSendAt
}

// Run drives the pumper loop until ctx is cancelled or Close is called.
// Must be started in its own goroutine; returns when fully drained and
// stopped.
func (q *SendQueue) Run(ctx context.Context) {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.Close()
		case <-stop:
		}
	}()
	defer close(stop)

	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		item := heap.Pop(&q.items).(*SendItem)
		q.mu.Unlock()

		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				q.finish(item, err)
				continue
			}
		}

		err := item.Send()

		now := time.Now()
		q.mu.Lock()
		gap := now.Sub(q.lastSendAt)
		q.lastSendAt = now
		q.mu.Unlock()

		if q.onSent != nil {
			q.onSent(item.Label, now, gap)
		}
		q.finish(item, err)
	}
}

func (q *SendQueue) finish(item *SendItem, err error) {
	if item.Done == nil {
		return
	}
	select {
	case item.Done <- err:
	default:
	}
}

// Close shuts the queue down: the pumper finishes draining any already-
// popped item, stops accepting new ones, and Run returns once the queue
// is empty. Safe to call multiple times.
func (q *SendQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// Closed reports whether Close has been called.
func (q *SendQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
