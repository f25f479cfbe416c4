package transcript

import (
	"context"
	"errors"
	"sync"

	"github.com/gammazero/deque"

	"github.com/lexiqai/speech-relay/internal/observability"
)

// ErrQueueClosed is returned by Pop once the queue is closed and drained
var ErrQueueClosed = errors.New("transcript queue closed")

// Queue is an unbounded FIFO of results. Push never blocks; Pop blocks until
// a result is available, the context ends, or the queue is closed and empty.
type Queue struct {
	mu     sync.Mutex
	items  deque.Deque[Result]
	ready  chan struct{}
	done   chan struct{}
	closed bool
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends a result. Pushing to a closed queue is an error.
func (q *Queue) Push(r Result) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items.PushBack(r)
	n := q.items.Len()
	q.mu.Unlock()

	observability.SetQueueDepth(n)
	q.signal()
	return nil
}

// Requeue puts a result back at the head, for a consumer that popped it but
// could not deliver it
func (q *Queue) Requeue(r Result) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items.PushFront(r)
	n := q.items.Len()
	q.mu.Unlock()

	observability.SetQueueDepth(n)
	q.signal()
	return nil
}

// TryPop removes the oldest result without blocking
func (q *Queue) TryPop() (Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return Result{}, false
	}
	r := q.items.PopFront()
	observability.SetQueueDepth(q.items.Len())
	if q.items.Len() > 0 {
		q.signal()
	}
	return r, true
}

// Pop removes the oldest result, waiting for one if the queue is empty
func (q *Queue) Pop(ctx context.Context) (Result, error) {
	for {
		if r, ok := q.TryPop(); ok {
			return r, nil
		}

		q.mu.Lock()
		closed := q.closed && q.items.Len() == 0
		q.mu.Unlock()
		if closed {
			return Result{}, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-q.ready:
		case <-q.done:
		}
	}
}

// Len returns the number of queued results
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close stops further pushes and wakes blocked consumers once drained
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
