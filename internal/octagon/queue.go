package octagon

import (
	"context"
	"sync"
)

// operation is one unit of work for a context's loop.
type operation struct {
	name string
	id   string
	fn   func(ctx context.Context) error
	// done is buffered so the loop never blocks on a caller that gave up.
	done chan error
}

// opQueue is a thread-safe unbounded FIFO of operations.
//
// Any goroutine may enqueue; only the owning context's loop dequeues.
// The signal channel lets the loop wait without polling.
type opQueue struct {
	mu     sync.Mutex
	ops    []*operation
	closed bool
	signal chan struct{} // buffered, size 1
}

func newOpQueue() *opQueue {
	return &opQueue{
		ops:    make([]*operation, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds op to the back of the queue.
// Returns false if the queue is closed.
func (q *opQueue) Enqueue(op *operation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.ops = append(q.ops, op)

	// Non-blocking; the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front operation without blocking.
func (q *opQueue) TryDequeue() (*operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ops) == 0 {
		return nil, false
	}

	op := q.ops[0]
	q.ops[0] = nil
	if len(q.ops) == 1 {
		q.ops = q.ops[:0]
	} else {
		q.ops = q.ops[1:]
	}
	return op, true
}

// Wait returns a channel that signals when operations may be available.
// It is closed once the queue is closed.
func (q *opQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *opQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Drained reports whether the queue is closed and empty.
func (q *opQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.ops) == 0
}

// Close stops further enqueues. Queued operations still drain.
func (q *opQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
