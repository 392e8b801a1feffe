package engine

import (
	"sync"

	"github.com/roach88/pmi/internal/ir"
)

// delivery is one broadcast as the receiver goroutine decoded it.
//
// Err is set when the payload could not be decoded; the loop must still
// answer the gather for it. RecvErr is set on the last delivery when the
// transport failed and nothing more will arrive.
type delivery struct {
	Command ir.Command
	Err     error
	RecvErr error
}

// commandQueue is a thread-safe FIFO of deliveries between the transport
// receiver goroutine and the worker loop.
//
// The receiver enqueues; only the loop dequeues. The controller waits for
// every gather before broadcasting again, so in practice the queue holds at
// most one delivery.
//
// The queue uses a channel for signaling so the loop can wait on it in a
// select together with its context and idle timer.
type commandQueue struct {
	mu     sync.Mutex
	items  []delivery
	closed bool
	signal chan struct{} // Signals availability (buffered, size 1)
}

func newCommandQueue() *commandQueue {
	return &commandQueue{
		items:  make([]delivery, 0, 4),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a delivery to the back of the queue.
// Returns false if the queue is closed.
func (q *commandQueue) Enqueue(d delivery) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, d)

	// Non-blocking: the buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front delivery without blocking.
func (q *commandQueue) TryDequeue() (delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return delivery{}, false
	}

	d := q.items[0]
	// Clear the slot so the backing array does not retain command args.
	q.items[0] = delivery{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}

	return d, true
}

// Wait returns a channel that signals when deliveries may be available.
// It is closed when the queue is closed.
func (q *commandQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *commandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close signals that no more deliveries will be enqueued and wakes waiters.
func (q *commandQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
