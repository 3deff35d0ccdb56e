// Package queue provides the unbounded duplex queues that connect a
// node's asynchronous I/O goroutines to the synchronous consumer side.
package queue

import (
	"context"
	"errors"
	"sync"

	ring "github.com/eapache/queue"
)

// ErrClosed is returned by send/receive operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO queue safe for multiple producers and
// consumers. Producers use TrySend (never blocks); the consumer side
// uses TryRecv for cooperative per-tick draining, while I/O goroutines
// may block in Recv.
type Queue[T any] struct {
	mu     sync.Mutex
	buf    *ring.Queue
	closed bool
	// notify carries at most one pending wakeup for blocked receivers.
	notify chan struct{}
}

// New returns an empty open queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		buf:    ring.New(),
		notify: make(chan struct{}, 1),
	}
}

// TrySend enqueues v without blocking. It fails only when the queue has
// been closed.
func (q *Queue[T]) TrySend(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.buf.Add(v)
	q.mu.Unlock()
	q.wake()
	return nil
}

// TryRecv removes and returns the oldest element, or ok=false when the
// queue is currently empty. A closed queue still drains its remaining
// elements before reporting empty.
func (q *Queue[T]) TryRecv() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.buf.Length() == 0 {
		return v, false
	}
	v = q.buf.Remove().(T)
	return v, true
}

// Recv blocks until an element is available, the queue is closed and
// drained, or ctx is done.
func (q *Queue[T]) Recv(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if q.buf.Length() > 0 {
			v := q.buf.Remove().(T)
			q.mu.Unlock()
			return v, nil
		}
		closed := q.closed
		q.mu.Unlock()
		var zero T
		if closed {
			return zero, ErrClosed
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.notify:
		}
	}
}

// Close marks the queue closed. Pending elements remain drainable via
// TryRecv; blocked receivers are woken.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf.Length()
}

func (q *Queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pair bundles the two directions of a node's data path: Out carries
// packets from the consumer to the socket writer, In carries packets
// from the socket reader to the consumer.
type Pair[T any] struct {
	Out *Queue[T]
	In  *Queue[T]
}

// NewPair returns a pair of fresh open queues.
func NewPair[T any]() Pair[T] {
	return Pair[T]{Out: New[T](), In: New[T]()}
}
