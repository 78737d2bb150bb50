package taskqueue

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO queue. Push never blocks, Pop blocks until an
// item is available, the queue is closed, or the context is done.
//
// Items pushed before Close are still handed out by Pop; ErrClosed is only
// returned once the queue is both closed and empty.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	// ready holds a token whenever items may be available.
	ready chan struct{}
	done  chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	q.items = append(q.items, item)
	q.signal()

	return nil
}

func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T

	for {
		q.mu.Lock()

		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]

			// other poppers may be waiting on the remaining items.
			if len(q.items) > 0 {
				q.signal()
			}

			q.mu.Unlock()

			return item, nil
		}

		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}

		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.ready:
		case <-q.done:
		}
	}
}

// Close stops the queue from accepting new items. It is safe to call more
// than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.done)
}

// Clear drops every pending item.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// signal must be called with q.mu held.
func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
