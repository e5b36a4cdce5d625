package queue

import (
	"context"
	"sync"
)

// Memory is an unbounded in-process queue.
type Memory[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	closed bool
}

// NewMemory creates an empty in-process queue.
func NewMemory[T any]() *Memory[T] {
	return &Memory[T]{notify: make(chan struct{})}
}

// Put appends item and wakes blocked readers.
func (q *Memory[T]) Put(_ context.Context, item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, item)
	close(q.notify)
	q.notify = make(chan struct{})
	return nil
}

// Get pops the oldest item, blocking while the queue is empty. Items still
// queued when the queue is closed are discarded.
func (q *Memory[T]) Get(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

// Len returns the number of queued items.
func (q *Memory[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close is idempotent.
func (q *Memory[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		q.items = nil
		close(q.notify)
	}
	return nil
}
