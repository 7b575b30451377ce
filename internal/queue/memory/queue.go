// Package memory provides the bounded in-process task queue stage workers
// drain.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue[T any] struct {
	ch      chan T
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		ch: make(chan T, capacity),
	}
}

// Fill builds a closed queue holding items in order, ready to be drained.
func Fill[T any](items []T) *Queue[T] {
	q := NewQueue[T](len(items))
	for _, item := range items {
		q.ch <- item
	}
	q.Close()
	return q
}

// Enqueue pushes an item into the queue or returns if the context ends.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation. Items still
// buffered after Close are handed out before ErrClosed. An ended ctx wins
// over buffered items.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, fmt.Errorf("dequeue canceled: %w", err)
	}
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return zero, ErrClosed
		}
		return item, nil
	}
}

// Len reports the number of buffered items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel. Enqueue after Close panics.
func (q *Queue[T]) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
