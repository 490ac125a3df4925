// Package buffer holds readings between pushes.
package buffer

import (
	"sync"

	"go.uber.org/zap"
)

// Ring is a thread-safe bounded FIFO. When full, the oldest item is dropped.
type Ring[T any] struct {
	mu      sync.Mutex
	items   []T
	start   int
	count   int
	dropped int
	logger  *zap.Logger
}

// New creates a Ring holding at most capacity items
func New[T any](capacity int, logger *zap.Logger) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		items:  make([]T, capacity),
		logger: logger,
	}
}

// Push appends items in order, overwriting the oldest ones when full
func (r *Ring[T]) Push(items ...T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.items)
	overwritten := 0
	for _, item := range items {
		end := (r.start + r.count) % capacity
		r.items[end] = item
		if r.count == capacity {
			r.start = (r.start + 1) % capacity
			overwritten++
		} else {
			r.count++
		}
	}

	if overwritten > 0 {
		r.dropped += overwritten
		r.logger.Warn("buffer full, dropped oldest readings",
			zap.Int("capacity", capacity),
			zap.Int("dropped", overwritten),
		)
	}
}

// Drain returns all items oldest first and empties the ring
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}

	out := make([]T, r.count)
	capacity := len(r.items)
	var zero T
	for i := range out {
		idx := (r.start + i) % capacity
		out[i] = r.items[idx]
		r.items[idx] = zero
	}
	r.start, r.count = 0, 0
	return out
}

// Len returns the number of buffered items
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the capacity
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Dropped returns how many items were overwritten since creation
func (r *Ring[T]) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
