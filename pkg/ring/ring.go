// Package ring provides a thread-safe fixed-capacity ring buffer.
//
// Writes never block and never fail: once the buffer is full the oldest
// entry is overwritten. This gives bounded memory for "keep the most recent
// N" use cases such as announcement audit retention and recent-document
// history, where unbounded growth during a traffic storm is the failure
// mode being designed out.
package ring

import "sync"

// Buffer is a thread-safe circular buffer that overwrites the oldest
// entry when full.
type Buffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
}

// New creates a ring buffer with the given capacity.
// A capacity below 1 is raised to 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends an item, overwriting the oldest entry if the buffer is full.
func (b *Buffer[T]) Push(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Len returns the number of items currently stored.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the configured capacity.
func (b *Buffer[T]) Cap() int {
	return b.capacity
}

// Snapshot returns the stored items, oldest first.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]T, 0, b.size)
	start := b.head - b.size
	if start < 0 {
		start += b.capacity
	}
	for i := 0; i < b.size; i++ {
		out = append(out, b.items[(start+i)%b.capacity])
	}
	return out
}

// Latest returns the most recently pushed item, or the zero value and
// false if the buffer is empty.
func (b *Buffer[T]) Latest() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var zero T
	if b.size == 0 {
		return zero, false
	}
	idx := b.head - 1
	if idx < 0 {
		idx += b.capacity
	}
	return b.items[idx], true
}
