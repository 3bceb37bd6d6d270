package events

import "sync"

// Ring is a fixed-capacity buffer retaining the most recent values.
type Ring[T any] struct {
	mu  sync.Mutex
	buf []T
	n   int
	at  int
}

// NewRing returns a Ring holding up to |capacity| values.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Add appends |v|, displacing the oldest value once full.
func (r *Ring[T]) Add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.at] = v
	r.at = (r.at + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

// Recent returns the retained values, oldest first.
func (r *Ring[T]) Recent() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out = make([]T, 0, r.n)
	var start = (r.at - r.n + len(r.buf)) % len(r.buf)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Len returns the number of retained values.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}
