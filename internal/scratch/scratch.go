// Package scratch provides the short-lived allocation class of a diff call:
// pooled slices that are handed out while the call runs and returned when
// the change set that references them is released.
package scratch

import "sync"

// maxRetain caps the capacity of slices kept for reuse so one huge diff does
// not pin its buffers forever.
const maxRetain = 1 << 20

// Pool recycles slices of T.
type Pool[T any] struct {
	p sync.Pool
}

// Get returns an empty slice with capacity of at least n.
func (p *Pool[T]) Get(n int) []T {
	if v := p.p.Get(); v != nil {
		s := *(v.(*[]T))
		if cap(s) >= n {
			return s[:0]
		}
	}
	return make([]T, 0, max(n, 16))
}

// Put returns s to the pool.
func (p *Pool[T]) Put(s []T) {
	if cap(s) == 0 || cap(s) > maxRetain {
		return
	}
	s = s[:0]
	p.p.Put(&s)
}

// Buffers tracks every slice handed out during one call so they can be
// returned together.
type Buffers[T any] struct {
	pool *Pool[T]
	mu   sync.Mutex
	held [][]T
}

// NewBuffers creates a tracker over pool.
func NewBuffers[T any](pool *Pool[T]) *Buffers[T] {
	return &Buffers[T]{pool: pool}
}

// Get returns a pooled slice and remembers it.
func (b *Buffers[T]) Get(n int) []T {
	s := b.pool.Get(n)
	b.mu.Lock()
	b.held = append(b.held, s)
	b.mu.Unlock()
	return s
}

// Release returns every remembered slice to the pool.
func (b *Buffers[T]) Release() {
	b.mu.Lock()
	held := b.held
	b.held = nil
	b.mu.Unlock()
	for _, s := range held {
		b.pool.Put(s)
	}
}
