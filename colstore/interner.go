package colstore

import (
	"sync"

	"github.com/hupe1980/chunkdiff/model"
)

// Interner maps shared values to small integer handles. Equal bytes get the
// same handle. Handle 0 is never issued.
type Interner struct {
	mu      sync.RWMutex
	handles map[string]model.Handle
	values  [][]byte
}

// NewInterner creates an empty Interner.
func NewInterner() *Interner {
	return &Interner{handles: make(map[string]model.Handle)}
}

// Intern returns the handle of b, issuing a new one on first sight.
func (in *Interner) Intern(b []byte) model.Handle {
	in.mu.RLock()
	h, ok := in.handles[string(b)]
	in.mu.RUnlock()
	if ok {
		return h
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if h, ok := in.handles[string(b)]; ok {
		return h
	}
	in.values = append(in.values, append([]byte(nil), b...))
	h = model.Handle(len(in.values))
	in.handles[string(b)] = h
	return h
}

// Value returns the bytes interned under h.
func (in *Interner) Value(h model.Handle) ([]byte, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if h == 0 || int(h) > len(in.values) {
		return nil, false
	}
	return in.values[h-1], true
}

// Len returns the number of distinct values.
func (in *Interner) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.values)
}

// Intern interns v in in.
func Intern[T any](in *Interner, v T) model.Handle {
	return in.Intern(encode(v))
}

// Resolve returns the value interned under h.
func Resolve[T any](in *Interner, h model.Handle) (T, bool) {
	b, ok := in.Value(h)
	if !ok {
		var zero T
		return zero, false
	}
	return decode[T](b), true
}
