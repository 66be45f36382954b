package scratch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_Get(t *testing.T) {
	var p Pool[uint32]

	s := p.Get(100)
	assert.Empty(t, s)
	assert.GreaterOrEqual(t, cap(s), 100)

	s = append(s, 1, 2, 3)
	p.Put(s)

	// Whatever comes back is empty and large enough.
	s = p.Get(10)
	assert.Empty(t, s)
	assert.GreaterOrEqual(t, cap(s), 10)

	p.Put(nil)
	p.Put(make([]uint32, 0, maxRetain+1))
}

func TestBuffers_Release(t *testing.T) {
	var p Pool[int]
	b := NewBuffers(&p)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := b.Get(32)
			assert.GreaterOrEqual(t, cap(s), 32)
		}()
	}
	wg.Wait()

	assert.Len(t, b.held, 8)
	b.Release()
	assert.Empty(t, b.held)
	b.Release()
}
