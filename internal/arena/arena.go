package arena

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/chunkdiff/internal/mmap"
)

// MemoryAcquirer accounts for mapped memory.
type MemoryAcquirer interface {
	AcquireMemory(bytes int64) error
	ReleaseMemory(bytes int64)
}

var (
	// ErrMaxPagesExceeded is returned when the page directory is full.
	ErrMaxPagesExceeded = errors.New("arena: max pages exceeded")
	// ErrClosed is returned when allocating from a closed arena.
	ErrClosed = errors.New("arena: closed")
)

const (
	// DefaultPageSize is the default size of a page (1 MiB).
	DefaultPageSize = 1 << 20
	// MinPageSize is the smallest accepted page size.
	MinPageSize = 4096
	// MaxPages bounds the page directory.
	MaxPages = 1 << 14

	minClassShift = 4 // 16-byte minimum block
	largeRound    = 4096
)

// Ref addresses a block inside the arena. The zero Ref is nil.
type Ref uint64

func makeRef(page, off int) Ref {
	return Ref(uint64(page+1)<<32 | uint64(uint32(off)))
}

// IsNil reports whether r addresses nothing.
func (r Ref) IsNil() bool { return r == 0 }

func (r Ref) page() int   { return int(r>>32) - 1 }
func (r Ref) offset() int { return int(uint32(r)) }

// Stats tracks arena memory usage.
type Stats struct {
	PagesMapped   uint64 // Current: mapped pages, including large ones
	BytesReserved uint64 // Current: bytes mapped from the OS
	BytesInUse    uint64 // Current: bytes held by live blocks (class-rounded)
	LiveAllocs    uint64 // Current: live blocks
	TotalAllocs   uint64 // Historical: allocations served
	Reused        uint64 // Historical: allocations served from a free list
}

type atomicStats struct {
	pagesMapped   atomic.Uint64
	bytesReserved atomic.Uint64
	bytesInUse    atomic.Uint64
	liveAllocs    atomic.Uint64
	totalAllocs   atomic.Uint64
	reused        atomic.Uint64
}

type page struct {
	data    []byte
	mapping *mmap.Mapping
	large   bool
}

// Arena is a page-based block allocator with size-class free lists.
type Arena struct {
	pageSize int
	pages    [MaxPages]atomic.Pointer[page]

	mu        sync.Mutex
	pageCount int   // high-water mark of used directory slots
	freePages []int // directory slots vacated by large blocks
	cur       int   // bump page, -1 if none
	off       int   // bump offset in cur
	free      [][]Ref
	closed    bool

	stats    atomicStats
	acquirer MemoryAcquirer
}

// Option is a configuration option for Arena.
type Option func(*Arena)

// WithMemoryAcquirer sets the memory acquirer for the arena.
func WithMemoryAcquirer(acquirer MemoryAcquirer) Option {
	return func(a *Arena) {
		a.acquirer = acquirer
	}
}

// New creates an Arena. pageSize is rounded up to a power of two; values
// below MinPageSize select DefaultPageSize.
func New(pageSize int, opts ...Option) *Arena {
	if pageSize < MinPageSize {
		pageSize = DefaultPageSize
	}
	pageSize = 1 << bits.Len(uint(pageSize-1))

	a := &Arena{
		pageSize: pageSize,
		cur:      -1,
		free:     make([][]Ref, classIndex(pageSize)+1),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// PageSize returns the page size in bytes.
func (a *Arena) PageSize() int { return a.pageSize }

// ClassSize returns the number of bytes reserved for a request of size bytes.
func (a *Arena) ClassSize(size int) int {
	if size <= 0 {
		return 0
	}
	cs := classSize(size)
	if cs > a.pageSize {
		return roundUp(size, largeRound)
	}
	return cs
}

func classSize(size int) int {
	if size <= 1<<minClassShift {
		return 1 << minClassShift
	}
	return 1 << bits.Len(uint(size-1))
}

func classIndex(cs int) int {
	return bits.Len(uint(cs-1)) - minClassShift
}

func roundUp(n, to int) int {
	return (n + to - 1) / to * to
}

// Alloc reserves a block of at least size bytes. Its contents are undefined.
// A non-positive size returns the nil Ref.
func (a *Arena) Alloc(size int) (Ref, error) {
	if size <= 0 {
		return 0, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrClosed
	}

	cs := classSize(size)
	if cs > a.pageSize {
		return a.allocLargeLocked(roundUp(size, largeRound))
	}

	ci := classIndex(cs)
	if n := len(a.free[ci]); n > 0 {
		ref := a.free[ci][n-1]
		a.free[ci] = a.free[ci][:n-1]
		a.stats.reused.Add(1)
		a.account(cs)
		return ref, nil
	}

	if a.cur < 0 || a.off+cs > a.pageSize {
		idx, err := a.mapPageLocked(a.pageSize, false)
		if err != nil {
			return 0, err
		}
		// The tail of the previous page is abandoned; blocks never span pages.
		a.cur, a.off = idx, 0
	}

	ref := makeRef(a.cur, a.off)
	a.off += cs
	a.account(cs)
	return ref, nil
}

func (a *Arena) allocLargeLocked(size int) (Ref, error) {
	idx, err := a.mapPageLocked(size, true)
	if err != nil {
		return 0, err
	}
	a.account(size)
	return makeRef(idx, 0), nil
}

func (a *Arena) account(bytes int) {
	a.stats.bytesInUse.Add(uint64(bytes))
	a.stats.liveAllocs.Add(1)
	a.stats.totalAllocs.Add(1)
}

func (a *Arena) mapPageLocked(size int, large bool) (int, error) {
	var idx int
	if large && len(a.freePages) > 0 {
		idx = a.freePages[len(a.freePages)-1]
	} else {
		if a.pageCount >= MaxPages {
			return 0, ErrMaxPagesExceeded
		}
		idx = a.pageCount
	}

	if a.acquirer != nil {
		if err := a.acquirer.AcquireMemory(int64(size)); err != nil {
			return 0, fmt.Errorf("arena: reserve %d bytes: %w", size, err)
		}
	}

	m, err := mmap.MapAnon(size)
	if err != nil {
		if a.acquirer != nil {
			a.acquirer.ReleaseMemory(int64(size))
		}
		return 0, fmt.Errorf("arena: map page: %w", err)
	}

	if large && len(a.freePages) > 0 {
		a.freePages = a.freePages[:len(a.freePages)-1]
	} else {
		a.pageCount++
	}

	a.pages[idx].Store(&page{data: m.Bytes(), mapping: m, large: large})
	a.stats.pagesMapped.Add(1)
	a.stats.bytesReserved.Add(uint64(size))
	return idx, nil
}

// Free releases the block at ref that was allocated with the given size.
func (a *Arena) Free(ref Ref, size int) {
	if ref.IsNil() || size <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}

	p := a.pages[ref.page()].Load()
	if p == nil {
		panic(fmt.Sprintf("arena: free of unmapped ref %#x", uint64(ref)))
	}

	if p.large {
		n := len(p.data)
		a.pages[ref.page()].Store(nil)
		_ = p.mapping.Close()
		a.freePages = append(a.freePages, ref.page())
		a.stats.pagesMapped.Add(^uint64(0))
		a.stats.bytesReserved.Add(^uint64(n - 1))
		a.stats.bytesInUse.Add(^uint64(n - 1))
		a.stats.liveAllocs.Add(^uint64(0))
		if a.acquirer != nil {
			a.acquirer.ReleaseMemory(int64(n))
		}
		return
	}

	cs := classSize(size)
	ci := classIndex(cs)
	a.free[ci] = append(a.free[ci], ref)
	a.stats.bytesInUse.Add(^uint64(cs - 1))
	a.stats.liveAllocs.Add(^uint64(0))
}

// Bytes returns the first size bytes of the block at ref.
// The slice is valid until the block is freed or the arena is closed.
func (a *Arena) Bytes(ref Ref, size int) []byte {
	if ref.IsNil() || size <= 0 {
		return nil
	}
	p := a.pages[ref.page()].Load()
	if p == nil {
		panic(fmt.Sprintf("arena: stale ref %#x", uint64(ref)))
	}
	off := ref.offset()
	return p.data[off : off+size : off+size]
}

// Stats returns the current arena statistics.
func (a *Arena) Stats() Stats {
	return Stats{
		PagesMapped:   a.stats.pagesMapped.Load(),
		BytesReserved: a.stats.bytesReserved.Load(),
		BytesInUse:    a.stats.bytesInUse.Load(),
		LiveAllocs:    a.stats.liveAllocs.Load(),
		TotalAllocs:   a.stats.totalAllocs.Load(),
		Reused:        a.stats.reused.Load(),
	}
}

// Close unmaps every page. Refs handed out before become invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	var firstErr error
	for i := 0; i < a.pageCount; i++ {
		p := a.pages[i].Swap(nil)
		if p == nil {
			continue
		}
		if err := p.mapping.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.acquirer != nil {
		if reserved := a.stats.bytesReserved.Load(); reserved > 0 {
			a.acquirer.ReleaseMemory(int64(reserved))
		}
	}

	a.pageCount = 0
	a.freePages = nil
	a.cur, a.off = -1, 0
	for i := range a.free {
		a.free[i] = nil
	}
	a.stats.pagesMapped.Store(0)
	a.stats.bytesReserved.Store(0)
	a.stats.bytesInUse.Store(0)
	a.stats.liveAllocs.Store(0)
	return firstErr
}

func (a *Arena) String() string {
	s := a.Stats()
	return fmt.Sprintf(
		"Arena{pages: %d, reserved: %.2f MB, in use: %.2f MB, live: %d, allocs: %d, reused: %d}",
		s.PagesMapped,
		float64(s.BytesReserved)/(1024*1024),
		float64(s.BytesInUse)/(1024*1024),
		s.LiveAllocs,
		s.TotalAllocs,
		s.Reused,
	)
}
