package arena

import (
	"errors"
	"sync"
	"testing"
)

type limitAcquirer struct {
	mu    sync.Mutex
	limit int64
	used  int64
}

func (l *limitAcquirer) AcquireMemory(bytes int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.used+bytes > l.limit {
		return errLimit
	}
	l.used += bytes
	return nil
}

func (l *limitAcquirer) ReleaseMemory(bytes int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.used -= bytes
}

var errLimit = errors.New("limit")

func TestArena_New(t *testing.T) {
	t.Run("default page size", func(t *testing.T) {
		a := New(0)
		defer a.Close()

		if a.PageSize() != DefaultPageSize {
			t.Errorf("expected pageSize=%d, got %d", DefaultPageSize, a.PageSize())
		}
	})

	t.Run("rounds to power of two", func(t *testing.T) {
		a := New(5000)
		defer a.Close()

		if a.PageSize() != 8192 {
			t.Errorf("expected pageSize=8192, got %d", a.PageSize())
		}
	})
}

func TestArena_Alloc(t *testing.T) {
	t.Run("zero size", func(t *testing.T) {
		a := New(MinPageSize)
		defer a.Close()

		ref, err := a.Alloc(0)
		if err != nil || !ref.IsNil() {
			t.Fatalf("expected nil ref, got %v, %v", ref, err)
		}
		if b := a.Bytes(ref, 0); b != nil {
			t.Error("expected nil bytes for nil ref")
		}
	})

	t.Run("blocks do not overlap", func(t *testing.T) {
		a := New(MinPageSize)
		defer a.Close()

		refs := make([]Ref, 50)
		for i := range refs {
			ref, err := a.Alloc(100)
			if err != nil {
				t.Fatalf("alloc %d: %v", i, err)
			}
			refs[i] = ref
			b := a.Bytes(ref, 100)
			for j := range b {
				b[j] = byte(i)
			}
		}

		for i, ref := range refs {
			for j, v := range a.Bytes(ref, 100) {
				if v != byte(i) {
					t.Fatalf("block %d byte %d = %d, want %d", i, j, v, i)
				}
			}
		}

		if a.Stats().PagesMapped < 2 {
			t.Error("expected multiple pages")
		}
	})

	t.Run("class rounding", func(t *testing.T) {
		a := New(MinPageSize)
		defer a.Close()

		cases := map[int]int{1: 16, 16: 16, 17: 32, 100: 128, 4096: 4096, 5000: 8192}
		for size, want := range cases {
			if got := a.ClassSize(size); got != want {
				t.Errorf("ClassSize(%d) = %d, want %d", size, got, want)
			}
		}
	})
}

func TestArena_FreeReuse(t *testing.T) {
	a := New(MinPageSize)
	defer a.Close()

	r1, _ := a.Alloc(64)
	r2, _ := a.Alloc(64)
	a.Free(r1, 64)

	r3, err := a.Alloc(60)
	if err != nil {
		t.Fatal(err)
	}
	if r3 != r1 {
		t.Errorf("expected freed block to be reused, got %#x want %#x", r3, r1)
	}

	s := a.Stats()
	if s.LiveAllocs != 2 {
		t.Errorf("expected 2 live allocs, got %d", s.LiveAllocs)
	}
	if s.Reused != 1 {
		t.Errorf("expected 1 reuse, got %d", s.Reused)
	}
	if s.BytesInUse != 128 {
		t.Errorf("expected 128 bytes in use, got %d", s.BytesInUse)
	}
	_ = r2
}

func TestArena_Large(t *testing.T) {
	a := New(MinPageSize)
	defer a.Close()

	ref, err := a.Alloc(3 * MinPageSize)
	if err != nil {
		t.Fatal(err)
	}
	b := a.Bytes(ref, 3*MinPageSize)
	b[len(b)-1] = 7

	before := a.Stats()
	a.Free(ref, 3*MinPageSize)
	after := a.Stats()

	if before.PagesMapped-after.PagesMapped != 1 {
		t.Errorf("expected the large page to be unmapped")
	}
	if before.BytesReserved-after.BytesReserved != 3*MinPageSize {
		t.Errorf("expected reserved bytes to drop by %d", 3*MinPageSize)
	}

	ref2, err := a.Alloc(2 * MinPageSize)
	if err != nil {
		t.Fatal(err)
	}
	if ref2.page() != ref.page() {
		t.Errorf("expected large page slot %d to be reused, got %d", ref.page(), ref2.page())
	}
}

func TestArena_MemoryAcquirer(t *testing.T) {
	acq := &limitAcquirer{limit: MinPageSize}
	a := New(MinPageSize, WithMemoryAcquirer(acq))

	if _, err := a.Alloc(2048); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Alloc(2048); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Alloc(16); !errors.Is(err, errLimit) {
		t.Fatalf("expected limit error, got %v", err)
	}
	if acq.used != MinPageSize {
		t.Errorf("expected %d bytes acquired, got %d", MinPageSize, acq.used)
	}

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if acq.used != 0 {
		t.Errorf("expected all memory released, got %d", acq.used)
	}
	if _, err := a.Alloc(16); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestArena_ConcurrentAlloc(t *testing.T) {
	a := New(MinPageSize)
	defer a.Close()

	var wg sync.WaitGroup
	refs := make([]Ref, 64)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref, err := a.Alloc(200)
			if err != nil {
				t.Error(err)
				return
			}
			b := a.Bytes(ref, 200)
			for j := range b {
				b[j] = byte(i)
			}
			refs[i] = ref
		}(i)
	}
	wg.Wait()

	for i, ref := range refs {
		if got := a.Bytes(ref, 200)[199]; got != byte(i) {
			t.Errorf("block %d corrupted: %d", i, got)
		}
	}
}

func TestArena_String(t *testing.T) {
	a := New(MinPageSize)
	defer a.Close()
	_, _ = a.Alloc(10)
	if s := a.String(); s == "" {
		t.Error("expected non-empty description")
	}
}
