// Package keytable implements the shadow key table: an ordered array of chunk
// sequence numbers plus a stack of vacated row indices.
//
// Rows never move. Removal zeroes a row and pushes its index; insertion pops
// the most recently vacated index or appends. Stored row indices therefore
// stay valid for the lifetime of their entry.
package keytable

import (
	"errors"
	"fmt"
)

// ErrInvalidImage is returned by Restore when keys and free list disagree.
var ErrInvalidImage = errors.New("keytable: inconsistent image")

// Table maps row indices to chunk sequence numbers. Zero marks a vacated row.
//
// Table is not safe for concurrent mutation.
type Table struct {
	keys []uint64
	free []int32
}

// New creates a Table with room for capacity rows.
func New(capacity int) *Table {
	return &Table{keys: make([]uint64, 0, capacity)}
}

// Insert stores key in a free row and returns its index.
func (t *Table) Insert(key uint64) int {
	if key == 0 {
		panic("keytable: zero key is reserved for vacated rows")
	}
	if n := len(t.free); n > 0 {
		slot := int(t.free[n-1])
		t.free = t.free[:n-1]
		if t.keys[slot] != 0 {
			panic(fmt.Sprintf("keytable: free-listed row %d holds key %d", slot, t.keys[slot]))
		}
		t.keys[slot] = key
		return slot
	}
	t.keys = append(t.keys, key)
	return len(t.keys) - 1
}

// Remove vacates row slot and returns the key it held.
func (t *Table) Remove(slot int) uint64 {
	key := t.keys[slot]
	if key == 0 {
		panic(fmt.Sprintf("keytable: row %d already vacated", slot))
	}
	t.keys[slot] = 0
	t.free = append(t.free, int32(slot))
	return key
}

// Key returns the key stored in row slot, or 0 if vacated.
func (t *Table) Key(slot int) uint64 {
	return t.keys[slot]
}

// Len returns the number of rows, vacated ones included.
func (t *Table) Len() int {
	return len(t.keys)
}

// Live returns the number of occupied rows.
func (t *Table) Live() int {
	return len(t.keys) - len(t.free)
}

// Keys returns the rows. The slice must not be modified and is only valid
// until the next Insert.
func (t *Table) Keys() []uint64 {
	return t.keys
}

// Free returns the vacated row indices, most recently vacated last.
func (t *Table) Free() []int32 {
	return t.free
}

// Restore rebuilds a Table from its rows and free stack.
func Restore(keys []uint64, free []int32) (*Table, error) {
	vacated := 0
	for _, k := range keys {
		if k == 0 {
			vacated++
		}
	}
	if vacated != len(free) {
		return nil, fmt.Errorf("%w: %d vacated rows, %d free indices", ErrInvalidImage, vacated, len(free))
	}

	seen := make(map[int32]struct{}, len(free))
	for _, slot := range free {
		if slot < 0 || int(slot) >= len(keys) || keys[slot] != 0 {
			return nil, fmt.Errorf("%w: free index %d does not point to a vacated row", ErrInvalidImage, slot)
		}
		if _, dup := seen[slot]; dup {
			return nil, fmt.Errorf("%w: free index %d listed twice", ErrInvalidImage, slot)
		}
		seen[slot] = struct{}{}
	}

	t := &Table{
		keys: append([]uint64(nil), keys...),
		free: append([]int32(nil), free...),
	}
	return t, nil
}
