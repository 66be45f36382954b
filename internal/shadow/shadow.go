// Package shadow implements shadow storage: the differ's private copy of every
// tracked chunk as it looked at the end of the previous diff.
//
// Each entry owns two arena blocks sized for the chunk's capacity (record
// identities and payload), so refreshing an entry never reallocates. Entries
// are addressed by their key-table row; the row index is stable for the whole
// lifetime of the entry.
//
// Entry lifecycle:
//
//	Absent -> Allocated -> UpToDate -> Removed -> Absent
//
// Any other transition is a contract violation and panics.
package shadow

import (
	"fmt"
	"unsafe"

	"github.com/hupe1980/chunkdiff/internal/arena"
	"github.com/hupe1980/chunkdiff/internal/checkpoint"
	"github.com/hupe1980/chunkdiff/internal/keytable"
	"github.com/hupe1980/chunkdiff/model"
)

// State is the lifecycle state of an entry.
type State uint8

const (
	StateAbsent State = iota
	StateAllocated
	StateUpToDate
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateAllocated:
		return "allocated"
	case StateUpToDate:
		return "up-to-date"
	case StateRemoved:
		return "removed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Entry is the retained copy of one chunk.
type Entry struct {
	Seq           model.ChunkSeq
	Slot          int
	Count         int
	Capacity      int
	LayoutVersion uint64
	ColumnVersion uint64
	State         State

	records arena.Ref
	payload arena.Ref
}

// Table owns every shadow entry and the key table indexing them.
//
// Lookup, Entry, Records and Payload may be called concurrently with each
// other and with Store on distinct entries. Allocate, MarkRemoved, Retire and
// Discard mutate shared structure and must not overlap with anything else.
type Table struct {
	arena       *arena.Arena
	keys        *keytable.Table
	entries     []Entry
	index       map[model.ChunkSeq]int
	payloadSize int
	perChunk    bool
}

// New creates an empty Table that stores payloads of the given column.
func New(a *arena.Arena, column model.ColumnInfo) *Table {
	return &Table{
		arena:       a,
		keys:        keytable.New(0),
		index:       make(map[model.ChunkSeq]int),
		payloadSize: column.PayloadSize(),
		perChunk:    column.Kind.PerChunk(),
	}
}

func (t *Table) payloadCap(capacity int) int {
	if t.perChunk {
		return t.payloadSize
	}
	return capacity * t.payloadSize
}

func (t *Table) payloadLen(count int) int {
	if t.perChunk {
		return t.payloadSize
	}
	return count * t.payloadSize
}

// Lookup returns the row of the entry for seq.
func (t *Table) Lookup(seq model.ChunkSeq) (int, bool) {
	slot, ok := t.index[seq]
	return slot, ok
}

// Entry returns the entry stored in row slot.
func (t *Table) Entry(slot int) *Entry {
	e := &t.entries[slot]
	if key := t.keys.Key(slot); key != uint64(e.Seq) || e.Slot != slot {
		model.Violate("shadow", "entry for chunk %d records row %d but row %d holds key %d", e.Seq, e.Slot, slot, key)
	}
	return e
}

// Records returns the retained record identities of e.
func (t *Table) Records(e *Entry) []model.RecordID {
	if e.Count == 0 {
		return nil
	}
	b := t.arena.Bytes(e.records, e.Count*model.RecordIDSize)
	return unsafe.Slice((*model.RecordID)(unsafe.Pointer(&b[0])), e.Count) //nolint:gosec // arena blocks are 16-byte aligned
}

// Payload returns the retained payload bytes of e.
func (t *Table) Payload(e *Entry) []byte {
	if e.Count == 0 && !t.perChunk {
		return nil
	}
	return t.arena.Bytes(e.payload, t.payloadLen(e.Count))
}

// Allocate creates an entry for a newly seen chunk and returns its row.
// The entry stays in StateAllocated until its first Store.
func (t *Table) Allocate(seq model.ChunkSeq, capacity int) (int, error) {
	if seq == 0 {
		model.Violate("shadow", "chunk sequence number 0 is reserved")
	}
	if _, ok := t.index[seq]; ok {
		model.Violate("shadow", "chunk %d already has a shadow", seq)
	}

	records, err := t.arena.Alloc(capacity * model.RecordIDSize)
	if err != nil {
		return 0, err
	}
	payload, err := t.arena.Alloc(t.payloadCap(capacity))
	if err != nil {
		t.arena.Free(records, capacity*model.RecordIDSize)
		return 0, err
	}

	slot := t.keys.Insert(uint64(seq))
	e := Entry{
		Seq:      seq,
		Slot:     slot,
		Capacity: capacity,
		State:    StateAllocated,
		records:  records,
		payload:  payload,
	}
	if slot == len(t.entries) {
		t.entries = append(t.entries, e)
	} else {
		t.entries[slot] = e
	}
	t.index[seq] = slot
	return slot, nil
}

// Store overwrites the entry in row slot with the current chunk contents.
func (t *Table) Store(slot int, records []model.RecordID, payload []byte, layoutVersion, columnVersion uint64) {
	e := t.Entry(slot)
	switch e.State {
	case StateAllocated, StateUpToDate:
	default:
		model.Violate("shadow", "store into chunk %d in state %s", e.Seq, e.State)
	}
	if len(records) > e.Capacity {
		model.Violate("shadow", "chunk %d holds %d records, capacity %d", e.Seq, len(records), e.Capacity)
	}
	if e.State == StateUpToDate && (layoutVersion < e.LayoutVersion || columnVersion < e.ColumnVersion) {
		model.Violate("shadow", "chunk %d versions moved backwards", e.Seq)
	}
	if want := t.payloadLen(len(records)); t.payloadSize > 0 && len(payload) != want {
		model.Violate("shadow", "chunk %d payload is %d bytes, want %d", e.Seq, len(payload), want)
	}

	e.Count = len(records)
	if e.Count > 0 {
		b := t.arena.Bytes(e.records, e.Count*model.RecordIDSize)
		copy(b, unsafe.Slice((*byte)(unsafe.Pointer(&records[0])), len(b))) //nolint:gosec // RecordID is two uint32s
	}
	if t.payloadSize > 0 {
		copy(t.arena.Bytes(e.payload, t.payloadCap(e.Capacity)), payload)
	}
	e.LayoutVersion = layoutVersion
	e.ColumnVersion = columnVersion
	e.State = StateUpToDate
}

// Grow moves the entry in row slot into blocks sized for capacity, keeping
// its contents. It is a no-op if the entry is already large enough. On error
// the entry is unchanged.
func (t *Table) Grow(slot, capacity int) error {
	e := t.Entry(slot)
	if capacity <= e.Capacity {
		return nil
	}

	records, err := t.arena.Alloc(capacity * model.RecordIDSize)
	if err != nil {
		return err
	}
	payload, err := t.arena.Alloc(t.payloadCap(capacity))
	if err != nil {
		t.arena.Free(records, capacity*model.RecordIDSize)
		return err
	}

	n := e.Count * model.RecordIDSize
	copy(t.arena.Bytes(records, n), t.arena.Bytes(e.records, n))
	copy(t.arena.Bytes(payload, t.payloadLen(e.Count)), t.arena.Bytes(e.payload, t.payloadLen(e.Count)))

	t.arena.Free(e.records, e.Capacity*model.RecordIDSize)
	t.arena.Free(e.payload, t.payloadCap(e.Capacity))
	e.records, e.payload, e.Capacity = records, payload, capacity
	return nil
}

// MarkRemoved flags the entry in row slot for retirement.
func (t *Table) MarkRemoved(slot int) {
	e := t.Entry(slot)
	if e.State != StateUpToDate {
		model.Violate("shadow", "remove chunk %d in state %s", e.Seq, e.State)
	}
	e.State = StateRemoved
}

// Retire releases the storage of a removed entry and vacates its row.
func (t *Table) Retire(slot int) {
	e := t.Entry(slot)
	if e.State != StateRemoved {
		model.Violate("shadow", "retire chunk %d in state %s", e.Seq, e.State)
	}
	t.release(slot)
}

// Discard undoes an Allocate whose entry was never stored.
func (t *Table) Discard(slot int) {
	e := t.Entry(slot)
	if e.State != StateAllocated {
		model.Violate("shadow", "discard chunk %d in state %s", e.Seq, e.State)
	}
	t.release(slot)
}

func (t *Table) release(slot int) {
	e := &t.entries[slot]
	t.arena.Free(e.records, e.Capacity*model.RecordIDSize)
	t.arena.Free(e.payload, t.payloadCap(e.Capacity))
	delete(t.index, e.Seq)
	t.keys.Remove(slot)
	t.entries[slot] = Entry{}
}

// Keys returns the key-table rows; zero rows are vacated.
func (t *Table) Keys() []uint64 {
	return t.keys.Keys()
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	return t.keys.Live()
}

// FreeSlots returns the vacated rows, most recently vacated last.
func (t *Table) FreeSlots() []int32 {
	return t.keys.Free()
}

// Close releases every entry.
func (t *Table) Close() {
	for slot, key := range t.keys.Keys() {
		if key == 0 {
			continue
		}
		e := &t.entries[slot]
		t.arena.Free(e.records, e.Capacity*model.RecordIDSize)
		t.arena.Free(e.payload, t.payloadCap(e.Capacity))
	}
	t.keys = keytable.New(0)
	t.entries = nil
	t.index = make(map[model.ChunkSeq]int)
}

// Export copies the table into a checkpoint image.
func (t *Table) Export(column checkpoint.Column) *checkpoint.Image {
	img := &checkpoint.Image{
		Column:  column,
		Keys:    append([]uint64(nil), t.keys.Keys()...),
		Free:    append([]int32(nil), t.keys.Free()...),
		Entries: make([]checkpoint.Entry, 0, t.Len()),
	}
	for slot, key := range img.Keys {
		if key == 0 {
			continue
		}
		e := t.Entry(slot)
		if e.State != StateUpToDate {
			model.Violate("shadow", "export chunk %d in state %s", e.Seq, e.State)
		}
		img.Entries = append(img.Entries, checkpoint.Entry{
			Seq:           e.Seq,
			Slot:          int32(slot),
			Capacity:      uint32(e.Capacity),
			LayoutVersion: e.LayoutVersion,
			ColumnVersion: e.ColumnVersion,
			Records:       append([]model.RecordID(nil), t.Records(e)...),
			Payload:       append([]byte(nil), t.Payload(e)...),
		})
	}
	return img
}

// Restore rebuilds a Table from an image, preserving rows and the free stack.
// On error every block allocated so far is released.
func Restore(a *arena.Arena, column model.ColumnInfo, img *checkpoint.Image) (*Table, error) {
	keys, err := keytable.Restore(img.Keys, img.Free)
	if err != nil {
		return nil, err
	}

	t := New(a, column)
	t.keys = keys
	t.entries = make([]Entry, keys.Len())

	fail := func(err error) (*Table, error) {
		t.Close()
		return nil, err
	}

	if len(img.Entries) != keys.Live() {
		return fail(fmt.Errorf("%w: %d entries for %d live rows", keytable.ErrInvalidImage, len(img.Entries), keys.Live()))
	}

	for i := range img.Entries {
		ie := &img.Entries[i]
		slot := int(ie.Slot)
		if slot < 0 || slot >= keys.Len() || keys.Key(slot) != uint64(ie.Seq) || t.entries[slot].Seq != 0 {
			return fail(fmt.Errorf("%w: entry for chunk %d does not match row %d", keytable.ErrInvalidImage, ie.Seq, slot))
		}
		capacity := int(ie.Capacity)
		if len(ie.Records) > capacity || len(ie.Payload) != t.payloadLen(len(ie.Records)) && t.payloadSize > 0 {
			return fail(fmt.Errorf("%w: entry for chunk %d has inconsistent sizes", keytable.ErrInvalidImage, ie.Seq))
		}

		records, err := a.Alloc(capacity * model.RecordIDSize)
		if err != nil {
			return fail(err)
		}
		payload, err := a.Alloc(t.payloadCap(capacity))
		if err != nil {
			a.Free(records, capacity*model.RecordIDSize)
			return fail(err)
		}

		t.entries[slot] = Entry{
			Seq:      ie.Seq,
			Slot:     slot,
			Capacity: capacity,
			State:    StateAllocated,
			records:  records,
			payload:  payload,
		}
		t.index[ie.Seq] = slot
		t.Store(slot, ie.Records, ie.Payload, ie.LayoutVersion, ie.ColumnVersion)
	}
	return t, nil
}
