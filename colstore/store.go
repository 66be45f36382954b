package colstore

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/hupe1980/chunkdiff/model"
)

// DefaultChunkCapacity is the number of records a chunk holds by default.
const DefaultChunkCapacity = 128

var (
	// ErrNotFound is returned for records that do not exist.
	ErrNotFound = errors.New("colstore: record not found")
	// ErrUnknownColumn is returned for columns that were not registered.
	ErrUnknownColumn = errors.New("colstore: unknown column")
	// ErrMissingColumn is returned when a record does not hold a column.
	ErrMissingColumn = errors.New("colstore: record does not hold column")
	// ErrDuplicateColumn is returned when registering a name twice.
	ErrDuplicateColumn = errors.New("colstore: duplicate column")
	// ErrTypeMismatch is returned when a value does not match its column.
	ErrTypeMismatch = errors.New("colstore: type mismatch")
)

// Option configures a Store.
type Option func(*Store)

// WithChunkCapacity sets the number of records per chunk.
func WithChunkCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithInterner shares an Interner between stores.
func WithInterner(in *Interner) Option {
	return func(s *Store) {
		if in != nil {
			s.interner = in
		}
	}
}

type recordSlot struct {
	gen   uint32
	alive bool
	chunk *chunk
	row   int
}

// Store is an in-memory chunked columnar store.
type Store struct {
	mu       sync.RWMutex
	capacity int
	interner *Interner

	columns []model.ColumnInfo // index ID-1
	byName  map[string]model.ColumnID

	slots []recordSlot
	free  []uint32
	alive int

	archetypes []*archetype // creation order
	byKey      map[string]*archetype
	chunks     int

	nextSeq model.ChunkSeq
	version uint64
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		capacity: DefaultChunkCapacity,
		byName:   make(map[string]model.ColumnID),
		byKey:    make(map[string]*archetype),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interner == nil {
		s.interner = NewInterner()
	}
	return s
}

// Interner returns the interner of shared values.
func (s *Store) Interner() *Interner { return s.interner }

// ChunkCapacity returns the number of records per chunk.
func (s *Store) ChunkCapacity() int { return s.capacity }

// Register adds a column of type T. IDs are assigned from 1.
func Register[T any](s *Store, name string, kind model.Kind) (model.ColumnInfo, error) {
	if kind == model.KindExistence {
		return model.ColumnInfo{}, fmt.Errorf("colstore: column %q: existence is not a column kind", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[name]; ok {
		return model.ColumnInfo{}, fmt.Errorf("%w: %q", ErrDuplicateColumn, name)
	}
	info, err := model.ColumnOf[T](model.ColumnID(len(s.columns)+1), name, kind)
	if err != nil {
		return model.ColumnInfo{}, err
	}
	s.columns = append(s.columns, info)
	s.byName[name] = info.ID
	return info, nil
}

// Column returns the column registered under id.
func (s *Store) Column(id model.ColumnID) (model.ColumnInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.columnLocked(id)
}

// ColumnByName returns the column registered under name.
func (s *Store) ColumnByName(name string) (model.ColumnInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	if !ok {
		return model.ColumnInfo{}, false
	}
	return s.columnLocked(id)
}

func (s *Store) columnLocked(id model.ColumnID) (model.ColumnInfo, bool) {
	if id == 0 || int(id) > len(s.columns) {
		return model.ColumnInfo{}, false
	}
	return s.columns[id-1], true
}

// Value is a column value passed to Create and Add.
type Value struct {
	col  model.ColumnID
	typ  reflect.Type
	data []byte
}

// V builds a Value of column col.
func V[T any](col model.ColumnInfo, v T) Value {
	return Value{col: col.ID, typ: reflect.TypeFor[T](), data: encode(v)}
}

// resolve validates v and returns its stored bytes. Values of KindShared
// columns are stored as interned handles.
func (s *Store) resolve(v Value) (model.ColumnInfo, []byte, error) {
	info, ok := s.columnLocked(v.col)
	if !ok {
		return model.ColumnInfo{}, nil, fmt.Errorf("%w: %d", ErrUnknownColumn, v.col)
	}
	if v.typ != info.Type {
		return model.ColumnInfo{}, nil, fmt.Errorf("%w: column %q holds %v, got %v", ErrTypeMismatch, info.Name, info.Type, v.typ)
	}
	if info.Kind == model.KindShared {
		return info, encode(s.interner.Intern(v.data)), nil
	}
	return info, v.data, nil
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alive
}

// ChunkCount returns the number of chunks.
func (s *Store) ChunkCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chunks
}

// Version returns the store-wide change counter.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Exists reports whether id is a live record.
func (s *Store) Exists(id model.RecordID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.lookup(id)
	return ok
}

func (s *Store) lookup(id model.RecordID) (*recordSlot, bool) {
	if int(id.Index) >= len(s.slots) {
		return nil, false
	}
	slot := &s.slots[id.Index]
	if !slot.alive || slot.gen != id.Generation {
		return nil, false
	}
	return slot, true
}

// Create adds a record holding values. A record without values holds no
// columns and is only visible to existence tracking.
func (s *Store) Create(values ...Value) (model.RecordID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := make(map[model.ColumnID][]byte, len(values))
	cols := make([]model.ColumnInfo, 0, len(values))
	for _, v := range values {
		info, data, err := s.resolve(v)
		if err != nil {
			return model.RecordID{}, err
		}
		if _, dup := row[info.ID]; !dup {
			cols = append(cols, info)
		}
		row[info.ID] = data
	}

	id := s.allocID()
	s.insert(s.archetypeFor(cols, row), id, row)
	return id, nil
}

// Destroy removes a record. The last record of its chunk moves into the
// hole; an emptied chunk is dropped.
func (s *Store) Destroy(id model.RecordID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotFound, id)
	}
	s.removeRow(slot.chunk, slot.row)
	slot.alive = false
	slot.chunk = nil
	slot.gen++
	s.free = append(s.free, id.Index)
	s.alive--
	return nil
}

// Set overwrites the per-record value of col.
func Set[T any](s *Store, id model.RecordID, col model.ColumnInfo, v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, i, err := s.locate(id, col.ID, reflect.TypeFor[T]())
	if err != nil {
		return err
	}
	c := slot.chunk
	if c.arch.shared[i] != nil {
		return fmt.Errorf("colstore: column %q is shared, use SetShared", col.Name)
	}
	copy(c.row(i, slot.row), encode(v))
	c.versions[i] = s.bump()
	return nil
}

// Get returns the value of col. Shared values are resolved through the
// interner.
func Get[T any](s *Store, id model.RecordID, col model.ColumnInfo) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var zero T
	slot, i, err := s.locate(id, col.ID, reflect.TypeFor[T]())
	if err != nil {
		return zero, err
	}
	c := slot.chunk
	shared := c.arch.shared[i]
	switch {
	case shared == nil:
		return decode[T](c.row(i, slot.row)), nil
	case c.arch.columns[i].Kind == model.KindShared:
		v, ok := Resolve[T](s.interner, decode[model.Handle](shared))
		if !ok {
			return zero, fmt.Errorf("colstore: dangling handle in column %q", col.Name)
		}
		return v, nil
	default:
		return decode[T](shared), nil
	}
}

// SharedHandle returns the interned handle of a KindShared column.
func (s *Store) SharedHandle(id model.RecordID, col model.ColumnID) (model.Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slot, ok := s.lookup(id)
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrNotFound, id)
	}
	i := slot.chunk.arch.index(col)
	if i < 0 || slot.chunk.arch.columns[i].Kind != model.KindShared {
		return 0, fmt.Errorf("%w: %d", ErrMissingColumn, col)
	}
	return decode[model.Handle](slot.chunk.arch.shared[i]), nil
}

func (s *Store) locate(id model.RecordID, col model.ColumnID, typ reflect.Type) (*recordSlot, int, error) {
	slot, ok := s.lookup(id)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %v", ErrNotFound, id)
	}
	i := slot.chunk.arch.index(col)
	if i < 0 {
		return nil, 0, fmt.Errorf("%w: %d", ErrMissingColumn, col)
	}
	if info := slot.chunk.arch.columns[i]; info.Type != typ {
		return nil, 0, fmt.Errorf("%w: column %q holds %v, got %v", ErrTypeMismatch, info.Name, info.Type, typ)
	}
	return slot, i, nil
}

// SetShared changes the shared value of col for one record, moving the
// record to the chunks of its new archetype. The record keeps its identity.
func SetShared[T any](s *Store, id model.RecordID, col model.ColumnInfo, v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, _, err := s.locate(id, col.ID, reflect.TypeFor[T]()); err != nil {
		return err
	}
	_, data, err := s.resolve(V(col, v))
	if err != nil {
		return err
	}
	return s.setSharedLocked(id, col.ID, data)
}

// SetSharedHandle is SetShared for a KindShared column given an interned
// handle.
func (s *Store) SetSharedHandle(id model.RecordID, col model.ColumnID, h model.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.interner.Value(h); !ok {
		return fmt.Errorf("colstore: unknown handle %d", h)
	}
	return s.setSharedLocked(id, col, encode(h))
}

func (s *Store) setSharedLocked(id model.RecordID, col model.ColumnID, data []byte) error {
	slot, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotFound, id)
	}
	arch := slot.chunk.arch
	i := arch.index(col)
	if i < 0 || arch.shared[i] == nil {
		return fmt.Errorf("%w: shared column %d", ErrMissingColumn, col)
	}
	if bytes.Equal(arch.shared[i], data) {
		return nil
	}

	row := s.readRow(slot)
	row[col] = data
	s.move(slot, id, slices.Clone(arch.columns), row)
	return nil
}

// Add attaches values to an existing record, replacing values of columns it
// already holds.
func (s *Store) Add(id model.RecordID, values ...Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotFound, id)
	}
	row := s.readRow(slot)
	cols := slices.Clone(slot.chunk.arch.columns)
	for _, v := range values {
		info, data, err := s.resolve(v)
		if err != nil {
			return err
		}
		if _, ok := row[info.ID]; !ok {
			cols = append(cols, info)
		}
		row[info.ID] = data
	}
	s.move(slot, id, cols, row)
	return nil
}

// Remove detaches columns from a record. Columns it does not hold are
// ignored.
func (s *Store) Remove(id model.RecordID, cols ...model.ColumnID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotFound, id)
	}
	row := s.readRow(slot)
	keep := slices.DeleteFunc(slices.Clone(slot.chunk.arch.columns), func(c model.ColumnInfo) bool {
		return slices.Contains(cols, c.ID)
	})
	if len(keep) == len(slot.chunk.arch.columns) {
		return nil
	}
	s.move(slot, id, keep, row)
	return nil
}

// Relocate moves every chunk buffer to fresh memory without touching any
// version, as a store does when it compacts or resizes its heap.
func (s *Store) Relocate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.archetypes {
		for _, c := range a.chunks {
			c.relocate()
		}
	}
}

func (s *Store) bump() uint64 {
	s.version++
	return s.version
}

func (s *Store) allocID() model.RecordID {
	s.alive++
	if n := len(s.free); n > 0 {
		index := s.free[n-1]
		s.free = s.free[:n-1]
		s.slots[index].alive = true
		return model.RecordID{Index: index, Generation: s.slots[index].gen}
	}
	s.slots = append(s.slots, recordSlot{gen: 1, alive: true})
	return model.RecordID{Index: uint32(len(s.slots) - 1), Generation: 1}
}

func (s *Store) archetypeFor(cols []model.ColumnInfo, row map[model.ColumnID][]byte) *archetype {
	cols = slices.Clone(cols)
	slices.SortFunc(cols, func(a, b model.ColumnInfo) int { return int(a.ID) - int(b.ID) })

	shared := make([][]byte, len(cols))
	for i, c := range cols {
		if c.Kind.PerChunk() {
			shared[i] = row[c.ID]
		}
	}

	key := archetypeKey(cols, shared)
	if a, ok := s.byKey[key]; ok {
		return a
	}
	a := &archetype{key: key, columns: cols, shared: shared}
	s.archetypes = append(s.archetypes, a)
	s.byKey[key] = a
	return a
}

// readRow copies the per-record values of a record, keyed by column.
func (s *Store) readRow(slot *recordSlot) map[model.ColumnID][]byte {
	c := slot.chunk
	row := make(map[model.ColumnID][]byte, len(c.arch.columns))
	for i, col := range c.arch.columns {
		if shared := c.arch.shared[i]; shared != nil {
			row[col.ID] = shared
		} else {
			row[col.ID] = slices.Clone(c.row(i, slot.row))
		}
	}
	return row
}

func (s *Store) move(slot *recordSlot, id model.RecordID, cols []model.ColumnInfo, row map[model.ColumnID][]byte) {
	s.removeRow(slot.chunk, slot.row)
	s.insert(s.archetypeFor(cols, row), id, row)
}

func (s *Store) insert(a *archetype, id model.RecordID, row map[model.ColumnID][]byte) {
	c := a.chunkWithSpace()
	version := s.bump()
	if c == nil {
		s.nextSeq++
		c = newChunk(s.nextSeq, a, s.capacity, version)
		a.chunks = append(a.chunks, c)
		s.chunks++
	}

	r := len(c.records)
	c.records = append(c.records, id)
	for i, col := range a.columns {
		if a.shared[i] != nil {
			continue
		}
		copy(c.row(i, r), row[col.ID])
		c.versions[i] = version
	}
	c.layout = version

	slot := &s.slots[id.Index]
	slot.chunk, slot.row = c, r
}

func (s *Store) removeRow(c *chunk, r int) {
	last := len(c.records) - 1
	if r != last {
		moved := c.records[last]
		c.records[r] = moved
		for i := range c.arch.columns {
			if c.arch.shared[i] == nil {
				copy(c.row(i, r), c.row(i, last))
			}
		}
		s.slots[moved.Index].row = r
	}
	c.records = c.records[:last]

	version := s.bump()
	c.layout = version
	for i := range c.arch.columns {
		if c.arch.shared[i] == nil {
			c.versions[i] = version
		}
	}

	if last == 0 {
		a := c.arch
		a.chunks = slices.DeleteFunc(a.chunks, func(x *chunk) bool { return x == c })
		s.chunks--
	}
}
