package chunkdiff

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/hupe1980/chunkdiff/internal/scratch"
)

var (
	idPool    scratch.Pool[RecordID]
	bytePool  scratch.Pool[byte]
	indexPool scratch.Pool[int32]
)

// changes is one side (added or removed) of a change set.
//
// Payload entries are laid out back to back, stride bytes each. For
// per-record kinds entry i belongs to record i. For shared kinds one entry
// covers every record of a chunk and index maps records to entries.
type changes struct {
	ids     []RecordID
	payload []byte
	index   []int32
}

func (c *changes) release() {
	idPool.Put(c.ids)
	bytePool.Put(c.payload)
	indexPool.Put(c.index)
	*c = changes{}
}

// ChangeSet holds the records added and removed since the previous diff.
//
// A ChangeSet is immutable and owns its buffers until Release. It may be read
// from several goroutines.
type ChangeSet struct {
	column   ColumnInfo
	stride   int
	perChunk bool
	added    changes
	removed  changes
	stats    DiffStats
	released bool
}

// newChangeSet allocates every buffer once, at its final size.
func newChangeSet(column ColumnInfo, added, removed, addedGroups, removedGroups int) *ChangeSet {
	cs := &ChangeSet{
		column:   column,
		stride:   column.PayloadSize(),
		perChunk: column.Kind.PerChunk(),
	}
	cs.added = cs.allocate(added, addedGroups)
	cs.removed = cs.allocate(removed, removedGroups)
	return cs
}

func (cs *ChangeSet) allocate(records, groups int) changes {
	var c changes
	if records == 0 {
		return c
	}
	c.ids = idPool.Get(records)
	if cs.stride == 0 {
		return c
	}
	if cs.perChunk {
		c.payload = bytePool.Get(groups * cs.stride)
		c.index = indexPool.Get(records)
	} else {
		c.payload = bytePool.Get(records * cs.stride)
	}
	return c
}

// appendGroup copies the records of one chunk. payload holds one entry per
// record, or a single entry for shared kinds.
func (cs *ChangeSet) appendGroup(c *changes, ids []RecordID, payload []byte) {
	if len(ids) == 0 {
		return
	}
	c.ids = append(c.ids, ids...)
	if cs.stride == 0 {
		return
	}
	if !cs.perChunk {
		c.payload = append(c.payload, payload[:len(ids)*cs.stride]...)
		return
	}
	entry := int32(len(c.payload) / cs.stride)
	c.payload = append(c.payload, payload[:cs.stride]...)
	for range ids {
		c.index = append(c.index, entry)
	}
}

// Column returns the column the change set was built for.
func (cs *ChangeSet) Column() ColumnInfo { return cs.column }

// Stats returns the statistics of the diff call that built cs.
func (cs *ChangeSet) Stats() DiffStats { return cs.stats }

// AddedCount returns the number of added records, or 0 once released.
func (cs *ChangeSet) AddedCount() int { return len(cs.added.ids) }

// RemovedCount returns the number of removed records, or 0 once released.
func (cs *ChangeSet) RemovedCount() int { return len(cs.removed.ids) }

// CopyAdded copies the added record identities into dst and returns the
// number copied.
func (cs *ChangeSet) CopyAdded(dst []RecordID) (int, error) {
	if cs.released {
		return 0, ErrReleased
	}
	return copy(dst, cs.added.ids), nil
}

// CopyRemoved copies the removed record identities into dst and returns the
// number copied.
func (cs *ChangeSet) CopyRemoved(dst []RecordID) (int, error) {
	if cs.released {
		return 0, ErrReleased
	}
	return copy(dst, cs.removed.ids), nil
}

// AppendAdded appends the added record identities to dst.
func (cs *ChangeSet) AppendAdded(dst []RecordID) ([]RecordID, error) {
	if cs.released {
		return dst, ErrReleased
	}
	return append(dst, cs.added.ids...), nil
}

// AppendRemoved appends the removed record identities to dst.
func (cs *ChangeSet) AppendRemoved(dst []RecordID) ([]RecordID, error) {
	if cs.released {
		return dst, ErrReleased
	}
	return append(dst, cs.removed.ids...), nil
}

// AddedPayloadIndex returns the payload entry of the i-th added record.
func (cs *ChangeSet) AddedPayloadIndex(i int) (int, error) {
	return cs.payloadIndex(&cs.added, i)
}

// RemovedPayloadIndex returns the payload entry of the i-th removed record.
func (cs *ChangeSet) RemovedPayloadIndex(i int) (int, error) {
	return cs.payloadIndex(&cs.removed, i)
}

// AddedPayload returns the raw payload bytes of the i-th added record.
// The slice aliases the change set and is valid until Release.
func (cs *ChangeSet) AddedPayload(i int) ([]byte, error) {
	return cs.payloadAt(&cs.added, i)
}

// RemovedPayload returns the raw payload bytes of the i-th removed record.
// The slice aliases the change set and is valid until Release.
func (cs *ChangeSet) RemovedPayload(i int) ([]byte, error) {
	return cs.payloadAt(&cs.removed, i)
}

func (cs *ChangeSet) checkPayload() error {
	if cs.released {
		return ErrReleased
	}
	if cs.column.Kind == KindExistence {
		return fmt.Errorf("%w: column %q tracks no payload", ErrTypeMismatch, cs.column.Name)
	}
	return nil
}

func (cs *ChangeSet) payloadIndex(c *changes, i int) (int, error) {
	if err := cs.checkPayload(); err != nil {
		return 0, err
	}
	if i < 0 || i >= len(c.ids) {
		panic(fmt.Sprintf("chunkdiff: record %d out of range [0, %d)", i, len(c.ids)))
	}
	if cs.perChunk && cs.stride > 0 {
		return int(c.index[i]), nil
	}
	return i, nil
}

func (cs *ChangeSet) payloadAt(c *changes, i int) ([]byte, error) {
	entry, err := cs.payloadIndex(c, i)
	if err != nil || cs.stride == 0 {
		return nil, err
	}
	return c.payload[entry*cs.stride : (entry+1)*cs.stride : (entry+1)*cs.stride], nil
}

// Release returns the buffers of cs to the pool. Accessors fail with
// ErrReleased afterwards. Release is idempotent.
func (cs *ChangeSet) Release() {
	if cs.released {
		return
	}
	cs.released = true
	cs.added.release()
	cs.removed.release()
}

func (cs *ChangeSet) payloadType() reflect.Type {
	if cs.column.Kind == KindShared {
		return reflect.TypeFor[Handle]()
	}
	return cs.column.Type
}

// AddedValues decodes the payload of every added record as T.
//
// T must be the tracked column type, or Handle for KindShared columns whose
// payload is an interned value handle. Otherwise the error wraps
// ErrTypeMismatch.
func AddedValues[T any](cs *ChangeSet) ([]T, error) {
	return values[T](cs, &cs.added)
}

// RemovedValues decodes the payload of every removed record as T, with the
// same rules as AddedValues.
func RemovedValues[T any](cs *ChangeSet) ([]T, error) {
	return values[T](cs, &cs.removed)
}

func values[T any](cs *ChangeSet, c *changes) ([]T, error) {
	if err := cs.checkPayload(); err != nil {
		return nil, err
	}
	if want, got := cs.payloadType(), reflect.TypeFor[T](); want != got {
		return nil, &TypeMismatchError{Want: want, Got: got}
	}

	out := make([]T, len(c.ids))
	if len(out) == 0 || cs.stride == 0 {
		return out, nil
	}
	// T has the tracked layout and holds no pointers, so raw bytes are a
	// valid representation.
	dst := unsafe.Slice((*byte)(unsafe.Pointer(&out[0])), len(out)*cs.stride) //nolint:gosec // validated above
	if !cs.perChunk {
		copy(dst, c.payload)
		return out, nil
	}
	for i, entry := range c.index {
		off := int(entry) * cs.stride
		copy(dst[i*cs.stride:], c.payload[off:off+cs.stride])
	}
	return out, nil
}
