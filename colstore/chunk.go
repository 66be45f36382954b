package colstore

import (
	"encoding/binary"
	"encoding/hex"
	"slices"
	"strings"
	"unsafe"

	"github.com/hupe1980/chunkdiff/model"
)

// archetype groups the chunks of records that hold the same columns and the
// same shared values.
type archetype struct {
	key     string
	columns []model.ColumnInfo // sorted by ID
	shared  [][]byte           // per column; nil for per-record columns
	chunks  []*chunk
}

func archetypeKey(columns []model.ColumnInfo, shared [][]byte) string {
	var sb strings.Builder
	var id [2]byte
	for i, c := range columns {
		binary.LittleEndian.PutUint16(id[:], uint16(c.ID))
		sb.Write(id[:])
		if shared[i] != nil {
			sb.WriteByte('=')
			sb.WriteString(hex.EncodeToString(shared[i]))
		}
		sb.WriteByte(';')
	}
	return sb.String()
}

func (a *archetype) index(id model.ColumnID) int {
	for i, c := range a.columns {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (a *archetype) chunkWithSpace() *chunk {
	for _, c := range a.chunks {
		if len(c.records) < cap(c.records) {
			return c
		}
	}
	return nil
}

// chunk is a fixed-capacity block of records. Records occupy rows
// [0, len(records)) with no gaps.
type chunk struct {
	seq      model.ChunkSeq
	arch     *archetype
	records  []model.RecordID
	data     [][]byte // per column; capacity*size bytes for per-record columns
	layout   uint64
	versions []uint64 // per column
}

var _ model.Chunk = (*chunk)(nil)

func newChunk(seq model.ChunkSeq, arch *archetype, capacity int, version uint64) *chunk {
	c := &chunk{
		seq:      seq,
		arch:     arch,
		records:  make([]model.RecordID, 0, capacity),
		data:     make([][]byte, len(arch.columns)),
		layout:   version,
		versions: make([]uint64, len(arch.columns)),
	}
	for i, col := range arch.columns {
		if arch.shared[i] == nil {
			c.data[i] = make([]byte, capacity*col.Size)
		}
		c.versions[i] = version
	}
	return c
}

func (c *chunk) Seq() model.ChunkSeq { return c.seq }

func (c *chunk) Capacity() int { return cap(c.records) }

func (c *chunk) Records() []model.RecordID { return c.records }

func (c *chunk) LayoutVersion() uint64 { return c.layout }

func (c *chunk) Column(id model.ColumnID) ([]byte, uint64, bool) {
	i := c.arch.index(id)
	if i < 0 {
		return nil, 0, false
	}
	if s := c.arch.shared[i]; s != nil {
		return s, c.versions[i], true
	}
	return c.data[i][:len(c.records)*c.arch.columns[i].Size], c.versions[i], true
}

// row returns the bytes of column i at row r.
func (c *chunk) row(i, r int) []byte {
	size := c.arch.columns[i].Size
	return c.data[i][r*size : (r+1)*size]
}

// relocate moves every buffer to fresh memory with identical contents.
func (c *chunk) relocate() {
	records := make([]model.RecordID, len(c.records), cap(c.records))
	copy(records, c.records)
	c.records = records
	for i, d := range c.data {
		if d != nil {
			c.data[i] = slices.Clone(d)
		}
	}
}

func encode[T any](v T) []byte {
	size := int(unsafe.Sizeof(v))
	b := make([]byte, size)
	if size > 0 {
		copy(b, unsafe.Slice((*byte)(unsafe.Pointer(&v)), size)) //nolint:gosec // T is a plain value
	}
	return b
}

func decode[T any](b []byte) T {
	var v T
	if size := int(unsafe.Sizeof(v)); size > 0 && len(b) >= size {
		copy(unsafe.Slice((*byte)(unsafe.Pointer(&v)), size), b) //nolint:gosec // T is a plain value
	}
	return v
}
