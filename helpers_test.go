package chunkdiff

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeChunk is a hand-driven chunk for cases the reference store cannot
// produce, such as in-place shared value changes or broken versions.
type fakeChunk struct {
	seq      ChunkSeq
	capacity int
	records  []RecordID
	layout   uint64
	data     map[ColumnID][]byte
	versions map[ColumnID]uint64
}

func (c *fakeChunk) Seq() ChunkSeq { return c.seq }

func (c *fakeChunk) Capacity() int { return c.capacity }

func (c *fakeChunk) Records() []RecordID { return c.records }

func (c *fakeChunk) LayoutVersion() uint64 { return c.layout }

func (c *fakeChunk) Column(id ColumnID) ([]byte, uint64, bool) {
	data, ok := c.data[id]
	return data, c.versions[id], ok
}

type fakeQuery struct {
	chunks []Chunk
	err    error
}

func (q *fakeQuery) UpperBound() int { return len(q.chunks) }

func (q *fakeQuery) Snapshot(_ context.Context, dst []Chunk) ([]Chunk, error) {
	if q.err != nil {
		return dst, q.err
	}
	return append(dst, q.chunks...), nil
}

func rec(index uint32) RecordID {
	return RecordID{Index: index, Generation: 1}
}

func newDiffer(t *testing.T, q Query, column ColumnInfo, opts ...Option) *Differ {
	t.Helper()
	d, err := New(q, column, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func mustDiff(t *testing.T, d *Differ) *ChangeSet {
	t.Helper()
	cs, err := d.Diff(t.Context())
	require.NoError(t, err)
	t.Cleanup(cs.Release)
	return cs
}

func addedIDs(t *testing.T, cs *ChangeSet) []RecordID {
	t.Helper()
	ids, err := cs.AppendAdded(nil)
	require.NoError(t, err)
	return ids
}

func removedIDs(t *testing.T, cs *ChangeSet) []RecordID {
	t.Helper()
	ids, err := cs.AppendRemoved(nil)
	require.NoError(t, err)
	return ids
}

func requireEmpty(t *testing.T, cs *ChangeSet) {
	t.Helper()
	require.Zero(t, cs.AddedCount(), "added")
	require.Zero(t, cs.RemovedCount(), "removed")
}

// violation runs fn and returns the *InvariantViolation it panicked with.
func violation(fn func()) (v *InvariantViolation) {
	defer func() {
		v, _ = recover().(*InvariantViolation)
	}()
	fn()
	return nil
}
