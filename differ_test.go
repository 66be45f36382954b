package chunkdiff

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chunkdiff/colstore"
)

func newHPStore(t *testing.T, capacity int) (*colstore.Store, ColumnInfo) {
	t.Helper()
	s := colstore.New(colstore.WithChunkCapacity(capacity))
	hp, err := colstore.Register[int32](s, "hp", KindValue)
	require.NoError(t, err)
	return s, hp
}

func createHP(t *testing.T, s *colstore.Store, hp ColumnInfo, values ...int32) []RecordID {
	t.Helper()
	ids := make([]RecordID, 0, len(values))
	for _, v := range values {
		id, err := s.Create(colstore.V(hp, v))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestNew(t *testing.T) {
	_, hp := newHPStore(t, 4)

	_, err := New(nil, hp)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	name, err := ColumnOf[string](9, "name", KindValue)
	require.ErrorIs(t, err, ErrInvalidArgument)
	var untrackable *UntrackableTypeError
	assert.ErrorAs(t, err, &untrackable)
	assert.Zero(t, name)

	_, err = New(&fakeQuery{}, ColumnInfo{ID: 1, Name: "bad", Kind: Kind(42)})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	d, err := New(&fakeQuery{}, hp, nil)
	require.NoError(t, err)
	assert.Equal(t, hp, d.Column())
	require.NoError(t, d.Close())
}

func TestDiff_WorkedScenario(t *testing.T) {
	s, c := newHPStore(t, 8)
	d := newDiffer(t, colstore.NewQuery(s, c.ID), c)

	r1 := createHP(t, s, c, 5)[0]

	cs := mustDiff(t, d)
	assert.Equal(t, []RecordID{r1}, addedIDs(t, cs))
	assert.Zero(t, cs.RemovedCount())
	values, err := AddedValues[int32](cs)
	require.NoError(t, err)
	assert.Equal(t, []int32{5}, values)

	require.NoError(t, colstore.Set(s, r1, c, int32(9)))
	cs = mustDiff(t, d)
	assert.Equal(t, []RecordID{r1}, removedIDs(t, cs))
	assert.Equal(t, []RecordID{r1}, addedIDs(t, cs))
	values, err = RemovedValues[int32](cs)
	require.NoError(t, err)
	assert.Equal(t, []int32{5}, values)
	values, err = AddedValues[int32](cs)
	require.NoError(t, err)
	assert.Equal(t, []int32{9}, values)

	require.NoError(t, s.Destroy(r1))
	cs = mustDiff(t, d)
	assert.Zero(t, cs.AddedCount())
	assert.Equal(t, []RecordID{r1}, removedIDs(t, cs))
	values, err = RemovedValues[int32](cs)
	require.NoError(t, err)
	assert.Equal(t, []int32{9}, values)
	assert.Zero(t, d.Tracked())

	requireEmpty(t, mustDiff(t, d))
}

func TestDiff_QueryNarrowing(t *testing.T) {
	s, hp := newHPStore(t, 2)
	group, err := colstore.Register[uint8](s, "group", KindSharedUnmanaged)
	require.NoError(t, err)

	var a, b []RecordID
	for i := range 2 {
		id, err := s.Create(colstore.V(hp, int32(i)), colstore.V(group, uint8(1)))
		require.NoError(t, err)
		a = append(a, id)
		id, err = s.Create(colstore.V(hp, int32(10+i)), colstore.V(group, uint8(2)))
		require.NoError(t, err)
		b = append(b, id)
	}

	q := colstore.NewQuery(s, hp.ID)
	d := newDiffer(t, q, hp)

	cs := mustDiff(t, d)
	assert.ElementsMatch(t, append(append([]RecordID(nil), a...), b...), addedIDs(t, cs))
	assert.Equal(t, 2, d.Tracked())

	colstore.SharedFilter(q, group, uint8(1))
	cs = mustDiff(t, d)
	assert.Zero(t, cs.AddedCount())
	assert.ElementsMatch(t, b, removedIDs(t, cs))
	values, err := RemovedValues[int32](cs)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int32{10, 11}, values)

	stats := cs.Stats()
	assert.Equal(t, int64(1), stats.Chunks)
	assert.Equal(t, int64(1), stats.Skipped)
	assert.Equal(t, int64(1), stats.Vanished)
	assert.Zero(t, stats.Comparisons, "the matched chunk takes the version fast path")
	assert.Equal(t, 1, d.Tracked())
}

func TestDiff_NoOpIdempotence(t *testing.T) {
	s, hp := newHPStore(t, 4)
	createHP(t, s, hp, 1, 2, 3, 4, 5, 6)
	d := newDiffer(t, colstore.NewQuery(s, hp.ID), hp)

	cs := mustDiff(t, d)
	assert.Equal(t, 6, cs.AddedCount())
	assert.Equal(t, int64(2), cs.Stats().New)

	for range 3 {
		cs := mustDiff(t, d)
		requireEmpty(t, cs)
		assert.Equal(t, int64(2), cs.Stats().Skipped)
	}
}

func TestDiff_PureAdd(t *testing.T) {
	s, hp := newHPStore(t, 4)
	createHP(t, s, hp, 1, 2)
	d := newDiffer(t, colstore.NewQuery(s, hp.ID), hp)
	mustDiff(t, d)

	// Two fill the first chunk, three open a new one.
	ids := createHP(t, s, hp, 3, 4, 5, 6, 7)

	cs := mustDiff(t, d)
	assert.ElementsMatch(t, ids, addedIDs(t, cs))
	assert.Zero(t, cs.RemovedCount())

	stats := cs.Stats()
	assert.Equal(t, int64(1), stats.Changed)
	assert.Equal(t, int64(1), stats.New)
	assert.Equal(t, int64(2), stats.Comparisons)
}

func TestDiff_PureRemove(t *testing.T) {
	s, hp := newHPStore(t, 4)
	ids := createHP(t, s, hp, 0, 1, 2, 3, 4, 5)
	d := newDiffer(t, colstore.NewQuery(s, hp.ID), hp)
	mustDiff(t, d)

	// Destroy from the tail so no survivor moves.
	for _, i := range []int{3, 5, 4} {
		require.NoError(t, s.Destroy(ids[i]))
	}

	cs := mustDiff(t, d)
	assert.Zero(t, cs.AddedCount())
	assert.ElementsMatch(t, []RecordID{ids[3], ids[4], ids[5]}, removedIDs(t, cs))
	values, err := RemovedValues[int32](cs)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int32{3, 4, 5}, values)
}

func TestDiff_SwapBackDestroy(t *testing.T) {
	s, hp := newHPStore(t, 4)
	ids := createHP(t, s, hp, 0, 1, 2, 3)
	d := newDiffer(t, colstore.NewQuery(s, hp.ID), hp)
	mustDiff(t, d)

	// The last record moves into the hole, so it leaves slot 3 and lands on
	// slot 0.
	require.NoError(t, s.Destroy(ids[0]))

	cs := mustDiff(t, d)
	assert.Equal(t, []RecordID{ids[3]}, addedIDs(t, cs))
	assert.Equal(t, []RecordID{ids[0], ids[3]}, removedIDs(t, cs))
	values, err := RemovedValues[int32](cs)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 3}, values)
}

func TestDiff_ValueMutation(t *testing.T) {
	s, hp := newHPStore(t, 8)
	ids := createHP(t, s, hp, 0, 1, 2, 3, 4)
	d := newDiffer(t, colstore.NewQuery(s, hp.ID), hp)
	mustDiff(t, d)

	require.NoError(t, colstore.Set(s, ids[1], hp, int32(101)))
	require.NoError(t, colstore.Set(s, ids[3], hp, int32(103)))
	// Rewriting the same bytes bumps the version but is not a change.
	require.NoError(t, colstore.Set(s, ids[4], hp, int32(4)))

	cs := mustDiff(t, d)
	assert.Equal(t, []RecordID{ids[1], ids[3]}, addedIDs(t, cs))
	assert.Equal(t, []RecordID{ids[1], ids[3]}, removedIDs(t, cs))

	added, err := AddedValues[int32](cs)
	require.NoError(t, err)
	assert.Equal(t, []int32{101, 103}, added)
	removed, err := RemovedValues[int32](cs)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 3}, removed)

	assert.Equal(t, int64(1), cs.Stats().Changed)
	assert.Equal(t, int64(5), cs.Stats().Comparisons)
}

func TestDiff_VersionFastPath(t *testing.T) {
	s, hp := newHPStore(t, 4)
	ids := createHP(t, s, hp, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	d := newDiffer(t, colstore.NewQuery(s, hp.ID), hp)
	mustDiff(t, d)

	// Moving chunk memory without touching versions must not be noticed.
	s.Relocate()
	cs := mustDiff(t, d)
	requireEmpty(t, cs)
	assert.Equal(t, int64(3), cs.Stats().Skipped)
	assert.Zero(t, cs.Stats().Comparisons)

	require.NoError(t, colstore.Set(s, ids[5], hp, int32(55)))
	cs = mustDiff(t, d)
	assert.Equal(t, []RecordID{ids[5]}, addedIDs(t, cs))
	assert.Equal(t, int64(2), cs.Stats().Skipped)
	assert.Equal(t, int64(1), cs.Stats().Changed)
	assert.Equal(t, int64(4), cs.Stats().Comparisons)
}

func TestDiff_ExistenceIgnoresValueWrites(t *testing.T) {
	s, hp := newHPStore(t, 4)
	ids := createHP(t, s, hp, 1, 2, 3)
	d := newDiffer(t, colstore.NewQuery(s), Existence())

	cs := mustDiff(t, d)
	assert.Equal(t, ids, addedIDs(t, cs))

	require.NoError(t, colstore.Set(s, ids[0], hp, int32(100)))
	cs = mustDiff(t, d)
	requireEmpty(t, cs)
	assert.Equal(t, int64(1), cs.Stats().Skipped)

	_, err := cs.AddedPayload(0)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestDiff_WholeChunkVacating(t *testing.T) {
	s := colstore.New(colstore.WithChunkCapacity(2))
	var ids []RecordID
	for range 4 {
		id, err := s.Create()
		require.NoError(t, err)
		ids = append(ids, id)
	}

	d := newDiffer(t, colstore.NewQuery(s), Existence())
	mustDiff(t, d)
	require.Equal(t, 2, d.Tracked())

	chunks, err := colstore.NewQuery(s).Snapshot(t.Context(), nil)
	require.NoError(t, err)
	first := chunks[0].Seq()
	slot, ok := d.shadows.Lookup(first)
	require.True(t, ok)

	require.NoError(t, s.Destroy(ids[0]))
	require.NoError(t, s.Destroy(ids[1]))

	cs := mustDiff(t, d)
	assert.Zero(t, cs.AddedCount())
	assert.ElementsMatch(t, ids[:2], removedIDs(t, cs))
	assert.Equal(t, int64(1), cs.Stats().Vanished)

	_, ok = d.shadows.Lookup(first)
	assert.False(t, ok)
	assert.Equal(t, []int32{int32(slot)}, d.shadows.FreeSlots())
	assert.Zero(t, d.shadows.Keys()[slot])
	assert.Equal(t, 1, d.Tracked())

	created, err := s.Create()
	require.NoError(t, err)

	cs = mustDiff(t, d)
	assert.Equal(t, []RecordID{created}, addedIDs(t, cs))

	chunks, err = colstore.NewQuery(s).Snapshot(t.Context(), nil)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	reused, ok := d.shadows.Lookup(chunks[1].Seq())
	require.True(t, ok)
	assert.NotEqual(t, first, chunks[1].Seq())
	assert.Equal(t, slot, reused)
	assert.Empty(t, d.shadows.FreeSlots())
}

func TestDiff_SharedColumn(t *testing.T) {
	s := colstore.New()
	mat, err := colstore.Register[uint32](s, "material", KindShared)
	require.NoError(t, err)

	a, err := s.Create(colstore.V(mat, uint32(1)))
	require.NoError(t, err)
	b, err := s.Create(colstore.V(mat, uint32(1)))
	require.NoError(t, err)

	d := newDiffer(t, colstore.NewQuery(s, mat.ID), mat)
	cs := mustDiff(t, d)
	assert.Equal(t, []RecordID{a, b}, addedIDs(t, cs))

	red := colstore.Intern(s.Interner(), uint32(1))
	handles, err := AddedValues[Handle](cs)
	require.NoError(t, err)
	assert.Equal(t, []Handle{red, red}, handles)
	assert.Len(t, cs.added.payload, 4, "one payload entry per chunk")

	require.NoError(t, colstore.SetShared(s, b, mat, uint32(2)))
	blue := colstore.Intern(s.Interner(), uint32(2))

	cs = mustDiff(t, d)
	assert.Equal(t, []RecordID{b}, removedIDs(t, cs))
	assert.Equal(t, []RecordID{b}, addedIDs(t, cs))

	handles, err = RemovedValues[Handle](cs)
	require.NoError(t, err)
	assert.Equal(t, []Handle{red}, handles)
	handles, err = AddedValues[Handle](cs)
	require.NoError(t, err)
	assert.Equal(t, []Handle{blue}, handles)

	_, err = AddedValues[uint32](cs)
	var mismatch *TypeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestDiff_SharedUnmanagedColumn(t *testing.T) {
	s := colstore.New()
	layer, err := colstore.Register[uint16](s, "layer", KindSharedUnmanaged)
	require.NoError(t, err)

	var ids []RecordID
	for range 3 {
		id, err := s.Create(colstore.V(layer, uint16(4)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	d := newDiffer(t, colstore.NewQuery(s, layer.ID), layer)
	mustDiff(t, d)

	require.NoError(t, colstore.SetShared(s, ids[2], layer, uint16(7)))

	cs := mustDiff(t, d)
	assert.Equal(t, []RecordID{ids[2]}, removedIDs(t, cs))
	assert.Equal(t, []RecordID{ids[2]}, addedIDs(t, cs))

	removed, err := RemovedValues[uint16](cs)
	require.NoError(t, err)
	assert.Equal(t, []uint16{4}, removed)
	added, err := AddedValues[uint16](cs)
	require.NoError(t, err)
	assert.Equal(t, []uint16{7}, added)
}

func uint32Bytes(v uint32) []byte {
	return binary.NativeEndian.AppendUint32(nil, v)
}

func TestDiff_SharedValueChangedInPlace(t *testing.T) {
	lod, err := ColumnOf[uint32](7, "lod", KindSharedUnmanaged)
	require.NoError(t, err)

	c := &fakeChunk{
		seq:      1,
		capacity: 4,
		records:  []RecordID{rec(1), rec(2), rec(3)},
		layout:   1,
		data:     map[ColumnID][]byte{7: uint32Bytes(1)},
		versions: map[ColumnID]uint64{7: 1},
	}
	d := newDiffer(t, &fakeQuery{chunks: []Chunk{c}}, lod)
	mustDiff(t, d)

	c.data[7] = uint32Bytes(2)
	c.versions[7] = 2

	cs := mustDiff(t, d)
	assert.Equal(t, c.records, addedIDs(t, cs))
	assert.Equal(t, c.records, removedIDs(t, cs))
	assert.Len(t, cs.added.payload, 4, "one payload entry for the whole chunk")
	assert.Equal(t, int64(3), cs.Stats().Comparisons)

	for i := range 3 {
		entry, err := cs.AddedPayloadIndex(i)
		require.NoError(t, err)
		assert.Zero(t, entry)
	}

	added, err := AddedValues[uint32](cs)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 2, 2}, added)
	removed, err := RemovedValues[uint32](cs)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 1, 1}, removed)

	// The shadow was refreshed while the change set was built.
	payload, err := cs.RemovedPayload(2)
	require.NoError(t, err)
	assert.Equal(t, uint32Bytes(1), payload)
}

func TestDiff_ChunkGrowsPastShadow(t *testing.T) {
	tag, err := ColumnOf[uint16](3, "tag", KindValue)
	require.NoError(t, err)

	c := &fakeChunk{
		seq:      9,
		capacity: 2,
		records:  []RecordID{rec(1), rec(2)},
		layout:   1,
		data:     map[ColumnID][]byte{3: {1, 0, 2, 0}},
		versions: map[ColumnID]uint64{3: 1},
	}
	d := newDiffer(t, &fakeQuery{chunks: []Chunk{c}}, tag)
	mustDiff(t, d)

	c.capacity = 4
	c.records = append(c.records, rec(3), rec(4))
	c.data[3] = []byte{1, 0, 2, 0, 3, 0, 4, 0}
	c.layout, c.versions[3] = 2, 2

	cs := mustDiff(t, d)
	assert.Equal(t, []RecordID{rec(3), rec(4)}, addedIDs(t, cs))
	assert.Zero(t, cs.RemovedCount())
	values, err := AddedValues[uint16](cs)
	require.NoError(t, err)
	assert.Equal(t, []uint16{3, 4}, values)

	slot, ok := d.shadows.Lookup(9)
	require.True(t, ok)
	e := d.shadows.Entry(slot)
	assert.GreaterOrEqual(t, e.Capacity, 4)
	assert.Equal(t, c.records, d.shadows.Records(e))

	requireEmpty(t, mustDiff(t, d))
}

func TestDiff_ContractViolations(t *testing.T) {
	tag, err := ColumnOf[uint16](3, "tag", KindValue)
	require.NoError(t, err)

	t.Run("versions moved backwards", func(t *testing.T) {
		c := &fakeChunk{
			seq:      1,
			capacity: 1,
			records:  []RecordID{rec(1)},
			layout:   5,
			data:     map[ColumnID][]byte{3: {1, 0}},
			versions: map[ColumnID]uint64{3: 5},
		}
		d := newDiffer(t, &fakeQuery{chunks: []Chunk{c}}, tag)
		mustDiff(t, d)

		c.layout = 3
		v := violation(func() { _, _ = d.Diff(t.Context()) })
		require.NotNil(t, v)
		assert.Equal(t, "differ", v.Component)
	})

	t.Run("missing column", func(t *testing.T) {
		c := &fakeChunk{seq: 1, capacity: 1, records: []RecordID{rec(1)}, layout: 1}
		d := newDiffer(t, &fakeQuery{chunks: []Chunk{c}}, tag)
		assert.NotNil(t, violation(func() { _, _ = d.Diff(t.Context()) }))
	})

	t.Run("short column", func(t *testing.T) {
		c := &fakeChunk{
			seq:      1,
			capacity: 2,
			records:  []RecordID{rec(1), rec(2)},
			layout:   1,
			data:     map[ColumnID][]byte{3: {1, 0}},
		}
		d := newDiffer(t, &fakeQuery{chunks: []Chunk{c}}, tag)
		assert.NotNil(t, violation(func() { _, _ = d.Diff(t.Context()) }))
	})
}

func TestDiff_SnapshotError(t *testing.T) {
	errBoom := errors.New("boom")
	metrics := &BasicMetricsCollector{}
	d := newDiffer(t, &fakeQuery{err: errBoom}, Existence(), WithMetricsCollector(metrics))

	_, err := d.Diff(t.Context())
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, int64(1), metrics.GetStats().DiffErrors)

	s, hp := newHPStore(t, 4)
	createHP(t, s, hp, 1)
	d = newDiffer(t, colstore.NewQuery(s, hp.ID), hp)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = d.Diff(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, d.Tracked())

	// A failed call leaves nothing behind.
	cs := mustDiff(t, d)
	assert.Equal(t, 1, cs.AddedCount())
}

func TestDiff_MemoryLimit(t *testing.T) {
	s, hp := newHPStore(t, 4)
	createHP(t, s, hp, 1, 2, 3, 4, 5)

	d := newDiffer(t, colstore.NewQuery(s, hp.ID), hp, WithMemoryLimit(1), WithPageSize(4096))

	_, err := d.Diff(t.Context())
	require.ErrorIs(t, err, ErrMemoryLimit)
	assert.Zero(t, d.Tracked())
	assert.Zero(t, d.shadows.Len())
	assert.Zero(t, d.MemoryStats().LiveAllocs)

	_, err = d.Diff(t.Context())
	assert.ErrorIs(t, err, ErrMemoryLimit, "a retry sees the same state")
}

func TestDiff_MemoryLimitKeepsFreeRows(t *testing.T) {
	const (
		capacity  = 1024
		blockSize = capacity * 8 // one large arena block of record IDs per chunk
		limit     = 1 << 30
	)
	chunk := func(seq ChunkSeq) Chunk {
		return &fakeChunk{seq: seq, capacity: capacity, records: []RecordID{rec(uint32(seq))}, layout: 1}
	}

	rc := NewResourceController(ResourceConfig{MemoryLimitBytes: limit})
	q := &fakeQuery{chunks: []Chunk{chunk(1), chunk(2), chunk(3), chunk(4)}}
	d := newDiffer(t, q, Existence(), WithResourceController(rc), WithPageSize(4096))
	mustDiff(t, d)
	require.Equal(t, int64(4*blockSize), rc.MemoryUsage())

	// Chunks 2 and 4 vanish and leave two free rows behind.
	q.chunks = []Chunk{q.chunks[0], q.chunks[2]}
	mustDiff(t, d)
	before := slices.Clone(d.shadows.FreeSlots())
	require.Len(t, before, 2)
	keys := slices.Clone(d.shadows.Keys())

	// Leave room for two of the three new chunks.
	reserve := limit - rc.MemoryUsage() - 2*blockSize - blockSize/2
	require.NoError(t, rc.AcquireMemory(reserve))

	q.chunks = append(q.chunks, chunk(5), chunk(6), chunk(7))
	_, err := d.Diff(t.Context())
	require.ErrorIs(t, err, ErrMemoryLimit)
	assert.Equal(t, before, d.shadows.FreeSlots())
	assert.Equal(t, keys, d.shadows.Keys())
	assert.Equal(t, 2, d.Tracked())

	rc.ReleaseMemory(reserve)
	cs := mustDiff(t, d)
	assert.Equal(t, []RecordID{rec(5), rec(6), rec(7)}, addedIDs(t, cs))

	slot, ok := d.shadows.Lookup(5)
	require.True(t, ok)
	assert.Equal(t, int(before[1]), slot, "the most recently freed row is reused first")
	slot, ok = d.shadows.Lookup(6)
	require.True(t, ok)
	assert.Equal(t, int(before[0]), slot)
	assert.Empty(t, d.shadows.FreeSlots())
}

func TestDiff_SharedResourceController(t *testing.T) {
	s, hp := newHPStore(t, 4)
	createHP(t, s, hp, 1, 2, 3)

	rc := NewResourceController(ResourceConfig{MaxWorkers: 2})
	d1 := newDiffer(t, colstore.NewQuery(s, hp.ID), hp, WithResourceController(rc))
	d2 := newDiffer(t, colstore.NewQuery(s), Existence(), WithResourceController(rc), WithWorkers(8))

	assert.Equal(t, 3, mustDiff(t, d1).AddedCount())
	assert.Equal(t, 3, mustDiff(t, d2).AddedCount())
	assert.Positive(t, d1.MemoryStats().BytesInUse)
}

func TestDiffAsync(t *testing.T) {
	s, hp := newHPStore(t, 4)
	ids := createHP(t, s, hp, 1, 2, 3)
	d := newDiffer(t, colstore.NewQuery(s, hp.ID), hp)

	p := d.DiffAsync(t.Context())
	<-p.Done()
	cs, err := p.Wait()
	require.NoError(t, err)
	defer cs.Release()
	assert.Equal(t, ids, addedIDs(t, cs))

	c := &fakeChunk{seq: 1, capacity: 1, records: []RecordID{rec(1)}, layout: 1}
	tag, err := ColumnOf[uint16](3, "tag", KindValue)
	require.NoError(t, err)
	broken := newDiffer(t, &fakeQuery{chunks: []Chunk{c}}, tag)

	p = broken.DiffAsync(t.Context())
	assert.NotNil(t, violation(func() { _, _ = p.Wait() }), "the panic surfaces on Wait")
}

func TestDiffer_Close(t *testing.T) {
	s, hp := newHPStore(t, 4)
	createHP(t, s, hp, 1)

	d, err := New(colstore.NewQuery(s, hp.ID), hp)
	require.NoError(t, err)
	mustDiff(t, d)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.Zero(t, d.Tracked())

	_, err = d.Diff(t.Context())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, d.Checkpoint(t.Context(), nil, "x"), ErrClosed)
	assert.ErrorIs(t, d.Restore(t.Context(), nil, "x"), ErrClosed)
}

func TestDiffer_StatsAndLogging(t *testing.T) {
	s, hp := newHPStore(t, 4)
	ids := createHP(t, s, hp, 1, 2, 3, 4, 5)

	var buf bytes.Buffer
	logger := NewLogger(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	metrics := &BasicMetricsCollector{}
	d := newDiffer(t, colstore.NewQuery(s, hp.ID), hp, WithLogger(logger), WithMetricsCollector(metrics))

	mustDiff(t, d)
	require.NoError(t, s.Destroy(ids[4]))
	mustDiff(t, d)

	stats := d.Stats()
	assert.Equal(t, int64(5), stats.Added)
	assert.Equal(t, int64(1), stats.Removed)
	assert.Equal(t, int64(2), stats.New)
	assert.Equal(t, int64(1), stats.Vanished)
	assert.Equal(t, int64(1), stats.Skipped)

	got := metrics.GetStats()
	assert.Equal(t, int64(2), got.DiffCount)
	assert.Equal(t, int64(5), got.RecordsAdded)
	assert.Equal(t, int64(1), got.RecordsRemoved)
	assert.Equal(t, int64(1), got.ChunksSkipped)

	assert.Contains(t, buf.String(), `"msg":"diff completed"`)
	assert.Contains(t, buf.String(), `"column":"hp"`)
}

// TestDiff_RandomizedMirror replays every change set onto a mirror of the
// tracked column and checks that the mirror matches the store after each
// round.
func TestDiff_RandomizedMirror(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	s, hp := newHPStore(t, 8)
	d := newDiffer(t, colstore.NewQuery(s, hp.ID), hp, WithWorkers(4), WithPageSize(16<<10))

	truth := make(map[RecordID]int32)
	mirror := make(map[RecordID]int32)
	live := func() []RecordID {
		ids := make([]RecordID, 0, len(truth))
		for id := range truth {
			ids = append(ids, id)
		}
		return ids
	}

	for round := range 60 {
		for range rng.IntN(40) {
			ids := live()
			switch op := rng.IntN(10); {
			case op < 4 || len(ids) == 0:
				v := rng.Int32()
				id := createHP(t, s, hp, v)[0]
				truth[id] = v
			case op < 7:
				id := ids[rng.IntN(len(ids))]
				require.NoError(t, s.Destroy(id))
				delete(truth, id)
			default:
				id := ids[rng.IntN(len(ids))]
				v := rng.Int32()
				require.NoError(t, colstore.Set(s, id, hp, v))
				truth[id] = v
			}
		}
		if round%10 == 0 {
			s.Relocate()
		}

		cs := mustDiff(t, d)
		removed := removedIDs(t, cs)
		for _, id := range removed {
			_, ok := mirror[id]
			require.True(t, ok, "round %d: %v removed but never added", round, id)
			delete(mirror, id)
		}
		added := addedIDs(t, cs)
		values, err := AddedValues[int32](cs)
		require.NoError(t, err)
		for i, id := range added {
			mirror[id] = values[i]
		}
		require.Equal(t, truth, mirror, "round %d", round)
	}
}
