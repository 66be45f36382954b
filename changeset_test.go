package chunkdiff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chunkdiff/colstore"
)

func TestChangeSet_Accessors(t *testing.T) {
	s, hp := newHPStore(t, 8)
	ids := createHP(t, s, hp, 10, 20, 30)
	d := newDiffer(t, colstore.NewQuery(s, hp.ID), hp)

	cs := mustDiff(t, d)
	assert.Equal(t, hp, cs.Column())
	assert.Equal(t, 3, cs.AddedCount())

	dst := make([]RecordID, 2)
	n, err := cs.CopyAdded(dst)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, ids[:2], dst)

	n, err = cs.CopyRemoved(dst)
	require.NoError(t, err)
	assert.Zero(t, n)

	for i := range ids {
		entry, err := cs.AddedPayloadIndex(i)
		require.NoError(t, err)
		assert.Equal(t, i, entry)
	}

	payload, err := cs.AddedPayload(1)
	require.NoError(t, err)
	assert.Equal(t, []byte{20, 0, 0, 0}, payload)

	assert.Panics(t, func() { _, _ = cs.AddedPayload(3) })
	assert.Panics(t, func() { _, _ = cs.RemovedPayloadIndex(0) })
}

func TestChangeSet_TypeMismatch(t *testing.T) {
	s, hp := newHPStore(t, 8)
	createHP(t, s, hp, 1)
	d := newDiffer(t, colstore.NewQuery(s, hp.ID), hp)
	cs := mustDiff(t, d)

	_, err := AddedValues[uint32](cs)
	var mismatch *TypeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.ErrorIs(t, err, ErrTypeMismatch)
	assert.Equal(t, "int32", mismatch.Want.String())
	assert.Equal(t, "uint32", mismatch.Got.String())
	assert.Contains(t, err.Error(), "int32")

	_, err = RemovedValues[Handle](cs)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestChangeSet_Release(t *testing.T) {
	s, hp := newHPStore(t, 8)
	createHP(t, s, hp, 1, 2)
	d := newDiffer(t, colstore.NewQuery(s, hp.ID), hp)

	cs, err := d.Diff(t.Context())
	require.NoError(t, err)
	cs.Release()
	cs.Release()

	assert.Zero(t, cs.AddedCount())
	_, err = cs.CopyAdded(make([]RecordID, 2))
	assert.ErrorIs(t, err, ErrReleased)
	_, err = cs.AppendRemoved(nil)
	assert.ErrorIs(t, err, ErrReleased)
	_, err = cs.AddedPayload(0)
	assert.ErrorIs(t, err, ErrReleased)
	_, err = AddedValues[int32](cs)
	assert.ErrorIs(t, err, ErrReleased)

	// Pooled buffers are handed out again without leaking old contents.
	require.NoError(t, colstore.Set(s, mustFirst(t, s, hp), hp, int32(7)))
	next := mustDiff(t, d)
	assert.Equal(t, 1, next.AddedCount())
	values, err := AddedValues[int32](next)
	require.NoError(t, err)
	assert.Equal(t, []int32{7}, values)
}

func mustFirst(t *testing.T, s *colstore.Store, col ColumnInfo) RecordID {
	t.Helper()
	chunks, err := colstore.NewQuery(s, col.ID).Snapshot(t.Context(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	return chunks[0].Records()[0]
}

func TestChangeSet_ZeroSizeColumn(t *testing.T) {
	s := colstore.New()
	frozen, err := colstore.Register[struct{}](s, "frozen", KindValue)
	require.NoError(t, err)

	id, err := s.Create(colstore.V(frozen, struct{}{}))
	require.NoError(t, err)

	d := newDiffer(t, colstore.NewQuery(s, frozen.ID), frozen)
	cs := mustDiff(t, d)
	assert.Equal(t, []RecordID{id}, addedIDs(t, cs))

	payload, err := cs.AddedPayload(0)
	require.NoError(t, err)
	assert.Empty(t, payload)
	values, err := AddedValues[struct{}](cs)
	require.NoError(t, err)
	assert.Len(t, values, 1)

	// Writes to a zero-size column cannot change anything.
	require.NoError(t, colstore.Set(s, id, frozen, struct{}{}))
	requireEmpty(t, mustDiff(t, d))
}
