package colstore

import (
	"bytes"
	"context"
	"slices"

	"github.com/hupe1980/chunkdiff/model"
)

// Query matches the chunks of every archetype that holds all of a set of
// columns, none of another set, and the filtered shared values.
//
// The filter may be changed between snapshots; a query is not safe for
// concurrent use while it is being changed.
type Query struct {
	s      *Store
	all    []model.ColumnID
	none   []model.ColumnID
	shared map[model.ColumnID][]byte
}

var _ model.Query = (*Query)(nil)

// NewQuery matches chunks holding every column in all. With no columns it
// matches every chunk.
func NewQuery(s *Store, all ...model.ColumnID) *Query {
	return &Query{s: s, all: slices.Clone(all)}
}

// WithNone excludes chunks holding any of cols.
func (q *Query) WithNone(cols ...model.ColumnID) *Query {
	q.none = append(q.none, cols...)
	return q
}

// SetSharedFilter restricts a KindShared column to one interned value.
func (q *Query) SetSharedFilter(col model.ColumnID, h model.Handle) *Query {
	return q.setShared(col, encode(h))
}

// SharedFilter restricts a shared column to value v. Values of KindShared
// columns are interned first.
func SharedFilter[T any](q *Query, col model.ColumnInfo, v T) *Query {
	data := encode(v)
	if col.Kind == model.KindShared {
		data = encode(q.s.interner.Intern(data))
	}
	return q.setShared(col.ID, data)
}

func (q *Query) setShared(col model.ColumnID, data []byte) *Query {
	if q.shared == nil {
		q.shared = make(map[model.ColumnID][]byte)
	}
	q.shared[col] = data
	return q
}

// ClearSharedFilter removes every shared-value restriction.
func (q *Query) ClearSharedFilter() *Query {
	q.shared = nil
	return q
}

func (q *Query) matches(a *archetype) bool {
	for _, id := range q.all {
		if a.index(id) < 0 {
			return false
		}
	}
	for _, id := range q.none {
		if a.index(id) >= 0 {
			return false
		}
	}
	for id, want := range q.shared {
		i := a.index(id)
		if i < 0 || !bytes.Equal(a.shared[i], want) {
			return false
		}
	}
	return true
}

// UpperBound returns the total number of chunks, ignoring the filter.
func (q *Query) UpperBound() int {
	return q.s.ChunkCount()
}

// Snapshot appends the matching chunks to dst, in archetype creation order.
func (q *Query) Snapshot(ctx context.Context, dst []model.Chunk) ([]model.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return dst, err
	}

	q.s.mu.RLock()
	defer q.s.mu.RUnlock()

	for _, a := range q.s.archetypes {
		if len(a.chunks) == 0 || !q.matches(a) {
			continue
		}
		for _, c := range a.chunks {
			dst = append(dst, c)
		}
	}
	return dst, nil
}
