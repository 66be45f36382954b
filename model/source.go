package model

import "context"

// Chunk is a read-only view of one fixed-capacity block of records.
//
// Records occupy slots [0, len(Records())) contiguously. Versions increase
// monotonically and change whenever the data in their dimension is mutated.
type Chunk interface {
	// Seq returns the stable identity of the chunk.
	Seq() ChunkSeq
	// Capacity returns the maximum number of records the chunk can hold.
	Capacity() int
	// Records returns the identities of the records in slot order.
	Records() []RecordID
	// LayoutVersion changes whenever records are added, removed or moved.
	LayoutVersion() uint64
	// Column returns the raw bytes of the column and its change version.
	// Per-record columns hold len(Records())*size bytes, per-chunk columns one value.
	Column(id ColumnID) (data []byte, version uint64, ok bool)
}

// Query enumerates the chunks matching a filter.
type Query interface {
	// UpperBound returns a cheap upper bound of the number of matching chunks.
	// It must not block on enumeration.
	UpperBound() int
	// Snapshot appends every matching chunk to dst. The chunks must not be
	// mutated until the caller is done reading them.
	Snapshot(ctx context.Context, dst []Chunk) ([]Chunk, error)
}
