package model

import (
	"fmt"
)

// RecordID identifies a record. Two identities are equal only if both the
// index and the generation match.
type RecordID struct {
	Index      uint32
	Generation uint32
}

// RecordIDSize is the in-memory size of a RecordID in bytes.
const RecordIDSize = 8

// String returns a string representation of the RecordID.
func (r RecordID) String() string {
	return fmt.Sprintf("Rec(%d:%d)", r.Index, r.Generation)
}

// ChunkSeq is the stable identity of a chunk. It is assigned once and never
// changes while the chunk exists. Zero marks a vacated slot.
type ChunkSeq uint64

// ColumnID identifies a column within a store.
type ColumnID uint16

// Handle refers to a value owned by an external interning service.
// The zero handle denotes the default value.
type Handle uint32

// HandleSize is the encoded size of a Handle in bytes.
const HandleSize = 4
