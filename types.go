package chunkdiff

import "github.com/hupe1980/chunkdiff/model"

// Aliases of the model types so callers only need one import.
type (
	RecordID           = model.RecordID
	ChunkSeq           = model.ChunkSeq
	ColumnID           = model.ColumnID
	Handle             = model.Handle
	Kind               = model.Kind
	ColumnInfo         = model.ColumnInfo
	Chunk              = model.Chunk
	Query              = model.Query
	InvariantViolation = model.InvariantViolation
)

const (
	KindExistence       = model.KindExistence
	KindValue           = model.KindValue
	KindShared          = model.KindShared
	KindSharedUnmanaged = model.KindSharedUnmanaged
)

// Existence returns the column of a differ that tracks record identities only.
func Existence() ColumnInfo {
	return model.Existence()
}

// ColumnOf describes a column holding values of type T.
func ColumnOf[T any](id ColumnID, name string, kind Kind) (ColumnInfo, error) {
	c, err := model.ColumnOf[T](id, name, kind)
	return c, translateError(err)
}
