// Package model defines core types used throughout chunkdiff.
//
// # Identity Types
//
//   - RecordID: (index, generation) pair identifying a record; the index may be
//     reused after destruction, the generation tells the reuses apart
//   - ChunkSeq: stable sequence number assigned to a chunk for its lifetime (0 is never valid)
//   - ColumnID: store-local identifier of a tracked column
//   - Handle: small integer handle of an interned shared value
//
// # Tracking
//
// A ColumnInfo describes what a differ tracks and at which granularity (Kind):
//
//	col, err := model.ColumnOf[Position](1, "position", model.KindValue)
//
// # Collaborators
//
// Chunk and Query are the contracts a host columnar store implements so that
// chunks can be enumerated and read by the differ.
package model
