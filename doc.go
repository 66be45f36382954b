// Package chunkdiff reports what changed in a chunked, versioned columnar
// store since the last time you asked.
//
// A Differ watches one column over the chunks matched by a query. For every
// chunk it keeps a private copy (the shadow) of the record identities and
// tracked bytes as they were at the end of the previous call, stamped with
// the chunk's change versions. A chunk whose versions did not move is
// skipped without touching its data, so a mostly static store costs one
// version check per chunk.
//
// # Quick Start
//
//	col, _ := chunkdiff.ColumnOf[Health](healthID, "health", chunkdiff.KindValue)
//	d, _ := chunkdiff.New(query, col)
//	defer d.Close()
//
//	cs, _ := d.Diff(ctx)
//	defer cs.Release()
//
//	added, _ := cs.AppendAdded(nil)
//	values, _ := chunkdiff.AddedValues[Health](cs)
//
// # Column Kinds
//
//   - KindExistence tracks record identities only.
//   - KindValue tracks one fixed-size value per record.
//   - KindShared tracks one interned value handle per chunk.
//   - KindSharedUnmanaged tracks the raw bytes of one value per chunk.
//
// Tracked types must be plain values: no pointers, slices, maps, strings or
// interfaces. Payload equality is byte equality.
//
// # What Is Reported
//
//   - A chunk seen for the first time reports all of its records as added.
//   - A different record at the same slot reports a remove and an add.
//   - Changed bytes for the same record report a remove with the old value
//     and an add with the new one.
//   - A chunk that grew or shrank reports the extra records as added or removed.
//   - A chunk that is no longer matched reports all of its retained records
//     as removed.
//
// # Concurrency
//
// One call runs at a time per Differ. Inside a call the chunks are compared
// in parallel while liveness is scanned; a ResourceController bounds the
// fan-out and may be shared by several differs.
//
// # Checkpoints
//
// Checkpoint and Restore move the retained state through a blobstore.Store
// (local disk, memory, S3 or MinIO), so a process can resume diffing where a
// previous one stopped.
package chunkdiff
