// Package colstore is an in-memory chunked columnar store.
//
// Records live in fixed-capacity chunks grouped by archetype: the set of
// columns a record holds plus the values of its shared columns. Every chunk
// carries a stable sequence number and change versions stamped from a
// store-wide counter, which makes the store a complete host for
// chunkdiff.Differ.
//
//	s := colstore.New(colstore.WithChunkCapacity(64))
//	health, _ := colstore.Register[float32](s, "health", model.KindValue)
//	id, _ := s.Create(colstore.V(health, float32(100)))
//	_ = colstore.Set(s, id, health, float32(90))
//
// A Store is safe for concurrent use, but chunks handed out by a Query
// snapshot alias store memory: mutate the store only while no diff runs.
package colstore
