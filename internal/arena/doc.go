// Package arena provides the long-lived allocator behind shadow storage.
//
// Memory is obtained in fixed-size pages via anonymous mappings, so shadow
// buffers add no GC scanning work. Blocks are addressed by Ref (page, offset)
// rather than by pointer, are rounded up to power-of-two size classes, and
// are recycled through per-class free lists when released. Requests larger
// than a page get a dedicated mapping that is unmapped on Free.
//
// # Concurrency
//
// Alloc and Free are serialized by a mutex and may be called from multiple
// goroutines. Bytes is lock-free. Close must not run concurrently with any
// other method.
package arena
