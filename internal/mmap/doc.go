// Package mmap provides memory mappings for checkpoint reads and shadow pages.
//
// # Usage
//
//	m, err := mmap.Open("shadow.ckpt")
//	if err != nil { ... }
//	defer m.Close()
//	data := m.Bytes()
//
// MapAnon creates read-write anonymous mappings outside the Go heap. The shadow
// arena obtains its pages this way so that large shadow tables add no GC
// scanning work.
//
// # Platform Support
//
//   - Unix: mmap(2) and madvise(2)
//   - Windows: CreateFileMapping/MapViewOfFile and VirtualAlloc (advice is a no-op)
//   - Others: heap-backed fallback
//
// Close is idempotent. Callers must not touch Bytes() after Close returns.
package mmap
