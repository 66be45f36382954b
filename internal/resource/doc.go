// Package resource governs the resources a differ may consume.
//
// A Controller bounds three things:
//
//   - Memory: bytes mapped for shadow storage (non-blocking, fail-fast)
//   - Workers: goroutines a diff may fan out to
//   - IO: checkpoint upload and download throughput (token bucket)
//
// # Memory
//
// The shadow arena acquires memory whenever it maps a page. When the limit
// would be exceeded AcquireMemory returns ErrMemoryLimitExceeded at once and
// the diff that needed the page fails without touching shadow state:
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes: 256 << 20,
//	})
//
// # IO
//
// Checkpoint writers and readers are wrapped so large images do not saturate
// the link to the blob store:
//
//	w := resource.NewRateLimitedWriter(ctx, buf, rc)
//
// All methods accept a nil *Controller and become no-ops.
package resource
