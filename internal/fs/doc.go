// Package fs provides the file system abstraction behind the local blob store.
//
// Production code uses [Default], which is [LocalFS]. Tests wrap it in a
// [FaultyFS] to make writes, syncs, closes or renames fail for selected
// files:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule(".ckpt", fs.Fault{FailOnSync: true})
//
// The operations carry no context.Context. Local file system calls are not
// interruptible at the syscall level.
package fs
