package chunkdiff

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hupe1980/chunkdiff/blobstore"
	"github.com/hupe1980/chunkdiff/internal/arena"
	"github.com/hupe1980/chunkdiff/internal/checkpoint"
	"github.com/hupe1980/chunkdiff/internal/resource"
	"github.com/hupe1980/chunkdiff/internal/shadow"
)

// Checkpoint writes the retained state of d to store under name.
//
// A differ restored from the checkpoint reports the same next change set as
// d would. The upload is throttled by the IO limit of the resource
// controller.
func (d *Differ) Checkpoint(ctx context.Context, store blobstore.Store, name string) error {
	if d.isClosed() {
		return ErrClosed
	}

	start := time.Now()
	n, err := d.checkpoint(ctx, store, name)
	d.opts.metricsCollector.RecordCheckpoint(n, time.Since(start), err)
	d.logger.LogCheckpoint(ctx, name, n, err)
	return err
}

func (d *Differ) checkpoint(ctx context.Context, store blobstore.Store, name string) (int, error) {
	img := d.shadows.Export(checkpoint.ColumnFromInfo(d.column))
	data, err := checkpoint.Marshal(img, d.opts.compression)
	if err != nil {
		return 0, err
	}
	if err := d.opts.rc.AcquireIO(ctx, len(data)); err != nil {
		return 0, err
	}
	if err := store.Put(ctx, name, data); err != nil {
		return 0, fmt.Errorf("checkpoint %q: %w", name, err)
	}
	return len(data), nil
}

// CommitCheckpoint writes a checkpoint under name and then points
// blobstore.CurrentName at it. A failed commit leaves the previous pointer in
// place.
func (d *Differ) CommitCheckpoint(ctx context.Context, store blobstore.Store, name string) error {
	if name == blobstore.CurrentName {
		return fmt.Errorf("commit %q: name is reserved for the commit pointer", name)
	}
	if err := d.Checkpoint(ctx, store, name); err != nil {
		return err
	}
	if err := blobstore.Commit(ctx, store, name); err != nil {
		return fmt.Errorf("commit %q: %w", name, err)
	}
	return nil
}

// RestoreLatest restores the checkpoint blobstore.CurrentName points at and
// returns its name.
func (d *Differ) RestoreLatest(ctx context.Context, store blobstore.Store) (string, error) {
	if d.isClosed() {
		return "", ErrClosed
	}
	name, err := blobstore.Current(ctx, store)
	if err != nil {
		return "", fmt.Errorf("restore latest: %w", err)
	}
	return name, d.Restore(ctx, store, name)
}

// Restore replaces the retained state of d with the checkpoint stored under
// name. Row indices and the free-row stack are restored exactly.
//
// A checkpoint written for another column fails with ErrColumnMismatch, a
// damaged one with ErrCorruptCheckpoint. On error d is unchanged.
func (d *Differ) Restore(ctx context.Context, store blobstore.Store, name string) error {
	if d.isClosed() {
		return ErrClosed
	}

	start := time.Now()
	n, chunks, err := d.restore(ctx, store, name)
	d.opts.metricsCollector.RecordRestore(n, time.Since(start), err)
	d.logger.LogRestore(ctx, name, chunks, err)
	return err
}

func (d *Differ) restore(ctx context.Context, store blobstore.Store, name string) (int, int, error) {
	blob, err := store.Open(ctx, name)
	if err != nil {
		return 0, 0, fmt.Errorf("restore %q: %w", name, err)
	}
	defer func() { _ = blob.Close() }()

	data := make([]byte, blob.Size())
	r := resource.NewRateLimitedReader(ctx, blobstore.NewReader(ctx, blob), d.opts.rc)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, 0, fmt.Errorf("restore %q: %w", name, err)
	}

	img, _, err := checkpoint.Unmarshal(data)
	if err != nil {
		return len(data), 0, translateError(err)
	}
	if want := checkpoint.ColumnFromInfo(d.column); img.Column != want {
		return len(data), 0, &ColumnMismatchError{Want: want, Got: img.Column}
	}

	a := arena.New(d.opts.pageSize, arena.WithMemoryAcquirer(d.opts.rc))
	tbl, err := shadow.Restore(a, d.column, img)
	if err != nil {
		_ = a.Close()
		return len(data), 0, translateError(err)
	}

	d.shadows.Close()
	_ = d.arena.Close()
	d.arena, d.shadows = a, tbl

	d.mu.Lock()
	d.tracked = tbl.Len()
	d.mu.Unlock()
	return len(data), tbl.Len(), nil
}
