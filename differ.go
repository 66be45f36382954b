package chunkdiff

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/chunkdiff/internal/arena"
	"github.com/hupe1980/chunkdiff/internal/shadow"
)

// Differ tracks one column over the chunks matched by a query and reports,
// on every call to Diff, the records added and removed since the previous
// call.
//
// A Differ serves one call at a time. Diff, DiffAsync, Checkpoint, Restore
// and Close must not overlap; Stats and Tracked may be called at any time.
type Differ struct {
	query  Query
	column ColumnInfo
	opts   options
	logger *Logger

	payloadSize int
	perChunk    bool

	arena   *arena.Arena
	shadows *shadow.Table

	// Reused across calls.
	chunks  []Chunk
	results []chunkResult

	mu      sync.Mutex
	totals  DiffStats
	tracked int
	closed  bool
}

// New creates a Differ for column over the chunks matched by query.
//
// The column type is validated here: a type that holds pointers, slices,
// maps, strings or interfaces fails with an error wrapping both
// ErrInvalidArgument and an *UntrackableTypeError.
func New(query Query, column ColumnInfo, optFns ...Option) (*Differ, error) {
	if query == nil {
		return nil, fmt.Errorf("%w: nil query", ErrInvalidArgument)
	}
	if err := column.Validate(); err != nil {
		return nil, translateError(err)
	}

	o := applyOptions(optFns)
	a := arena.New(o.pageSize, arena.WithMemoryAcquirer(o.rc))

	return &Differ{
		query:       query,
		column:      column,
		opts:        o,
		logger:      o.logger.WithColumn(column.Name),
		payloadSize: column.PayloadSize(),
		perChunk:    column.Kind.PerChunk(),
		arena:       a,
		shadows:     shadow.New(a, column),
	}, nil
}

// Column returns the tracked column.
func (d *Differ) Column() ColumnInfo { return d.column }

// Diff compares the chunks currently matched by the query against the state
// retained by the previous call and returns the changes. The first call
// reports every matched record as added.
//
// ctx is passed to the query snapshot. Once the snapshot is taken the call
// runs to completion. The caller must Release the returned change set.
//
// A chunk whose versions moved backwards, or that does not hold the tracked
// column, violates the store contract and panics with *InvariantViolation.
func (d *Differ) Diff(ctx context.Context) (*ChangeSet, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}

	start := time.Now()
	cs, err := d.diff(ctx)

	var stats DiffStats
	if err == nil {
		stats = cs.stats
		d.mu.Lock()
		d.totals.add(stats)
		d.tracked = d.shadows.Len()
		d.mu.Unlock()
	}
	d.opts.metricsCollector.RecordDiff(stats, time.Since(start), err)
	d.logger.LogDiff(ctx, stats, err)
	return cs, err
}

// DiffAsync starts Diff on a new goroutine. The returned Pending must be
// waited on before the differ is used again.
func (d *Differ) DiffAsync(ctx context.Context) *Pending {
	p := &Pending{done: make(chan struct{})}
	go p.run(func() (*ChangeSet, error) {
		return d.Diff(ctx)
	})
	return p
}

// Stats returns the cumulative statistics of every successful diff.
func (d *Differ) Stats() DiffStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totals
}

// Tracked returns the number of chunks with retained state as of the last
// completed call.
func (d *Differ) Tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tracked
}

// MemoryStats describes the memory held for retained chunk state.
type MemoryStats = arena.Stats

// MemoryStats returns the statistics of the shadow arena.
func (d *Differ) MemoryStats() MemoryStats {
	return d.arena.Stats()
}

// Close releases all retained state. Later calls fail with ErrClosed.
func (d *Differ) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.tracked = 0
	d.shadows.Close()
	d.chunks, d.results = nil, nil
	return d.arena.Close()
}

func (d *Differ) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
