package chunkdiff

import (
	"sync/atomic"
	"time"
)

// DiffStats describes the work done by diff calls.
type DiffStats struct {
	Chunks      int64 // chunks enumerated
	Skipped     int64 // chunks whose versions matched their shadow
	New         int64 // chunks seen for the first time
	Changed     int64 // chunks compared record by record
	Vanished    int64 // shadowed chunks no longer enumerated
	Comparisons int64 // records compared on the per-record path
	Added       int64
	Removed     int64
}

func (s *DiffStats) add(o DiffStats) {
	s.Chunks += o.Chunks
	s.Skipped += o.Skipped
	s.New += o.New
	s.Changed += o.Changed
	s.Vanished += o.Vanished
	s.Comparisons += o.Comparisons
	s.Added += o.Added
	s.Removed += o.Removed
}

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    skipped prometheus.Counter
//	    latency prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordDiff(stats chunkdiff.DiffStats, d time.Duration, err error) {
//	    p.skipped.Add(float64(stats.Skipped))
//	    p.latency.Observe(d.Seconds())
//	}
type MetricsCollector interface {
	// RecordDiff is called after each diff call.
	// stats is empty if err is not nil.
	RecordDiff(stats DiffStats, duration time.Duration, err error)

	// RecordCheckpoint is called after each checkpoint upload.
	// bytes is the encoded checkpoint size.
	RecordCheckpoint(bytes int, duration time.Duration, err error)

	// RecordRestore is called after each restore.
	RecordRestore(bytes int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordDiff(DiffStats, time.Duration, error)  {}
func (NoopMetricsCollector) RecordCheckpoint(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordRestore(int, time.Duration, error)    {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	DiffCount        atomic.Int64
	DiffErrors       atomic.Int64
	DiffTotalNanos   atomic.Int64
	ChunksSkipped    atomic.Int64
	ChunksCompared   atomic.Int64
	Comparisons      atomic.Int64
	RecordsAdded     atomic.Int64
	RecordsRemoved   atomic.Int64
	CheckpointCount  atomic.Int64
	CheckpointErrors atomic.Int64
	CheckpointBytes  atomic.Int64
	RestoreCount     atomic.Int64
	RestoreErrors    atomic.Int64
}

// RecordDiff implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDiff(stats DiffStats, duration time.Duration, err error) {
	b.DiffCount.Add(1)
	b.DiffTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.DiffErrors.Add(1)
		return
	}
	b.ChunksSkipped.Add(stats.Skipped)
	b.ChunksCompared.Add(stats.Changed)
	b.Comparisons.Add(stats.Comparisons)
	b.RecordsAdded.Add(stats.Added)
	b.RecordsRemoved.Add(stats.Removed)
}

// RecordCheckpoint implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCheckpoint(bytes int, duration time.Duration, err error) {
	b.CheckpointCount.Add(1)
	if err != nil {
		b.CheckpointErrors.Add(1)
		return
	}
	b.CheckpointBytes.Add(int64(bytes))
}

// RecordRestore implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRestore(bytes int, duration time.Duration, err error) {
	b.RestoreCount.Add(1)
	if err != nil {
		b.RestoreErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		DiffCount:        b.DiffCount.Load(),
		DiffErrors:       b.DiffErrors.Load(),
		DiffAvgNanos:     b.getAvgDiffNanos(),
		ChunksSkipped:    b.ChunksSkipped.Load(),
		ChunksCompared:   b.ChunksCompared.Load(),
		Comparisons:      b.Comparisons.Load(),
		RecordsAdded:     b.RecordsAdded.Load(),
		RecordsRemoved:   b.RecordsRemoved.Load(),
		CheckpointCount:  b.CheckpointCount.Load(),
		CheckpointErrors: b.CheckpointErrors.Load(),
		CheckpointBytes:  b.CheckpointBytes.Load(),
		RestoreCount:     b.RestoreCount.Load(),
		RestoreErrors:    b.RestoreErrors.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgDiffNanos() int64 {
	count := b.DiffCount.Load()
	if count == 0 {
		return 0
	}
	return b.DiffTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	DiffCount        int64
	DiffErrors       int64
	DiffAvgNanos     int64
	ChunksSkipped    int64
	ChunksCompared   int64
	Comparisons      int64
	RecordsAdded     int64
	RecordsRemoved   int64
	CheckpointCount  int64
	CheckpointErrors int64
	CheckpointBytes  int64
	RestoreCount     int64
	RestoreErrors    int64
}
