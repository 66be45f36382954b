package chunkdiff

import (
	"log/slog"

	"github.com/hupe1980/chunkdiff/internal/arena"
	"github.com/hupe1980/chunkdiff/internal/checkpoint"
	"github.com/hupe1980/chunkdiff/internal/resource"
)

// Compression selects how checkpoint bodies are compressed.
type Compression = checkpoint.Compression

const (
	CompressionNone = checkpoint.CompressionNone
	CompressionLZ4  = checkpoint.CompressionLZ4
	CompressionZSTD = checkpoint.CompressionZSTD
)

// ParseCompression parses "none", "lz4" or "zstd".
func ParseCompression(s string) (Compression, error) {
	return checkpoint.ParseCompression(s)
}

// ResourceController bounds shadow memory, diff fan-out and checkpoint IO.
// A controller may be shared by several differs.
type ResourceController = resource.Controller

// ResourceConfig holds the limits of a ResourceController.
type ResourceConfig = resource.Config

// NewResourceController creates a ResourceController.
func NewResourceController(cfg ResourceConfig) *ResourceController {
	return resource.NewController(cfg)
}

type options struct {
	metricsCollector MetricsCollector
	logger           *Logger
	workers          int
	memoryLimit      int64
	ioLimit          int64
	rc               *resource.Controller
	pageSize         int
	compression      Compression
}

// Option configures a Differ.
type Option func(*options)

// WithMetricsCollector configures a metrics collector for diff and
// checkpoint operations. Pass nil to disable metrics collection.
//
// Example with basic metrics:
//
//	metrics := &chunkdiff.BasicMetricsCollector{}
//	d, _ := chunkdiff.New(query, column, chunkdiff.WithMetricsCollector(metrics))
//	// ... diff ...
//	stats := metrics.GetStats()
//	fmt.Printf("Diffs: %d, skipped chunks: %d\n", stats.DiffCount, stats.ChunksSkipped)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := chunkdiff.NewJSONLogger(slog.LevelInfo)
//	d, _ := chunkdiff.New(query, column, chunkdiff.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithWorkers bounds the number of goroutines one diff call fans out to.
// Values <= 0 select GOMAXPROCS. Ignored when WithResourceController is set.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithMemoryLimit bounds the bytes mapped for shadow storage.
// A diff that would exceed it fails with ErrMemoryLimit and leaves the
// shadow untouched. Ignored when WithResourceController is set.
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) {
		o.memoryLimit = bytes
	}
}

// WithIOLimit bounds checkpoint throughput in bytes per second.
// Ignored when WithResourceController is set.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.ioLimit = bytesPerSec
	}
}

// WithResourceController shares rc with other differs. It replaces the
// limits given by WithWorkers, WithMemoryLimit and WithIOLimit.
func WithResourceController(rc *ResourceController) Option {
	return func(o *options) {
		o.rc = rc
	}
}

// WithPageSize sets the size of the pages shadow storage is carved from.
// It is rounded up to a power of two of at least 4 KiB.
func WithPageSize(bytes int) Option {
	return func(o *options) {
		o.pageSize = bytes
	}
}

// WithCompression selects the checkpoint body compression.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		pageSize:         arena.DefaultPageSize,
		compression:      CompressionLZ4,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.rc == nil {
		o.rc = resource.NewController(resource.Config{
			MemoryLimitBytes:   o.memoryLimit,
			MaxWorkers:         o.workers,
			IOLimitBytesPerSec: o.ioLimit,
		})
	}
	return o
}
