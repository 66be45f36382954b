package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/chunkdiff"
	"github.com/hupe1980/chunkdiff/blobstore"
	"github.com/hupe1980/chunkdiff/internal/config"
)

type simulateOptions struct {
	configPath    string
	iterations    int
	kind          string
	seed          uint64
	checkpointDir string
	logLevel      string
}

func newSimulateCmd() *cobra.Command {
	opts := &simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a random workload and verify every change set",
		Long: `Build a reference store, apply seeded random create, destroy, mutate and
move operations, and diff after every iteration. The change sets are replayed
onto a mirror that must match the store after each iteration.

With a checkpoint directory the shadow state is saved periodically and once
at the end, and the final checkpoint is restored into a second differ that
must report the same changes as the original.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadSimulateConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runSimulate(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Workload configuration file (YAML)")
	cmd.Flags().IntVarP(&opts.iterations, "iterations", "n", 0, "Number of diff iterations")
	cmd.Flags().StringVar(&opts.kind, "kind", "", "Tracked kind: existence, value, shared or shared-unmanaged")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 0, "Random seed")
	cmd.Flags().StringVar(&opts.checkpointDir, "checkpoint-dir", "", "Directory for shadow checkpoints")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	return cmd
}

// loadSimulateConfig loads the config file and applies the flags that were
// set explicitly.
func loadSimulateConfig(cmd *cobra.Command, opts *simulateOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("iterations") {
		cfg.Iterations = opts.iterations
	}
	if flags.Changed("kind") {
		cfg.Workload.Kind = opts.kind
	}
	if flags.Changed("seed") {
		cfg.Seed = opts.seed
	}
	if flags.Changed("checkpoint-dir") {
		cfg.Checkpoint.Dir = opts.checkpointDir
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func differOptions(cfg *config.Config, logger *chunkdiff.Logger, metrics chunkdiff.MetricsCollector) ([]chunkdiff.Option, error) {
	compression, err := cfg.Compression()
	if err != nil {
		return nil, err
	}
	return []chunkdiff.Option{
		chunkdiff.WithLogger(logger),
		chunkdiff.WithMetricsCollector(metrics),
		chunkdiff.WithWorkers(cfg.Differ.Workers),
		chunkdiff.WithMemoryLimit(cfg.Differ.MemoryLimit),
		chunkdiff.WithPageSize(cfg.Differ.PageSize),
		chunkdiff.WithCompression(compression),
	}, nil
}

func runSimulate(ctx context.Context, out, errOut io.Writer, cfg *config.Config) error {
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := chunkdiff.NewLogger(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	w, err := newWorkload(cfg)
	if err != nil {
		return fmt.Errorf("failed to build workload: %w", err)
	}

	metrics := &chunkdiff.BasicMetricsCollector{}
	opts, err := differOptions(cfg, logger, metrics)
	if err != nil {
		return err
	}
	d, err := chunkdiff.New(w.query, w.tracked, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	var store blobstore.Store
	if cfg.Checkpoint.Dir != "" {
		store = blobstore.NewLocalStore(cfg.Checkpoint.Dir)
	}

	_, _ = fmt.Fprintf(out, "simulate kind=%s seed=%d records=%d capacity=%d\n",
		w.kind, cfg.Seed, w.Len(), cfg.Store.ChunkCapacity)

	// Iteration 0 reports the initial population.
	for iter := 0; iter <= cfg.Iterations; iter++ {
		if iter > 0 {
			if err := w.step(); err != nil {
				return fmt.Errorf("iteration %d: %w", iter, err)
			}
			if every := cfg.Workload.RelocateEvery; every > 0 && iter%every == 0 {
				w.store.Relocate()
			}
		}

		start := time.Now()
		stats, err := diffAndVerify(ctx, d, w)
		if err != nil {
			return fmt.Errorf("iteration %d: %w", iter, err)
		}

		_, _ = fmt.Fprintf(out,
			"iter=%d records=%d chunks=%d skipped=%d changed=%d new=%d vanished=%d comparisons=%d added=%d removed=%d took=%s\n",
			iter, w.Len(), stats.Chunks, stats.Skipped, stats.Changed, stats.New, stats.Vanished,
			stats.Comparisons, stats.Added, stats.Removed, time.Since(start).Round(time.Microsecond))

		if store != nil && cfg.Checkpoint.Every > 0 && iter > 0 && iter%cfg.Checkpoint.Every == 0 {
			if err := d.Checkpoint(ctx, store, checkpointName(w, fmt.Sprintf("%06d", iter))); err != nil {
				return err
			}
		}
	}

	if store != nil {
		if err := checkRestore(ctx, d, w, store, opts); err != nil {
			return fmt.Errorf("checkpoint verification: %w", err)
		}
	}

	m := metrics.GetStats()
	mem := d.MemoryStats()
	_, _ = fmt.Fprintf(out,
		"ok: diffs=%d added=%d removed=%d skipped=%d compared=%d comparisons=%d avg=%s tracked=%d shadow_bytes=%d checkpoints=%d\n",
		m.DiffCount, m.RecordsAdded, m.RecordsRemoved, m.ChunksSkipped, m.ChunksCompared, m.Comparisons,
		time.Duration(m.DiffAvgNanos), d.Tracked(), mem.BytesInUse, m.CheckpointCount)
	return nil
}

func checkpointName(w *workload, suffix string) string {
	return fmt.Sprintf("%s-%s.ckpt", w.kind, suffix)
}

// diffAndVerify diffs once, replays the change set onto the mirror and checks
// it against the store.
func diffAndVerify(ctx context.Context, d *chunkdiff.Differ, w *workload) (chunkdiff.DiffStats, error) {
	cs, err := d.Diff(ctx)
	if err != nil {
		return chunkdiff.DiffStats{}, err
	}
	defer cs.Release()

	if err := w.apply(cs); err != nil {
		return chunkdiff.DiffStats{}, err
	}
	if err := w.verify(); err != nil {
		return chunkdiff.DiffStats{}, fmt.Errorf("mirror diverged: %w", err)
	}
	return cs.Stats(), nil
}

// checkRestore commits a final checkpoint, restores the latest commit into a
// second differ and checks that both report the same changes for one more
// iteration.
func checkRestore(ctx context.Context, d *chunkdiff.Differ, w *workload, store blobstore.Store, opts []chunkdiff.Option) error {
	name := checkpointName(w, "final")
	if err := d.CommitCheckpoint(ctx, store, name); err != nil {
		return err
	}

	restored, err := chunkdiff.New(w.query, w.tracked, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = restored.Close() }()

	latest, err := restored.RestoreLatest(ctx, store)
	if err != nil {
		return err
	}
	if latest != name {
		return fmt.Errorf("latest checkpoint is %q, want %q", latest, name)
	}
	if restored.Tracked() != d.Tracked() {
		return fmt.Errorf("restored differ tracks %d chunks, original %d", restored.Tracked(), d.Tracked())
	}

	if err := w.step(); err != nil {
		return err
	}
	cs, err := restored.Diff(ctx)
	if err != nil {
		return err
	}
	defer cs.Release()

	want, err := diffAndVerify(ctx, d, w)
	if err != nil {
		return err
	}
	if got := cs.Stats(); got != want {
		return fmt.Errorf("restored differ reported %+v, original %+v", got, want)
	}
	return nil
}
