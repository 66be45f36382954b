// Package config holds the workload configuration of the chunkdiff CLI.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/chunkdiff/internal/checkpoint"
	"github.com/hupe1980/chunkdiff/model"
)

// Config is the complete simulate configuration.
type Config struct {
	Seed       uint64           `yaml:"seed"`
	Iterations int              `yaml:"iterations"`
	LogLevel   string           `yaml:"log_level"`
	Store      StoreConfig      `yaml:"store"`
	Workload   WorkloadConfig   `yaml:"workload"`
	Differ     DifferConfig     `yaml:"differ"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
}

// StoreConfig configures the reference store.
type StoreConfig struct {
	ChunkCapacity int `yaml:"chunk_capacity"`
}

// WorkloadConfig describes the random mutations applied between diffs.
//
// Weights are relative; an operation with weight 0 never runs.
type WorkloadConfig struct {
	Kind            string `yaml:"kind"`
	InitialRecords  int    `yaml:"initial_records"`
	OpsPerIteration int    `yaml:"ops_per_iteration"`
	CreateWeight    int    `yaml:"create_weight"`
	DestroyWeight   int    `yaml:"destroy_weight"`
	MutateWeight    int    `yaml:"mutate_weight"`
	MoveWeight      int    `yaml:"move_weight"`
	SharedValues    int    `yaml:"shared_values"` // distinct values of the shared column
	RelocateEvery   int    `yaml:"relocate_every"`
}

// DifferConfig maps onto the differ options.
type DifferConfig struct {
	Workers     int    `yaml:"workers"`
	MemoryLimit int64  `yaml:"memory_limit"`
	PageSize    int    `yaml:"page_size"`
	Compression string `yaml:"compression"`
}

// CheckpointConfig enables periodic checkpoints to a local directory.
type CheckpointConfig struct {
	Dir   string `yaml:"dir"`
	Every int    `yaml:"every"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Seed:       1,
		Iterations: 20,
		LogLevel:   "info",
		Store: StoreConfig{
			ChunkCapacity: 128,
		},
		Workload: WorkloadConfig{
			Kind:            "value",
			InitialRecords:  1000,
			OpsPerIteration: 100,
			CreateWeight:    4,
			DestroyWeight:   3,
			MutateWeight:    4,
			MoveWeight:      1,
			SharedValues:    4,
		},
		Differ: DifferConfig{
			Compression: "lz4",
		},
	}
}

// Load reads path over the defaults, applies CHUNKDIFF_* environment
// overrides and validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("CHUNKDIFF_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CHUNKDIFF_SEED"); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CHUNKDIFF_SEED: %w", err)
		}
		c.Seed = seed
	}
	if v := os.Getenv("CHUNKDIFF_CHECKPOINT_DIR"); v != "" {
		c.Checkpoint.Dir = v
	}
	return nil
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.Iterations < 0 {
		return fmt.Errorf("iterations must be non-negative, got %d", c.Iterations)
	}
	if c.Store.ChunkCapacity <= 0 {
		return fmt.Errorf("store.chunk_capacity must be positive, got %d", c.Store.ChunkCapacity)
	}
	if _, err := c.Kind(); err != nil {
		return fmt.Errorf("workload.kind: %w", err)
	}

	w := c.Workload
	if w.InitialRecords < 0 || w.OpsPerIteration < 0 || w.RelocateEvery < 0 {
		return fmt.Errorf("workload counts must be non-negative")
	}
	if w.CreateWeight < 0 || w.DestroyWeight < 0 || w.MutateWeight < 0 || w.MoveWeight < 0 {
		return fmt.Errorf("workload weights must be non-negative")
	}
	if w.OpsPerIteration > 0 && w.CreateWeight+w.DestroyWeight+w.MutateWeight+w.MoveWeight == 0 {
		return fmt.Errorf("workload needs at least one positive weight")
	}
	if w.SharedValues < 1 || w.SharedValues > 255 {
		return fmt.Errorf("workload.shared_values must be between 1 and 255, got %d", w.SharedValues)
	}

	if c.Differ.Workers < 0 || c.Differ.MemoryLimit < 0 || c.Differ.PageSize < 0 {
		return fmt.Errorf("differ limits must be non-negative")
	}
	if _, err := c.Compression(); err != nil {
		return fmt.Errorf("differ.compression: %w", err)
	}
	if _, err := c.Level(); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.Checkpoint.Every < 0 {
		return fmt.Errorf("checkpoint.every must be non-negative, got %d", c.Checkpoint.Every)
	}
	return nil
}

// Kind returns the parsed workload kind.
func (c *Config) Kind() (model.Kind, error) {
	return model.ParseKind(strings.ToLower(c.Workload.Kind))
}

// Compression returns the parsed checkpoint compression.
func (c *Config) Compression() (checkpoint.Compression, error) {
	return checkpoint.ParseCompression(strings.ToLower(c.Differ.Compression))
}

// Level returns the parsed log level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.LogLevel))
	return level, err
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
