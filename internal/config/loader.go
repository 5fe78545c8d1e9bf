package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// validLogLevels lists the accepted logging.level values.
var validLogLevels = []string{"debug", "info", "warn", "error"}

// validDedupAlgorithms lists the implemented overlap deduplication algorithms.
var validDedupAlgorithms = []string{"greedy-token"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found; tuning choices that
// are legal but known-bad only produce warnings.
func Validate(cfg *Config) error {
	var errs []error

	if !slices.Contains(validLogLevels, cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level %q is invalid; valid values: debug, info, warn, error", cfg.Logging.Level))
	}

	if cfg.Audio.RetentionSeconds < 10 {
		errs = append(errs, fmt.Errorf("audio.retention_seconds %d is too small; minimum 10", cfg.Audio.RetentionSeconds))
	}

	tr := cfg.Transcription
	if tr.ChunkDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("transcription.chunk_duration_ms must be positive"))
	} else if tr.ChunkDurationMs < 3000 {
		// Chunks this short have measured ~100% word error rates. Allowed
		// only so the benchmark harness can demonstrate exactly that.
		slog.Warn("transcription.chunk_duration_ms below 3000 produces unusable transcripts",
			"chunk_duration_ms", tr.ChunkDurationMs)
	}
	if tr.OverlapMs < 0 {
		errs = append(errs, fmt.Errorf("transcription.overlap_ms must not be negative"))
	}
	if tr.ChunkDurationMs > 0 && tr.OverlapMs >= tr.ChunkDurationMs {
		errs = append(errs, fmt.Errorf("transcription.overlap_ms %d must be smaller than chunk_duration_ms %d", tr.OverlapMs, tr.ChunkDurationMs))
	}
	if tr.MinChunkMs <= 0 {
		errs = append(errs, fmt.Errorf("transcription.min_chunk_ms must be positive"))
	}
	if tr.MaxParallelWorkers < 1 {
		errs = append(errs, fmt.Errorf("transcription.max_parallel_workers %d must be at least 1", tr.MaxParallelWorkers))
	}
	if tr.RetryMax < 0 {
		errs = append(errs, fmt.Errorf("transcription.retry_max must not be negative"))
	}
	if !slices.Contains(validDedupAlgorithms, tr.DedupAlgorithm) {
		errs = append(errs, fmt.Errorf("transcription.dedup_algorithm %q is unknown; valid values: %v", tr.DedupAlgorithm, validDedupAlgorithms))
	}

	if cfg.Model.Path == "" {
		slog.Warn("model.path is empty; transcription commands will fail until a model is configured")
	}
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; transcripts will not be persisted")
	}
	if cfg.Post.AutoPaste && !cfg.Post.AutoCopy {
		slog.Warn("post.auto_paste is set without post.auto_copy; the finalised text is still written to the clipboard before each paste")
	}

	return errors.Join(errs...)
}
