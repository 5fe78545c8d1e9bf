package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arach/scout/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Transcription.ChunkDurationMs != 5000 {
		t.Errorf("ChunkDurationMs = %d, want 5000", cfg.Transcription.ChunkDurationMs)
	}
	if cfg.Transcription.OverlapMs != 500 {
		t.Errorf("OverlapMs = %d, want 500", cfg.Transcription.OverlapMs)
	}
	if cfg.Transcription.MaxParallelWorkers != 2 {
		t.Errorf("MaxParallelWorkers = %d, want 2", cfg.Transcription.MaxParallelWorkers)
	}
	if cfg.Transcription.PushToTalkCapSeconds != 10 {
		t.Errorf("PushToTalkCapSeconds = %d, want 10", cfg.Transcription.PushToTalkCapSeconds)
	}
	if cfg.Audio.RetentionSeconds != 300 {
		t.Errorf("RetentionSeconds = %d, want 300", cfg.Audio.RetentionSeconds)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Level = %q, want info", cfg.Logging.Level)
	}
	if !cfg.Post.AutoCopy {
		t.Error("AutoCopy default should be true")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Parallel()

	const doc = `
model:
  path: models/ggml-base.en.bin
  language: de
transcription:
  chunk_duration_ms: 10000
  max_parallel_workers: 4
audio:
  device: "USB Microphone"
`
	cfg, err := config.LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Model.Path != "models/ggml-base.en.bin" {
		t.Errorf("Model.Path = %q", cfg.Model.Path)
	}
	if cfg.Model.Language != "de" {
		t.Errorf("Language = %q, want de", cfg.Model.Language)
	}
	if cfg.Transcription.ChunkDurationMs != 10000 {
		t.Errorf("ChunkDurationMs = %d, want 10000", cfg.Transcription.ChunkDurationMs)
	}
	if cfg.Transcription.MaxParallelWorkers != 4 {
		t.Errorf("MaxParallelWorkers = %d, want 4", cfg.Transcription.MaxParallelWorkers)
	}
	// Unset fields still fall back to defaults.
	if cfg.Transcription.OverlapMs != 500 {
		t.Errorf("OverlapMs = %d, want 500", cfg.Transcription.OverlapMs)
	}
	if cfg.Audio.Device != "USB Microphone" {
		t.Errorf("Device = %q", cfg.Audio.Device)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	t.Parallel()

	if _, err := config.LoadFromReader(strings.NewReader("transcripton:\n  chunk_duration_ms: 1\n")); err == nil {
		t.Fatal("expected error for misspelled top-level key")
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "bad log level",
			doc:  "logging:\n  level: loud\n",
			want: "logging.level",
		},
		{
			name: "overlap exceeds chunk",
			doc:  "transcription:\n  chunk_duration_ms: 500\n  overlap_ms: 600\n",
			want: "overlap_ms",
		},
		{
			name: "negative retry",
			doc:  "transcription:\n  retry_max: -1\n",
			want: "retry_max",
		},
		{
			name: "unknown dedup algorithm",
			doc:  "transcription:\n  dedup_algorithm: magic\n",
			want: "dedup_algorithm",
		},
		{
			name: "retention too small",
			doc:  "audio:\n  retention_seconds: 3\n",
			want: "retention_seconds",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.doc))
			if err == nil {
				t.Fatalf("expected validation error mentioning %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestShortChunksAllowedWithWarning(t *testing.T) {
	t.Parallel()

	// Sub-3s chunks are known-bad but must remain configurable so the
	// benchmark harness can demonstrate the degradation.
	cfg, err := config.LoadFromReader(strings.NewReader("transcription:\n  chunk_duration_ms: 1000\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Transcription.ChunkDurationMs != 1000 {
		t.Fatalf("ChunkDurationMs = %d, want 1000", cfg.Transcription.ChunkDurationMs)
	}
}

func TestWatcherReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	write := func(doc string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	write("transcription:\n  chunk_duration_ms: 5000\n")

	changed := make(chan *config.Config, 1)
	w, err := config.NewWatcher(path, func(_, cur *config.Config) {
		changed <- cur
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Transcription.ChunkDurationMs; got != 5000 {
		t.Fatalf("initial ChunkDurationMs = %d, want 5000", got)
	}

	// Ensure a different mtime even on coarse-grained filesystems.
	time.Sleep(50 * time.Millisecond)
	write("transcription:\n  chunk_duration_ms: 8000\n")
	if err := os.Chtimes(path, time.Now(), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	select {
	case cur := <-changed:
		if cur.Transcription.ChunkDurationMs != 8000 {
			t.Fatalf("reloaded ChunkDurationMs = %d, want 8000", cur.Transcription.ChunkDurationMs)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcherKeepsOldConfigOnInvalidEdit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	w, err := config.NewWatcher(path, nil, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.Chtimes(path, time.Now(), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := w.Current().Logging.Level; got != "debug" {
		t.Fatalf("Level after invalid edit = %q, want debug (old config retained)", got)
	}
}
