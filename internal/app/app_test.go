package app_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/arach/scout/internal/app"
	"github.com/arach/scout/internal/config"
	"github.com/arach/scout/internal/session"
	"github.com/arach/scout/pkg/audio"
	"github.com/arach/scout/pkg/audio/capture"
	"github.com/arach/scout/pkg/model"
)

// noopRecorder satisfies session.Recorder without touching audio hardware.
type noopRecorder struct{}

func (noopRecorder) Initialize(string) (capture.Metadata, error) {
	return capture.Metadata{DeviceName: "test"}, nil
}
func (noopRecorder) Start(string, capture.SampleCallback) error { return nil }
func (noopRecorder) Stop() (string, int64, error)               { return "", 0, nil }
func (noopRecorder) DeviceLost() <-chan struct{}                { return nil }
func (noopRecorder) CurrentLevel() float32                      { return 0 }

// countingTranscriber echoes per-chunk text and counts calls.
type countingTranscriber struct {
	mu    sync.Mutex
	calls int
	text  string
}

func (c *countingTranscriber) TranscribeAt(_ context.Context, wavPath string, baseMs int64) (model.Result, error) {
	if _, _, err := audio.DecodeWAV(wavPath); err != nil {
		return model.Result{}, err
	}
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return model.Result{Text: c.text}, nil
}

type nullClipboard struct{}

func (nullClipboard) Write(string) error { return nil }
func (nullClipboard) Paste() error       { return nil }
func (nullClipboard) ActiveApp() string  { return "" }

func newTestApp(t *testing.T, trans *countingTranscriber, mutate func(*config.Config)) *app.App {
	t.Helper()
	cfg := config.Default()
	cfg.Audio.RecordingsDir = t.TempDir()
	cfg.Events.ListenAddr = ""
	if mutate != nil {
		mutate(cfg)
	}

	a, err := app.New(context.Background(), cfg,
		app.WithRecorder(noopRecorder{}),
		app.WithTranscriber(trans),
		app.WithClipboard(nullClipboard{}),
	)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	return a
}

func writeWAVSeconds(t *testing.T, seconds int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.wav")
	if err := audio.WriteWAV(path, make([]float32, seconds*audio.SampleRate), audio.SampleRate); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	return path
}

func TestTranscribeFileClassicUnderThreshold(t *testing.T) {
	t.Parallel()

	trans := &countingTranscriber{text: "short upload"}
	a := newTestApp(t, trans, nil)

	id, err := a.TranscribeFile(context.Background(), writeWAVSeconds(t, 3))
	if err != nil {
		t.Fatalf("TranscribeFile: %v", err)
	}
	if id == "" {
		t.Fatal("expected a transcript id")
	}
	if trans.calls != 1 {
		t.Fatalf("transcriber calls = %d, want 1 (classic single pass)", trans.calls)
	}
}

func TestTranscribeFileStreamsOverThreshold(t *testing.T) {
	t.Parallel()

	trans := &countingTranscriber{text: "long upload chunk"}
	a := newTestApp(t, trans, func(cfg *config.Config) {
		// A 2-second threshold with 1-second chunks keeps the test fast.
		cfg.Transcription.UploadStreamingThresholdSeconds = 2
		cfg.Transcription.ChunkDurationMs = 1000
		cfg.Transcription.OverlapMs = 100
		cfg.Transcription.PollIntervalMs = 5
	})

	if _, err := a.TranscribeFile(context.Background(), writeWAVSeconds(t, 4)); err != nil {
		t.Fatalf("TranscribeFile: %v", err)
	}
	trans.mu.Lock()
	defer trans.mu.Unlock()
	if trans.calls < 3 {
		t.Fatalf("transcriber calls = %d, want chunked dispatch (≥3)", trans.calls)
	}
}

func TestTranscribeFileUnsupportedFormat(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, &countingTranscriber{}, nil)
	if _, err := a.TranscribeFile(context.Background(), "/nonexistent/audio.xyz"); err == nil {
		t.Fatal("expected error for bad input")
	}
}

func TestStoragePassthroughsWithoutStore(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, &countingTranscriber{}, nil)
	if _, err := a.Transcripts(context.Background(), 10); !errors.Is(err, app.ErrNoStore) {
		t.Fatalf("Transcripts = %v, want ErrNoStore", err)
	}
	if err := a.DeleteTranscript(context.Background(), "x"); !errors.Is(err, app.ErrNoStore) {
		t.Fatalf("DeleteTranscript = %v, want ErrNoStore", err)
	}
	if _, err := a.Webhooks(context.Background()); !errors.Is(err, app.ErrNoStore) {
		t.Fatalf("Webhooks = %v, want ErrNoStore", err)
	}
}

func TestRecordingLifecycleCommands(t *testing.T) {
	t.Parallel()

	trans := &countingTranscriber{text: "live"}
	a := newTestApp(t, trans, nil)

	if a.IsRecording() {
		t.Fatal("fresh app should not be recording")
	}
	if err := a.StartRecording(context.Background(), "", false, false); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if !a.IsRecording() {
		t.Fatal("IsRecording should be true after StartRecording")
	}
	if err := a.StartRecording(context.Background(), "", false, false); !errors.Is(err, session.ErrAlreadyRecording) {
		t.Fatalf("second StartRecording = %v, want ErrAlreadyRecording", err)
	}
	if _, err := a.StopRecording(context.Background()); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if a.IsRecording() {
		t.Fatal("IsRecording should be false after stop")
	}
}
