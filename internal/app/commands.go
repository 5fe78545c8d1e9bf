package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/arach/scout/internal/dictionary"
	"github.com/arach/scout/internal/post"
	"github.com/arach/scout/internal/session"
	"github.com/arach/scout/internal/store"
	"github.com/arach/scout/internal/strategy"
	"github.com/arach/scout/internal/webhook"
	"github.com/arach/scout/pkg/audio"
	"github.com/arach/scout/pkg/audio/capture"
	"github.com/arach/scout/pkg/audio/ring"
)

// ErrNoStore is returned by storage passthrough commands when persistence is
// not configured.
var ErrNoStore = errors.New("app: storage is not configured")

// ---- recording commands ------------------------------------------------------

// StartRecording implements the start_recording command.
func (a *App) StartRecording(ctx context.Context, deviceName string, vadEnabled, pushToTalk bool) error {
	return a.controller.Start(ctx, session.StartOptions{
		DeviceName: deviceName,
		VADEnabled: vadEnabled,
		PushToTalk: pushToTalk,
	})
}

// StopRecording implements the stop_recording command and returns the
// transcript id.
func (a *App) StopRecording(ctx context.Context) (string, error) {
	return a.controller.Stop(ctx)
}

// IsRecording implements the is_recording command.
func (a *App) IsRecording() bool {
	return a.controller.IsRecording()
}

// CurrentAudioLevel implements the current_audio_level command.
func (a *App) CurrentAudioLevel() float32 {
	return a.controller.Level()
}

// ListDevices implements the list_devices command from the monitor snapshot,
// falling back to a direct enumeration when the monitor is not running.
func (a *App) ListDevices() ([]capture.DeviceInfo, error) {
	if a.monitor != nil {
		return a.monitor.Devices(), nil
	}
	return capture.ListDevices()
}

// ListModels implements the model-management listing: model files found
// alongside the configured model path.
func (a *App) ListModels() ([]string, error) {
	dir := filepath.Dir(a.cfg.Model.Path)
	if a.cfg.Model.Path == "" {
		dir = "models"
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.bin"))
	if err != nil {
		return nil, fmt.Errorf("app: list models in %q: %w", dir, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// ---- file transcription ------------------------------------------------------

// TranscribeFile implements the transcribe_file command: convert the input
// to canonical WAV, pick Classic or Streaming by length, transcribe, and
// run the full post-processing pipeline. Returns the transcript id.
func (a *App) TranscribeFile(ctx context.Context, path string) (string, error) {
	wavPath, err := a.converter.Convert(ctx, path)
	if err != nil {
		return "", err
	}

	samples, _, err := audio.DecodeWAV(wavPath)
	if err != nil {
		return "", err
	}
	durationMs := audio.DurationMs(int64(len(samples)))

	trans, err := a.transcriber()
	if err != nil {
		return "", err
	}

	threshold := int64(a.cfg.Transcription.UploadStreamingThresholdSeconds) * 1000
	var result strategy.Result
	if threshold > 0 && durationMs > threshold {
		result, err = a.streamFile(ctx, trans, samples)
	} else {
		result, err = strategy.NewClassic(trans).Transcribe(ctx, wavPath)
	}
	if err != nil {
		return "", fmt.Errorf("app: transcribe %q: %w", path, err)
	}

	out, err := a.processor.Finalize(ctx, post.Input{
		Result:     result,
		AudioPath:  wavPath,
		DurationMs: durationMs,
		ModelName:  a.cfg.Model.Path,
	})
	if err != nil {
		return "", err
	}
	slog.Info("file transcribed", "path", path, "transcript_id", out.TranscriptID,
		"strategy", result.Strategy, "duration_ms", durationMs)
	return out.TranscriptID, nil
}

// streamFile runs the streaming strategy over a fully-known file: the ring
// is sized to hold the whole file so retention never trips, the audio is fed
// in one burst, and finalisation flushes every chunk.
func (a *App) streamFile(ctx context.Context, trans strategy.Transcriber, samples []float32) (strategy.Result, error) {
	capacity := len(samples) + audio.SampleRate
	buf := ring.New(capacity)

	params := a.strategyParams()
	// Uploads drain the whole backlog at finalize; scale the grace with the
	// amount of audio rather than the live-session default.
	perChunk := 30 * time.Second
	chunks := int64(len(samples))/int64(audio.SamplesForDuration(params.ChunkDuration.Milliseconds())) + 1
	params.DrainGrace = time.Duration(chunks) * perChunk

	s, err := strategy.NewStreaming(buf, trans, params)
	if err != nil {
		return strategy.Result{}, err
	}
	go func() {
		for range s.Partials() {
			// Upload partials are not surfaced; drain to keep assembly moving.
		}
	}()

	s.Start(ctx)
	buf.Append(samples)
	return s.Finalize(ctx)
}

// ---- storage passthroughs ----------------------------------------------------

// Transcripts implements get_transcripts.
func (a *App) Transcripts(ctx context.Context, limit int) ([]store.Transcript, error) {
	if a.st == nil {
		return nil, ErrNoStore
	}
	return a.st.Transcripts(ctx, limit)
}

// Transcript implements get_transcript.
func (a *App) Transcript(ctx context.Context, id string) (*store.Transcript, error) {
	if a.st == nil {
		return nil, ErrNoStore
	}
	return a.st.Transcript(ctx, id)
}

// DeleteTranscript implements delete_transcript.
func (a *App) DeleteTranscript(ctx context.Context, id string) error {
	if a.st == nil {
		return ErrNoStore
	}
	return a.st.DeleteTranscript(ctx, id)
}

// DictionaryEntries lists the user dictionary.
func (a *App) DictionaryEntries(ctx context.Context) ([]dictionary.Entry, error) {
	if a.st == nil {
		return nil, ErrNoStore
	}
	return a.st.DictionaryEntries(ctx)
}

// SaveDictionaryEntry creates or updates a dictionary entry.
func (a *App) SaveDictionaryEntry(ctx context.Context, e *dictionary.Entry) error {
	if a.st == nil {
		return ErrNoStore
	}
	return a.st.SaveDictionaryEntry(ctx, e)
}

// DeleteDictionaryEntry removes a dictionary entry.
func (a *App) DeleteDictionaryEntry(ctx context.Context, id string) error {
	if a.st == nil {
		return ErrNoStore
	}
	return a.st.DeleteDictionaryEntry(ctx, id)
}

// Webhooks lists the configured webhooks.
func (a *App) Webhooks(ctx context.Context) ([]webhook.Webhook, error) {
	if a.st == nil {
		return nil, ErrNoStore
	}
	return a.st.Webhooks(ctx)
}

// SaveWebhook creates or updates a webhook.
func (a *App) SaveWebhook(ctx context.Context, w *webhook.Webhook) error {
	if a.st == nil {
		return ErrNoStore
	}
	return a.st.SaveWebhook(ctx, w)
}

// DeleteWebhook removes a webhook.
func (a *App) DeleteWebhook(ctx context.Context, id string) error {
	if a.st == nil {
		return ErrNoStore
	}
	return a.st.DeleteWebhook(ctx, id)
}
