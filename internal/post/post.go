// Package post implements the deterministic, side-effect-bearing
// finalisation of a session's transcript: dictionary substitution, clipboard
// dispatch and auto-paste, persistence of the transcript and metrics rows,
// and webhook fan-out.
//
// The order is fixed. Dictionary runs first so every downstream consumer
// (clipboard, storage, webhooks, the finalisation event) sees the same text.
// Persistence failure degrades the session to Done-with-warning and queues a
// dead letter; webhook failures are logged and never surface at all.
package post

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arach/scout/internal/dictionary"
	"github.com/arach/scout/internal/store"
	"github.com/arach/scout/internal/strategy"
	"github.com/arach/scout/internal/webhook"
	"github.com/arach/scout/pkg/audio/capture"
)

// Clipboard is the narrow clipboard surface the processor needs. The
// clipboard package provides the real implementation.
type Clipboard interface {
	Write(text string) error
	Paste() error
	ActiveApp() string
}

// Input carries everything the processor needs from a finished session.
type Input struct {
	Result     strategy.Result
	AudioPath  string
	DurationMs int64
	Meta       capture.Metadata
	ModelName  string
}

// Output reports what the processor did.
type Output struct {
	TranscriptID string
	Text         string
	Matches      []dictionary.Match

	// Warning is non-empty when the session completed with degradation
	// (e.g. persistence failed and a dead letter was queued).
	Warning string
}

// Options are the post-processing toggles.
type Options struct {
	AutoCopy     bool
	AutoPaste    bool
	PersistEmpty bool
	AppVersion   string
}

// Processor runs the finalisation pipeline. Safe for concurrent use, though
// the session controller runs at most one finalisation at a time.
type Processor struct {
	st    store.Store
	dict  *dictionary.Engine
	hooks *webhook.Dispatcher
	clip  Clipboard
	opts  Options

	// webhook fan-out runs in the background; Wait blocks until all
	// in-flight dispatches finish (shutdown and tests).
	wg sync.WaitGroup
}

// NewProcessor wires the pipeline. st and clip may be nil, disabling
// persistence and clipboard dispatch respectively.
func NewProcessor(st store.Store, dict *dictionary.Engine, hooks *webhook.Dispatcher, clip Clipboard, opts Options) *Processor {
	if dict == nil {
		dict = dictionary.NewEngine(nil)
	}
	return &Processor{st: st, dict: dict, hooks: hooks, clip: clip, opts: opts}
}

// Wait blocks until background webhook dispatches complete.
func (p *Processor) Wait() { p.wg.Wait() }

// Finalize runs the pipeline over a finished session. The returned error is
// non-nil only for failures that prevented producing any transcript text;
// everything else is degradation recorded in Output.Warning.
func (p *Processor) Finalize(ctx context.Context, in Input) (Output, error) {
	// ── 1. Dictionary pass ────────────────────────────────────────────────
	p.refreshDictionary(ctx)
	text, matches := p.dict.Apply(in.Result.Text)

	out := Output{
		TranscriptID: uuid.NewString(),
		Text:         text,
		Matches:      matches,
	}

	// ── 2. Clipboard & auto-paste ─────────────────────────────────────────
	var appContext string
	if p.clip != nil {
		appContext = p.clip.ActiveApp()
		if text != "" && (p.opts.AutoCopy || p.opts.AutoPaste) {
			if err := p.clip.Write(text); err != nil {
				slog.Warn("post: clipboard write failed", "err", err)
			} else if p.opts.AutoPaste {
				if err := p.clip.Paste(); err != nil {
					slog.Warn("post: auto-paste failed", "err", err)
				}
			}
		}
	}

	skipSideEffects := text == "" && !p.opts.PersistEmpty

	// ── 3. Persistence ────────────────────────────────────────────────────
	transcript := p.buildTranscript(out.TranscriptID, text, appContext, in)
	if p.st != nil && !skipSideEffects {
		if err := p.persist(ctx, transcript, in); err != nil {
			slog.Error("post: persistence failed, queueing dead letter", "err", err)
			p.deadLetter(ctx, transcript)
			out.Warning = "persistence failed; transcript queued for retry"
		}
	}

	// ── 4. Webhook fan-out ────────────────────────────────────────────────
	if p.st != nil && p.hooks != nil && !skipSideEffects {
		p.fanOut(transcript, in.ModelName)
	}

	return out, nil
}

// refreshDictionary pulls the latest entries so edits apply without restart.
func (p *Processor) refreshDictionary(ctx context.Context) {
	if p.st == nil {
		return
	}
	entries, err := p.st.DictionaryEntries(ctx)
	if err != nil {
		slog.Warn("post: dictionary refresh failed, using previous entries", "err", err)
		return
	}
	p.dict.SetEntries(entries)
}

// buildTranscript assembles the row for persistence and fan-out.
func (p *Processor) buildTranscript(id, text, appContext string, in Input) *store.Transcript {
	var fileSize int64
	if in.AudioPath != "" {
		if fi, err := os.Stat(in.AudioPath); err == nil {
			fileSize = fi.Size()
		}
	}
	return &store.Transcript{
		ID:         id,
		Text:       text,
		DurationMs: in.DurationMs,
		CreatedAt:  time.Now().UTC(),
		Metadata: store.Metadata{
			Model:      in.ModelName,
			Strategy:   string(in.Result.Strategy),
			Chunks:     in.Result.ChunkCount,
			AppContext: appContext,
		},
		AudioMetadata: in.Meta,
		AudioPath:     in.AudioPath,
		FileSize:      fileSize,
	}
}

// persist writes the transcript and its metrics row.
func (p *Processor) persist(ctx context.Context, t *store.Transcript, in Input) error {
	if err := p.st.SaveTranscript(ctx, t); err != nil {
		return err
	}
	metrics := &store.PerformanceMetrics{
		TranscriptID:        t.ID,
		Strategy:            string(in.Result.Strategy),
		ChunkCount:          in.Result.ChunkCount,
		RetryCount:          in.Result.RetryCount,
		AbandonedCount:      in.Result.AbandonedCount,
		FirstResultMs:       in.Result.FirstResultMs,
		TotalMs:             in.Result.TotalMs,
		DeviceName:          in.Meta.DeviceName,
		SampleRateRequested: in.Meta.RequestedSampleRate,
		SampleRateActual:    actualRate(in.Meta),
		ChannelsRequested:   in.Meta.RequestedChannels,
		ChannelsActual:      in.Meta.RequestedChannels,
	}
	if err := p.st.SaveMetrics(ctx, metrics); err != nil {
		// The transcript row landed; a missing metrics row is not worth a
		// dead letter.
		slog.Warn("post: metrics write failed", "transcript_id", t.ID, "err", err)
	}
	return nil
}

// actualRate extracts the actual sample rate from recorded mismatches,
// defaulting to the requested rate.
func actualRate(meta capture.Metadata) int {
	for _, m := range meta.Mismatches {
		if m.Field == "sample_rate" {
			var rate int
			if _, err := fmt.Sscanf(m.Actual, "%d", &rate); err == nil {
				return rate
			}
		}
	}
	return meta.RequestedSampleRate
}

// deadLetter queues the transcript payload for the external collaborator to
// retry.
func (p *Processor) deadLetter(ctx context.Context, t *store.Transcript) {
	payload, err := json.Marshal(t)
	if err != nil {
		slog.Error("post: dead letter marshal", "err", err)
		return
	}
	if err := p.st.EnqueueDeadLetter(ctx, "transcript", payload); err != nil {
		slog.Error("post: dead letter enqueue failed; transcript exists only in memory",
			"transcript_id", t.ID, "err", err)
	}
}

// fanOut dispatches webhooks in the background so retry backoff never delays
// session completion.
func (p *Processor) fanOut(t *store.Transcript, modelName string) {
	hooks, err := p.st.Webhooks(context.Background())
	if err != nil {
		slog.Warn("post: webhook listing failed", "err", err)
		return
	}
	if len(hooks) == 0 {
		return
	}

	payload := webhook.NewPayload(
		webhook.TranscriptionPayload{
			ID:         t.ID,
			Text:       t.Text,
			DurationMs: t.DurationMs,
			CreatedAt:  t.CreatedAt.UTC().Format(time.RFC3339),
			AudioFile:  t.AudioPath,
			FileSize:   t.FileSize,
		},
		webhook.ModelPayload{Name: modelName, Version: t.Metadata.Model},
		p.opts.AppVersion,
	)

	p.wg.Go(func() {
		// Detached from the session context: the session is already Done
		// and webhook outcomes must not affect it.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		p.hooks.Dispatch(ctx, hooks, payload)
	})
}
