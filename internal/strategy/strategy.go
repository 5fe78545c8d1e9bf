// Package strategy implements the per-session transcription strategies: the
// Classic whole-file single pass and the Ring-Buffer Streaming strategy that
// produces partial text while audio is still being captured.
//
// Selection rule: live recordings always stream (partials from the first
// chunk); uploaded files use Classic unless they exceed the streaming length
// threshold. When streaming cannot initialise, the session controller falls
// back to Classic over the finalised WAV.
package strategy

import (
	"context"
	"errors"
	"time"

	"github.com/arach/scout/pkg/model"
)

// Name identifies a strategy in metadata and metrics.
type Name string

const (
	// Classic is the whole-file single pass after recording stops.
	ClassicName Name = "classic"

	// Streaming is the chunked ring-buffer strategy.
	StreamingName Name = "ring-buffer-streaming"
)

var (
	// ErrDrainTimeout is returned by Finalize when in-flight chunk workers
	// do not complete within the drain grace period. The session is failed
	// but the raw WAV is preserved for manual retry.
	ErrDrainTimeout = errors.New("strategy: drain grace period exceeded")

	// ErrAborted is returned by Finalize after Abort.
	ErrAborted = errors.New("strategy: session aborted")
)

// Transcriber is the narrow inference surface strategies depend on.
// [model.Handle] implements it; tests substitute fakes.
type Transcriber interface {
	// TranscribeAt runs blocking inference over the canonical WAV at
	// wavPath, shifting segment timings by baseMs.
	TranscribeAt(ctx context.Context, wavPath string, baseMs int64) (model.Result, error)
}

// ChunkSpec describes one dispatched window of ring-buffer audio. SeqIDs are
// assigned in dispatch order and strictly increase within a session.
type ChunkSpec struct {
	SeqID          int64
	StartSample    int64 // includes the leading overlap
	EndSample      int64
	OverlapSamples int64
}

// ChunkResult is the single recorded outcome of one ChunkSpec: success,
// abandoned after retries, or dropped because the audio left retention.
// Exactly one ChunkResult exists per dispatched spec.
type ChunkResult struct {
	SeqID      int64
	Text       string
	Segments   []model.Segment
	StartMs    int64
	EndMs      int64
	RetryCount int
	Abandoned  bool
	Dropped    bool
}

// Partial is one monotonic partial-transcript emission.
type Partial struct {
	SeqIDUpTo int64
	Text      string
}

// Result is a strategy's finalised output plus the counters the
// post-processor persists into performance_metrics.
type Result struct {
	Text           string
	Segments       []model.Segment
	Strategy       Name
	ChunkCount     int
	RetryCount     int
	AbandonedCount int
	FirstResultMs  int64
	TotalMs        int64
}

// Params are the streaming tunables. [DefaultParams] mirrors the calibrated
// configuration defaults.
type Params struct {
	ChunkDuration time.Duration
	Overlap       time.Duration
	MinChunk      time.Duration
	MaxWorkers    int
	RetryMax      int
	RetryBackoff  time.Duration
	PollInterval  time.Duration
	DrainGrace    time.Duration

	// SkipSilent enables the energy gate: chunks whose RMS falls below
	// SilenceRMS bypass inference and contribute empty text. Saves model
	// time on dead air when voice activity detection is requested.
	SkipSilent bool

	// SilenceRMS is the energy-gate threshold. Default: 0.01 (≈ -40 dBFS).
	SilenceRMS float64

	// ScratchDir receives per-chunk WAV files; the whole directory is
	// purged when the strategy closes.
	ScratchDir string

	// OnPressure is invoked once per retention-pressure catch-up. Optional.
	OnPressure func()
}

// DefaultParams returns the calibrated defaults: 5 s chunks, 500 ms overlap,
// 300 ms minimum trailing chunk, two workers, two retries on a 100 ms
// exponential backoff, 100 ms poll tick, and a 30 s drain grace.
func DefaultParams() Params {
	return Params{
		ChunkDuration: 5 * time.Second,
		Overlap:       500 * time.Millisecond,
		MinChunk:      300 * time.Millisecond,
		MaxWorkers:    2,
		RetryMax:      2,
		RetryBackoff:  100 * time.Millisecond,
		PollInterval:  100 * time.Millisecond,
		DrainGrace:    30 * time.Second,
	}
}

// withDefaults fills zero fields from [DefaultParams]. Overlap and RetryMax
// are replaced only when negative, so zero overlap and zero retries stay.
func (p Params) withDefaults() Params {
	def := DefaultParams()
	if p.ChunkDuration <= 0 {
		p.ChunkDuration = def.ChunkDuration
	}
	if p.Overlap < 0 {
		p.Overlap = def.Overlap
	}
	if p.MinChunk <= 0 {
		p.MinChunk = def.MinChunk
	}
	if p.MaxWorkers <= 0 {
		p.MaxWorkers = def.MaxWorkers
	}
	if p.RetryMax < 0 {
		p.RetryMax = def.RetryMax
	}
	if p.RetryBackoff <= 0 {
		p.RetryBackoff = def.RetryBackoff
	}
	if p.PollInterval <= 0 {
		p.PollInterval = def.PollInterval
	}
	if p.DrainGrace <= 0 {
		p.DrainGrace = def.DrainGrace
	}
	if p.SilenceRMS <= 0 {
		p.SilenceRMS = 0.01
	}
	return p
}
