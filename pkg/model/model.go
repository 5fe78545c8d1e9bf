// Package model owns the speech-model lifecycle: loading whisper.cpp models
// through the CGO bindings, caching at most one loaded model per model file
// for the process lifetime, and running file-based transcription (each call
// opens a fresh inference context on the cached model).
//
// The whisper.cpp static library (libwhisper.a) and headers must be available
// at link time via LIBRARY_PATH and C_INCLUDE_PATH environment variables.
package model

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Segment is one model-emitted sub-unit of a transcription with timing.
type Segment struct {
	Text    string `json:"text"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
}

// Result is the output of one inference pass over one audio file.
type Result struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

// Model is the narrow surface of a loaded speech model the cache depends on.
// The production implementation wraps whisper.cpp; tests substitute fakes.
type Model interface {
	// NewContext creates a fresh inference context. Contexts are not safe
	// for concurrent use; the model itself is.
	NewContext() (Context, error)

	// Close releases the native model memory.
	Close() error
}

// Context is one ready-to-run inference context.
type Context interface {
	// SetLanguage selects the transcription language (e.g. "en", "auto").
	SetLanguage(lang string) error

	// Process runs blocking inference over mono 16 kHz float32 samples.
	Process(samples []float32) error

	// NextSegment returns decoded segments in order, io.EOF when drained.
	NextSegment() (Segment, error)
}

// LoadFunc constructs a Model from a model file path. The gpu flag asks for
// the accelerated backend where the build supports one; implementations for
// which the backend is fixed at link time may ignore it.
type LoadFunc func(path string, gpu bool) (Model, error)

// ---- whisper.cpp adapter -----------------------------------------------------

// LoadWhisper is the production [LoadFunc] backed by the whisper.cpp Go
// bindings. The bindings select the accelerated backend at build time, so the
// gpu flag only distinguishes the first attempt from the CPU-fallback retry
// in logs.
func LoadWhisper(path string, _ bool) (Model, error) {
	m, err := whisperlib.New(path)
	if err != nil {
		return nil, fmt.Errorf("model: load %q: %w", path, err)
	}
	return &whisperModel{m: m}, nil
}

type whisperModel struct {
	m whisperlib.Model
}

func (w *whisperModel) NewContext() (Context, error) {
	c, err := w.m.NewContext()
	if err != nil {
		return nil, fmt.Errorf("model: create context: %w", err)
	}
	return &whisperContext{c: c}, nil
}

func (w *whisperModel) Close() error {
	return w.m.Close()
}

type whisperContext struct {
	c whisperlib.Context
}

func (w *whisperContext) SetLanguage(lang string) error {
	return w.c.SetLanguage(lang)
}

func (w *whisperContext) Process(samples []float32) error {
	return w.c.Process(samples, nil, nil, nil)
}

func (w *whisperContext) NextSegment() (Segment, error) {
	seg, err := w.c.NextSegment()
	if errors.Is(err, io.EOF) {
		return Segment{}, io.EOF
	}
	if err != nil {
		return Segment{}, fmt.Errorf("model: read segment: %w", err)
	}
	return Segment{
		Text:    strings.TrimSpace(seg.Text),
		StartMs: seg.Start.Milliseconds(),
		EndMs:   seg.End.Milliseconds(),
	}, nil
}

// joinSegments concatenates non-empty segment texts with single spaces.
func joinSegments(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s.Text != "" {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, " ")
}

// offsetSegments shifts segment timings by baseMs, used when a chunk's file
// starts mid-session.
func offsetSegments(segments []Segment, baseMs int64) []Segment {
	if baseMs == 0 {
		return segments
	}
	out := make([]Segment, len(segments))
	for i, s := range segments {
		out[i] = Segment{Text: s.Text, StartMs: s.StartMs + baseMs, EndMs: s.EndMs + baseMs}
	}
	return out
}

// now is stubbed in tests.
var now = time.Now
