// Package session implements the controller that owns one recording session
// end to end: the recorder, the live ring buffer, the selected transcription
// strategy, and the hand-off to the post-processor.
//
// The controller is a reducer-style state machine (Idle → Starting →
// Recording → Stopping → Finalizing → Done/Failed). There is no global
// recording state anywhere else in the process; everything a session owns
// hangs off this type and is dropped when the session ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arach/scout/internal/events"
	"github.com/arach/scout/internal/post"
	"github.com/arach/scout/internal/strategy"
	"github.com/arach/scout/pkg/audio/capture"
	"github.com/arach/scout/pkg/audio/ring"
)

// State is the session lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateRecording  State = "recording"
	StateStopping   State = "stopping"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

var (
	// ErrAlreadyRecording is returned by Start when a session is active.
	ErrAlreadyRecording = errors.New("session: already recording")

	// ErrNotRecording is returned by Stop when no session is active.
	ErrNotRecording = errors.New("session: not recording")

	// ErrTranscriptionFailed marks a session that produced no transcript
	// text. The raw WAV is preserved for manual retry via transcribe_file.
	ErrTranscriptionFailed = errors.New("session: transcription failed")
)

// Recorder is the capture surface the controller drives. [capture.Recorder]
// implements it; tests substitute fakes.
type Recorder interface {
	Initialize(deviceName string) (capture.Metadata, error)
	Start(outputPath string, cb capture.SampleCallback) error
	Stop() (string, int64, error)
	DeviceLost() <-chan struct{}
	CurrentLevel() float32
}

// PostProcessor finalises a session's transcript. [post.Processor]
// implements it.
type PostProcessor interface {
	Finalize(ctx context.Context, in post.Input) (post.Output, error)
}

// Config bundles the controller's construction parameters.
type Config struct {
	Recorder         Recorder
	Transcriber      strategy.Transcriber
	Post             PostProcessor
	Bus              *events.Bus
	Params           strategy.Params
	RecordingsDir    string
	RetentionSamples int
	ModelName        string
	PushToTalkCap    time.Duration
}

// StartOptions are the per-session start_recording arguments.
type StartOptions struct {
	DeviceName string
	VADEnabled bool
	PushToTalk bool
}

// Controller owns at most one active session. All methods are safe for
// concurrent use.
type Controller struct {
	cfg Config

	mu        sync.Mutex
	state     State
	ringBuf   *ring.Buffer
	streaming *strategy.Streaming
	meta      capture.Metadata
	startedAt time.Time
	pttTimer  *time.Timer
	sessionWG sync.WaitGroup
	stopWatch chan struct{}
}

// NewController creates an idle controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Recorder == nil {
		return nil, errors.New("session: recorder is required")
	}
	if cfg.Transcriber == nil {
		return nil, errors.New("session: transcriber is required")
	}
	if cfg.Post == nil {
		return nil, errors.New("session: post-processor is required")
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus()
	}
	if cfg.RecordingsDir == "" {
		cfg.RecordingsDir = "recordings"
	}
	if cfg.RetentionSamples <= 0 {
		cfg.RetentionSamples = ring.DefaultRetention
	}
	if cfg.PushToTalkCap <= 0 {
		cfg.PushToTalkCap = 10 * time.Second
	}
	return &Controller{cfg: cfg, state: StateIdle}, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsRecording reports whether a session is between Starting and Stopping.
func (c *Controller) IsRecording() bool {
	switch c.State() {
	case StateStarting, StateRecording:
		return true
	default:
		return false
	}
}

// Level returns the recorder's current RMS level.
func (c *Controller) Level() float32 {
	return c.cfg.Recorder.CurrentLevel()
}

// Start begins a new recording session. Live sessions always use the
// streaming strategy; if it cannot initialise the session still records and
// falls back to Classic at stop time.
func (c *Controller) Start(ctx context.Context, opts StartOptions) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle, StateDone, StateFailed:
	default:
		c.mu.Unlock()
		return ErrAlreadyRecording
	}
	c.state = StateStarting
	c.mu.Unlock()
	c.publishStatus(StateStarting, "")

	fail := func(err error) error {
		c.setState(StateIdle)
		c.publishStatus(StateIdle, err.Error())
		return err
	}

	meta, err := c.cfg.Recorder.Initialize(opts.DeviceName)
	if err != nil {
		return fail(fmt.Errorf("session: initialise recorder: %w", err))
	}

	if err := os.MkdirAll(c.cfg.RecordingsDir, 0o755); err != nil {
		return fail(fmt.Errorf("session: create recordings dir: %w", err))
	}
	wavPath := filepath.Join(c.cfg.RecordingsDir,
		time.Now().Format("2006-01-02_15-04-05")+".wav")

	buf := ring.New(c.cfg.RetentionSamples)

	params := c.cfg.Params
	if opts.VADEnabled {
		params.SkipSilent = true
	}

	// Streaming is the default for live recordings; a failed initialisation
	// degrades to the Classic fallback at stop time rather than blocking
	// the recording itself.
	streaming, err := strategy.NewStreaming(buf, c.cfg.Transcriber, params)
	if err != nil {
		slog.Warn("streaming strategy unavailable, will fall back to classic", "err", err)
		streaming = nil
	}

	if err := c.cfg.Recorder.Start(wavPath, buf.Append); err != nil {
		return fail(fmt.Errorf("session: start recorder: %w", err))
	}

	c.mu.Lock()
	c.ringBuf = buf
	c.streaming = streaming
	c.meta = meta
	c.startedAt = time.Now()
	c.state = StateRecording
	c.stopWatch = make(chan struct{})
	c.mu.Unlock()
	c.publishStatus(StateRecording, meta.DeviceName)

	// The session outlives the start_recording request, so the strategy gets
	// a detached context; teardown is driven by Stop/Abort, not cancellation.
	if streaming != nil {
		streaming.Start(context.Background())
		c.sessionWG.Go(func() {
			c.forwardPartials(streaming.Partials())
		})
	}

	c.sessionWG.Go(func() {
		c.watchDeviceLoss(c.cfg.Recorder.DeviceLost(), c.stopWatch)
	})

	if opts.PushToTalk {
		c.armPushToTalkCap()
	}

	return nil
}

// Stop ends the active session, drives finalisation, and returns the
// transcript id. On transcription failure the raw WAV is preserved and
// [ErrTranscriptionFailed] is returned.
func (c *Controller) Stop(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return "", ErrNotRecording
	}
	c.state = StateStopping
	if c.pttTimer != nil {
		c.pttTimer.Stop()
		c.pttTimer = nil
	}
	close(c.stopWatch)
	streaming := c.streaming
	meta := c.meta
	c.mu.Unlock()
	c.publishStatus(StateStopping, "")

	wavPath, durationMs, err := c.cfg.Recorder.Stop()
	if err != nil {
		slog.Warn("recorder stop reported error", "err", err)
	}

	c.setState(StateFinalizing)
	c.publishStatus(StateFinalizing, "")

	result, err := c.finalizeStrategy(ctx, streaming, wavPath)
	if err != nil {
		// Stuck workers keep draining in the background; do not block the
		// failure report on them.
		c.setState(StateFailed)
		c.publishStatus(StateFailed, err.Error())
		slog.Error("session failed; raw audio preserved", "wav", wavPath, "err", err)
		return "", fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
	}

	out, err := c.cfg.Post.Finalize(ctx, post.Input{
		Result:     result,
		AudioPath:  wavPath,
		DurationMs: durationMs,
		Meta:       meta,
		ModelName:  c.cfg.ModelName,
	})
	if err != nil {
		c.setState(StateFailed)
		c.publishStatus(StateFailed, err.Error())
		return "", err
	}

	c.sessionWG.Wait()
	c.setState(StateDone)
	c.publishStatus(StateDone, out.Warning)
	c.cfg.Bus.Publish(events.Event{
		Type: events.TypeTranscriptFinalized,
		Payload: events.TranscriptFinalized{
			TranscriptID: out.TranscriptID,
			Text:         out.Text,
			DurationMs:   durationMs,
		},
	})
	return out.TranscriptID, nil
}

// Abort discards the active session: recording stops, running chunk workers
// drain, and nothing is assembled, persisted, or dispatched.
func (c *Controller) Abort() {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	if c.pttTimer != nil {
		c.pttTimer.Stop()
		c.pttTimer = nil
	}
	close(c.stopWatch)
	streaming := c.streaming
	c.mu.Unlock()

	if _, _, err := c.cfg.Recorder.Stop(); err != nil {
		slog.Warn("recorder stop during abort", "err", err)
	}
	if streaming != nil {
		streaming.Abort()
		if _, err := streaming.Finalize(context.Background()); err != nil && !errors.Is(err, strategy.ErrAborted) {
			slog.Warn("streaming finalize during abort", "err", err)
		}
	}
	c.sessionWG.Wait()
	c.setState(StateDone)
	c.publishStatus(StateDone, "aborted")
}

// finalizeStrategy drains the streaming strategy, falling back to a Classic
// pass over the finalised WAV when streaming failed to initialise or its
// Finalize failed. A blown drain grace period is not retried with Classic:
// it fails the session and the raw WAV stays on disk.
func (c *Controller) finalizeStrategy(ctx context.Context, streaming *strategy.Streaming, wavPath string) (strategy.Result, error) {
	if streaming != nil {
		result, err := streaming.Finalize(ctx)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, strategy.ErrDrainTimeout) {
			return strategy.Result{}, err
		}
		slog.Warn("streaming finalize failed, attempting classic fallback", "err", err)
	}

	if wavPath == "" {
		return strategy.Result{}, errors.New("session: no audio file to fall back to")
	}
	return strategy.NewClassic(c.cfg.Transcriber).Transcribe(ctx, wavPath)
}

// forwardPartials republishes strategy partials on the event bus.
func (c *Controller) forwardPartials(partials <-chan strategy.Partial) {
	for p := range partials {
		c.cfg.Bus.Publish(events.Event{
			Type:    events.TypePartialTranscript,
			Payload: events.PartialTranscript{SeqIDUpTo: p.SeqIDUpTo, Text: p.Text},
		})
	}
}

// watchDeviceLoss converts recorder device loss into a clean session stop
// plus a recording-interrupted event.
func (c *Controller) watchDeviceLoss(lost <-chan struct{}, stop <-chan struct{}) {
	if lost == nil {
		return
	}
	select {
	case <-stop:
		return
	case <-lost:
	}

	slog.Warn("capture device lost mid-recording; stopping session")
	c.cfg.Bus.Publish(events.Event{
		Type:    events.TypeRecordingInterrupted,
		Payload: events.RecordingInterrupted{Reason: "device-lost"},
	})
	go func() {
		if _, err := c.Stop(context.Background()); err != nil && !errors.Is(err, ErrNotRecording) {
			slog.Warn("stop after device loss", "err", err)
		}
	}()
}

// armPushToTalkCap enforces the hard recording cap for push-to-talk
// sessions inside the controller; the key-capture collaborator is not
// trusted for safety.
func (c *Controller) armPushToTalkCap() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pttTimer = time.AfterFunc(c.cfg.PushToTalkCap, func() {
		slog.Info("push-to-talk cap reached; stopping session",
			"cap", c.cfg.PushToTalkCap)
		if _, err := c.Stop(context.Background()); err != nil && !errors.Is(err, ErrNotRecording) {
			slog.Warn("stop after push-to-talk cap", "err", err)
		}
	})
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) publishStatus(s State, detail string) {
	c.cfg.Bus.Publish(events.Event{
		Type:    events.TypeProcessingStatus,
		Payload: events.ProcessingStatus{State: string(s), Detail: detail},
	})
}
