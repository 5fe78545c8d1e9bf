package session_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/arach/scout/internal/events"
	"github.com/arach/scout/internal/post"
	"github.com/arach/scout/internal/session"
	"github.com/arach/scout/internal/strategy"
	"github.com/arach/scout/pkg/audio"
	"github.com/arach/scout/pkg/audio/capture"
	"github.com/arach/scout/pkg/model"
)

// fakeRecorder simulates a capture device. Tests push samples through the
// registered callback via feed.
type fakeRecorder struct {
	mu        sync.Mutex
	cb        capture.SampleCallback
	recording bool
	path      string
	frames    int64
	lost      chan struct{}
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{lost: make(chan struct{})}
}

func (r *fakeRecorder) Initialize(deviceName string) (capture.Metadata, error) {
	return capture.Metadata{
		DeviceName:          "Fake Microphone",
		RequestedSampleRate: audio.SampleRate,
		RequestedChannels:   1,
	}, nil
}

func (r *fakeRecorder) Start(outputPath string, cb capture.SampleCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return capture.ErrAlreadyRecording
	}
	r.recording = true
	r.cb = cb
	r.path = outputPath
	r.frames = 0
	return nil
}

func (r *fakeRecorder) feed(seconds float64) {
	r.mu.Lock()
	cb := r.cb
	r.mu.Unlock()

	n := int(seconds * float64(audio.SampleRate))
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.05
	}
	if cb != nil {
		cb(samples)
	}
	r.mu.Lock()
	r.frames += int64(n)
	r.mu.Unlock()
}

func (r *fakeRecorder) Stop() (string, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = false
	// Materialise the WAV the controller expects on disk.
	samples := make([]float32, r.frames)
	if err := audio.WriteWAV(r.path, samples, audio.SampleRate); err != nil {
		return r.path, 0, err
	}
	return r.path, r.frames * 1000 / audio.SampleRate, nil
}

func (r *fakeRecorder) DeviceLost() <-chan struct{} { return r.lost }
func (r *fakeRecorder) CurrentLevel() float32       { return 0.42 }

// scriptedTranscriber returns fixed text for every chunk.
type scriptedTranscriber struct {
	mu    sync.Mutex
	texts map[int64]string // baseMs → text
	all   string           // fallback for any offset
}

func (s *scriptedTranscriber) TranscribeAt(_ context.Context, wavPath string, baseMs int64) (model.Result, error) {
	if _, _, err := audio.DecodeWAV(wavPath); err != nil {
		return model.Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.texts[baseMs]; ok {
		return model.Result{Text: t}, nil
	}
	return model.Result{Text: s.all}, nil
}

// capturingPost records the finalisation input.
type capturingPost struct {
	mu     sync.Mutex
	inputs []post.Input
}

func (p *capturingPost) Finalize(_ context.Context, in post.Input) (post.Output, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputs = append(p.inputs, in)
	return post.Output{TranscriptID: "t-1", Text: in.Result.Text}, nil
}

func testController(t *testing.T, rec session.Recorder, trans strategy.Transcriber, bus *events.Bus) (*session.Controller, *capturingPost) {
	t.Helper()
	pp := &capturingPost{}
	ctl, err := session.NewController(session.Config{
		Recorder:    rec,
		Transcriber: trans,
		Post:        pp,
		Bus:         bus,
		Params: strategy.Params{
			ChunkDuration: time.Second,
			Overlap:       100 * time.Millisecond,
			MinChunk:      300 * time.Millisecond,
			MaxWorkers:    2,
			RetryMax:      1,
			RetryBackoff:  time.Millisecond,
			PollInterval:  5 * time.Millisecond,
			DrainGrace:    5 * time.Second,
			ScratchDir:    t.TempDir(),
		},
		RecordingsDir: t.TempDir(),
		ModelName:     "ggml-base.en",
		PushToTalkCap: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return ctl, pp
}

func collectEvents(bus *events.Bus) (func() []events.Event, func()) {
	ch, cancel := bus.Subscribe(256)
	var mu sync.Mutex
	var got []events.Event
	go func() {
		for ev := range ch {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		}
	}()
	return func() []events.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]events.Event(nil), got...)
	}, cancel
}

func TestStartStopHappyPath(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	rec := newFakeRecorder()
	trans := &scriptedTranscriber{all: "hello from the session"}
	ctl, pp := testController(t, rec, trans, bus)

	eventsSoFar, cancel := collectEvents(bus)
	defer cancel()

	if err := ctl.Start(context.Background(), session.StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !ctl.IsRecording() {
		t.Fatal("IsRecording should be true after Start")
	}
	if got := ctl.Level(); got != 0.42 {
		t.Fatalf("Level = %v", got)
	}

	rec.feed(1.2)
	time.Sleep(100 * time.Millisecond) // let the scheduler dispatch

	id, err := ctl.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if id != "t-1" {
		t.Fatalf("transcript id = %q", id)
	}
	if got := ctl.State(); got != session.StateDone {
		t.Fatalf("State = %q, want done", got)
	}

	pp.mu.Lock()
	if len(pp.inputs) != 1 {
		t.Fatalf("post called %d times, want 1", len(pp.inputs))
	}
	in := pp.inputs[0]
	pp.mu.Unlock()
	if in.Result.Text == "" {
		t.Fatal("post received empty result text")
	}
	if in.Meta.DeviceName != "Fake Microphone" {
		t.Fatalf("Meta = %+v", in.Meta)
	}

	// Status events walked the state machine and finalisation fired once.
	var states []string
	finalized := 0
	for _, ev := range eventsSoFar() {
		switch ev.Type {
		case events.TypeProcessingStatus:
			states = append(states, ev.Payload.(events.ProcessingStatus).State)
		case events.TypeTranscriptFinalized:
			finalized++
		}
	}
	if finalized != 1 {
		t.Fatalf("transcript-finalized events = %d, want 1", finalized)
	}
	wantOrder := []string{"starting", "recording", "stopping", "finalizing", "done"}
	if len(states) < len(wantOrder) {
		t.Fatalf("status events = %v", states)
	}
	for i, want := range wantOrder {
		if states[i] != want {
			t.Fatalf("status[%d] = %q, want %q (all: %v)", i, states[i], want, states)
		}
	}
}

func TestDoubleStartRejected(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	rec := newFakeRecorder()
	ctl, _ := testController(t, rec, &scriptedTranscriber{}, bus)

	if err := ctl.Start(context.Background(), session.StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ctl.Start(context.Background(), session.StartOptions{}); !errors.Is(err, session.ErrAlreadyRecording) {
		t.Fatalf("second Start = %v, want ErrAlreadyRecording", err)
	}
	if _, err := ctl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	ctl, _ := testController(t, newFakeRecorder(), &scriptedTranscriber{}, bus)
	if _, err := ctl.Stop(context.Background()); !errors.Is(err, session.ErrNotRecording) {
		t.Fatalf("Stop = %v, want ErrNotRecording", err)
	}
}

func TestPartialEventsBeforeFinalization(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	rec := newFakeRecorder()
	trans := &scriptedTranscriber{all: "partial words arrive"}
	ctl, _ := testController(t, rec, trans, bus)

	eventsSoFar, cancel := collectEvents(bus)
	defer cancel()

	if err := ctl.Start(context.Background(), session.StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.feed(2.5)

	// Wait for at least one partial to flow before stopping.
	deadline := time.Now().Add(3 * time.Second)
	for {
		var sawPartial bool
		for _, ev := range eventsSoFar() {
			if ev.Type == events.TypePartialTranscript {
				sawPartial = true
			}
		}
		if sawPartial {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no partial-transcript event before stop")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := ctl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The partial precedes transcript-finalized in the event stream.
	var partialIdx, finalIdx = -1, -1
	for i, ev := range eventsSoFar() {
		if ev.Type == events.TypePartialTranscript && partialIdx == -1 {
			partialIdx = i
		}
		if ev.Type == events.TypeTranscriptFinalized {
			finalIdx = i
		}
	}
	if partialIdx == -1 || finalIdx == -1 || partialIdx > finalIdx {
		t.Fatalf("event order: partial at %d, finalized at %d", partialIdx, finalIdx)
	}
}

func TestDeviceLossInterruptsSession(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	rec := newFakeRecorder()
	ctl, _ := testController(t, rec, &scriptedTranscriber{all: "cut short"}, bus)

	eventsSoFar, cancel := collectEvents(bus)
	defer cancel()

	if err := ctl.Start(context.Background(), session.StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.feed(0.5)
	close(rec.lost)

	deadline := time.Now().Add(3 * time.Second)
	for ctl.State() != session.StateDone && ctl.State() != session.StateFailed {
		if time.Now().After(deadline) {
			t.Fatalf("session did not settle after device loss; state = %q", ctl.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	var interrupted bool
	for _, ev := range eventsSoFar() {
		if ev.Type == events.TypeRecordingInterrupted {
			interrupted = true
		}
	}
	if !interrupted {
		t.Fatal("expected a recording-interrupted event")
	}
}

func TestPushToTalkCapStopsSession(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	rec := newFakeRecorder()
	pp := &capturingPost{}
	ctl, err := session.NewController(session.Config{
		Recorder:      rec,
		Transcriber:   &scriptedTranscriber{all: "capped"},
		Post:          pp,
		Bus:           bus,
		Params:        strategy.Params{PollInterval: 5 * time.Millisecond, ScratchDir: t.TempDir()},
		RecordingsDir: t.TempDir(),
		PushToTalkCap: 80 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	if err := ctl.Start(context.Background(), session.StartOptions{PushToTalk: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.feed(0.1)

	deadline := time.Now().Add(3 * time.Second)
	for ctl.State() != session.StateDone {
		if time.Now().After(deadline) {
			t.Fatalf("push-to-talk cap did not stop the session; state = %q", ctl.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClassicFallbackWhenStreamingUnavailable(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	rec := newFakeRecorder()
	trans := &scriptedTranscriber{all: "classic fallback text"}
	pp := &capturingPost{}

	// A scratch "dir" that is actually a file forces streaming init failure.
	blocker := filepath.Join(t.TempDir(), "blocked")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	ctl, err := session.NewController(session.Config{
		Recorder:      rec,
		Transcriber:   trans,
		Post:          pp,
		Bus:           bus,
		Params:        strategy.Params{ScratchDir: blocker, PollInterval: 5 * time.Millisecond},
		RecordingsDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	if err := ctl.Start(context.Background(), session.StartOptions{}); err != nil {
		t.Fatalf("Start (should degrade, not fail): %v", err)
	}
	rec.feed(1.0)
	if _, err := ctl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	pp.mu.Lock()
	defer pp.mu.Unlock()
	if len(pp.inputs) != 1 {
		t.Fatalf("post called %d times", len(pp.inputs))
	}
	if got := pp.inputs[0].Result.Strategy; got != strategy.ClassicName {
		t.Fatalf("Strategy = %q, want classic fallback", got)
	}
	if pp.inputs[0].Result.Text != "classic fallback text" {
		t.Fatalf("Text = %q", pp.inputs[0].Result.Text)
	}
}
