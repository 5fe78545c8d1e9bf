package model

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/arach/scout/pkg/audio"
)

// fakeModel scripts the segments every context will emit.
type fakeModel struct {
	segments []Segment
	closed   atomic.Bool
}

func (m *fakeModel) NewContext() (Context, error) {
	segs := make([]Segment, len(m.segments))
	copy(segs, m.segments)
	return &fakeContext{segments: segs}, nil
}

func (m *fakeModel) Close() error {
	m.closed.Store(true)
	return nil
}

type fakeContext struct {
	segments []Segment
	pos      int
	language string
}

func (c *fakeContext) SetLanguage(lang string) error {
	c.language = lang
	return nil
}

func (c *fakeContext) Process(samples []float32) error {
	if len(samples) == 0 {
		return errors.New("no samples")
	}
	return nil
}

func (c *fakeContext) NextSegment() (Segment, error) {
	if c.pos >= len(c.segments) {
		return Segment{}, io.EOF
	}
	s := c.segments[c.pos]
	c.pos++
	return s, nil
}

// countingLoader returns a LoadFunc that counts invocations and a pointer to
// the count.
func countingLoader(segments ...Segment) (LoadFunc, *atomic.Int32) {
	var calls atomic.Int32
	load := func(path string, gpu bool) (Model, error) {
		calls.Add(1)
		return &fakeModel{segments: segments}, nil
	}
	return load, &calls
}

func writeTestWAV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	samples := make([]float32, audio.SampleRate/2)
	for i := range samples {
		samples[i] = 0.1
	}
	if err := audio.WriteWAV(path, samples, audio.SampleRate); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	return path
}

func TestAcquireConstructsOncePerPath(t *testing.T) {
	t.Parallel()

	load, calls := countingLoader()
	c := NewCache(WithLoader(load))

	var wg sync.WaitGroup
	handles := make([]*Handle, 8)
	for i := range handles {
		wg.Go(func() {
			h, err := c.Acquire("/models/base.bin")
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			handles[i] = h
		})
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("loader called %d times, want 1", got)
	}
	for i := 1; i < len(handles); i++ {
		if handles[i] != handles[0] {
			t.Fatal("concurrent Acquire returned distinct handles for one path")
		}
	}

	// A second path constructs independently.
	if _, err := c.Acquire("/models/small.bin"); err != nil {
		t.Fatalf("Acquire second path: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("loader called %d times after second path, want 2", got)
	}
}

func TestHandleSurvivesRelease(t *testing.T) {
	t.Parallel()

	load, calls := countingLoader()
	c := NewCache(WithLoader(load))

	h, err := c.Acquire("/models/base.bin")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	c.Release(h)

	// Re-acquire after release: still the same construction.
	h2, err := c.Acquire("/models/base.bin")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h2 != h {
		t.Fatal("handle was reconstructed across Release/Acquire")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("loader called %d times, want 1", got)
	}
}

func TestCPUFallbackRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	load := func(path string, gpu bool) (Model, error) {
		calls.Add(1)
		if gpu {
			return nil, errors.New("accelerated backend unavailable")
		}
		return &fakeModel{}, nil
	}
	c := NewCache(WithLoader(load))
	c.loadRetry = 0

	if _, err := c.Acquire("/models/base.bin"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("loader called %d times, want 2 (gpu then cpu)", got)
	}
}

func TestLoadFailedAfterBothAttempts(t *testing.T) {
	t.Parallel()

	load := func(path string, gpu bool) (Model, error) {
		return nil, errors.New("corrupt model file")
	}
	c := NewCache(WithLoader(load))
	c.loadRetry = 0

	if _, err := c.Acquire("/models/bad.bin"); !errors.Is(err, ErrModelLoadFailed) {
		t.Fatalf("err = %v, want ErrModelLoadFailed", err)
	}
	if got := c.Resident(); got != 0 {
		t.Fatalf("Resident = %d after failed load, want 0", got)
	}
}

func TestTranscribeJoinsSegments(t *testing.T) {
	t.Parallel()

	load, _ := countingLoader(
		Segment{Text: "thanks, let's see", StartMs: 0, EndMs: 1600},
		Segment{Text: "how that works.", StartMs: 1600, EndMs: 3300},
	)
	c := NewCache(WithLoader(load))

	h, err := c.Acquire("/models/base.bin")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer c.Release(h)

	res, err := h.Transcribe(context.Background(), writeTestWAV(t))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if want := "thanks, let's see how that works."; res.Text != want {
		t.Fatalf("Text = %q, want %q", res.Text, want)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("Segments = %d, want 2", len(res.Segments))
	}
}

func TestTranscribeAtOffsetsTimings(t *testing.T) {
	t.Parallel()

	load, _ := countingLoader(Segment{Text: "hello", StartMs: 0, EndMs: 500})
	c := NewCache(WithLoader(load))

	h, err := c.Acquire("/models/base.bin")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer c.Release(h)

	res, err := h.TranscribeAt(context.Background(), writeTestWAV(t), 5000)
	if err != nil {
		t.Fatalf("TranscribeAt: %v", err)
	}
	if res.Segments[0].StartMs != 5000 || res.Segments[0].EndMs != 5500 {
		t.Fatalf("segment timing = [%d, %d], want [5000, 5500]",
			res.Segments[0].StartMs, res.Segments[0].EndMs)
	}
}

func TestTranscribeMissingFile(t *testing.T) {
	t.Parallel()

	load, _ := countingLoader()
	c := NewCache(WithLoader(load))
	h, err := c.Acquire("/models/base.bin")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer c.Release(h)

	if _, err := h.Transcribe(context.Background(), "/nonexistent.wav"); !errors.Is(err, ErrInferenceFailed) {
		t.Fatalf("err = %v, want ErrInferenceFailed", err)
	}
}

func TestEvictionRespectsCeilingAndRefs(t *testing.T) {
	t.Parallel()

	// Model "files" do not exist, so handle sizes are zero; force sizes via
	// real files instead.
	dir := t.TempDir()
	mk := func(name string, size int) string {
		p := filepath.Join(dir, name)
		if err := writeFile(p, size); err != nil {
			t.Fatalf("write model file: %v", err)
		}
		return p
	}
	a := mk("a.bin", 600)
	b := mk("b.bin", 600)

	load, _ := countingLoader()
	c := NewCache(WithLoader(load), WithMemoryCeiling(1000))

	ha, err := c.Acquire(a)
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	// a is still referenced: acquiring b exceeds the ceiling but nothing is
	// evictable, so both stay resident.
	hb, err := c.Acquire(b)
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	if got := c.Resident(); got != 2 {
		t.Fatalf("Resident = %d with live refs, want 2", got)
	}

	// Releasing a makes it the LRU victim.
	c.Release(ha)
	if got := c.Resident(); got != 1 {
		t.Fatalf("Resident = %d after release, want 1", got)
	}
	c.Release(hb)
}

func writeFile(path string, size int) error {
	return os.WriteFile(path, make([]byte, size), 0o644)
}
