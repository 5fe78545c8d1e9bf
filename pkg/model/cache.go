package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/arach/scout/pkg/audio"
)

var (
	// ErrModelLoadFailed is returned when construction fails even after the
	// CPU-only retry. Fatal for the session that requested the model.
	ErrModelLoadFailed = errors.New("model: load failed")

	// ErrInferenceFailed wraps a per-call inference error. Callers retry a
	// bounded number of times before abandoning the chunk.
	ErrInferenceFailed = errors.New("model: inference failed")
)

// Handle is a ref-counted, cached inference handle for one model file.
// Inference is serialised per handle: Transcribe blocks while another call is
// in flight on the same handle.
type Handle struct {
	path     string
	model    Model
	language string
	size     int64

	inferMu sync.Mutex

	// refs and lastUsed are guarded by the owning cache's mutex.
	refs     int
	lastUsed time.Time
}

// Path returns the model file path backing this handle.
func (h *Handle) Path() string { return h.path }

// Transcribe runs blocking inference over the canonical WAV at wavPath and
// returns the combined text with timed segments. The first call after the
// handle's construction pays the model warm-up penalty; subsequent calls are
// orders of magnitude cheaper because the loaded model is retained; each call
// creates a fresh inference context from it.
func (h *Handle) Transcribe(ctx context.Context, wavPath string) (Result, error) {
	return h.TranscribeAt(ctx, wavPath, 0)
}

// TranscribeAt is Transcribe with segment timings shifted by baseMs, for
// chunk files whose audio starts mid-session.
func (h *Handle) TranscribeAt(ctx context.Context, wavPath string, baseMs int64) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	samples, format, err := audio.DecodeWAV(wavPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}
	if format.SampleRate != audio.SampleRate {
		samples = audio.Resample(samples, format.SampleRate, audio.SampleRate)
	}

	h.inferMu.Lock()
	defer h.inferMu.Unlock()

	wctx, err := h.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}
	if h.language != "" {
		if err := wctx.SetLanguage(h.language); err != nil {
			slog.Warn("model: failed to set language, using default",
				"language", h.language, "err", err)
		}
	}
	if err := wctx.Process(samples); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}

	var segments []Segment
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrInferenceFailed, err)
		}
		if seg.Text == "" {
			continue
		}
		segments = append(segments, seg)
	}

	segments = offsetSegments(segments, baseMs)
	return Result{Text: joinSegments(segments), Segments: segments}, nil
}

// Cache is the process-wide model cache: at most one live handle per model
// file path, with construction globally serialised and LRU eviction under a
// configurable memory ceiling. The single mutex over the map is intentional;
// constructing two native contexts concurrently deadlocks on some platforms,
// so global serialisation of construction is a feature, not a bottleneck.
type Cache struct {
	load       LoadFunc
	language   string
	maxBytes   int64
	loadRetry  time.Duration
	mu         sync.Mutex
	handles    map[string]*Handle
	totalBytes int64
}

// CacheOption configures a [Cache].
type CacheOption func(*Cache)

// WithLoader substitutes the model constructor. Tests use this to avoid
// linking whisper.cpp.
func WithLoader(load LoadFunc) CacheOption {
	return func(c *Cache) { c.load = load }
}

// WithLanguage sets the transcription language applied to every context.
// Defaults to "en".
func WithLanguage(lang string) CacheOption {
	return func(c *Cache) { c.language = lang }
}

// WithMemoryCeiling bounds the summed size of resident model files. Zero
// (the default) disables eviction.
func WithMemoryCeiling(bytes int64) CacheOption {
	return func(c *Cache) { c.maxBytes = bytes }
}

// NewCache creates an empty cache backed by the whisper.cpp loader.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		load:      LoadWhisper,
		language:  "en",
		loadRetry: 100 * time.Millisecond,
		handles:   make(map[string]*Handle),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Acquire returns the live handle for path, constructing it if absent. The
// cache mutex is held for the full construction, which serialises all model
// loads process-wide; callers racing for an already-loaded model wait behind
// an in-flight construction rather than starting a second one.
//
// On construction failure the load is retried once in CPU-only mode; if that
// also fails, [ErrModelLoadFailed] is returned.
//
// Every successful Acquire must be paired with a [Cache.Release].
func (c *Cache) Acquire(path string) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.handles[path]; ok {
		h.refs++
		h.lastUsed = now()
		return h, nil
	}

	started := now()
	m, err := c.load(path, true)
	if err != nil {
		slog.Warn("model: accelerated load failed, retrying CPU-only",
			"path", path, "err", err)
		time.Sleep(c.loadRetry)
		m, err = c.load(path, false)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrModelLoadFailed, path, err)
		}
	}

	var size int64
	if fi, statErr := os.Stat(path); statErr == nil {
		size = fi.Size()
	}

	h := &Handle{
		path:     path,
		model:    m,
		language: c.language,
		size:     size,
		refs:     1,
		lastUsed: now(),
	}
	c.handles[path] = h
	c.totalBytes += size
	slog.Info("model loaded", "path", path, "bytes", size, "took", time.Since(started))

	c.evictLocked()
	return h, nil
}

// Release drops one reference. Handles stay resident after their refcount
// hits zero — that is the whole point of the cache — but become eligible for
// LRU eviction.
func (c *Cache) Release(h *Handle) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.refs > 0 {
		h.refs--
	}
	h.lastUsed = now()
	c.evictLocked()
}

// Resident returns the number of live handles.
func (c *Cache) Resident() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// evictLocked removes least-recently-used handles until the ceiling is
// respected. A handle is only evictable when nothing references it and no
// inference is in flight. Caller holds c.mu.
func (c *Cache) evictLocked() {
	if c.maxBytes <= 0 {
		return
	}
	for c.totalBytes > c.maxBytes {
		var victim *Handle
		for _, h := range c.handles {
			if h.refs > 0 {
				continue
			}
			if !h.inferMu.TryLock() {
				continue // inference in flight
			}
			h.inferMu.Unlock()
			if victim == nil || h.lastUsed.Before(victim.lastUsed) {
				victim = h
			}
		}
		if victim == nil {
			return // nothing evictable right now
		}
		delete(c.handles, victim.path)
		c.totalBytes -= victim.size
		if err := victim.model.Close(); err != nil {
			slog.Warn("model: close on eviction", "path", victim.path, "err", err)
		}
		slog.Info("model evicted", "path", victim.path, "bytes", victim.size)
	}
}

// Close releases every resident handle. Callers must have released their
// references first; handles still referenced are closed anyway with a
// warning, since Close only runs at process shutdown.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, h := range c.handles {
		if h.refs > 0 {
			slog.Warn("model: closing handle with live references", "path", path, "refs", h.refs)
		}
		if err := h.model.Close(); err != nil {
			slog.Warn("model: close", "path", path, "err", err)
		}
		delete(c.handles, path)
	}
	c.totalBytes = 0
}
