package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arach/scout/pkg/audio"
	"github.com/arach/scout/pkg/audio/ring"
)

// Streaming is the ring-buffer streaming strategy: a poll-driven chunk
// scheduler, a bounded worker pool running file-based inference over scratch
// WAVs, and an ordered assembler emitting monotonic partial transcripts.
//
// Lifecycle: NewStreaming → Start → (partials flow) → Finalize or Abort.
// A Streaming value drives exactly one session.
type Streaming struct {
	ring   *ring.Buffer
	trans  Transcriber
	params Params

	queue    chan ChunkSpec
	results  chan ChunkResult
	partials chan Partial

	started     time.Time
	firstResult atomic.Int64 // ms since start, -1 until the first partial

	discard     atomic.Bool
	stopOnce    sync.Once
	stopCh      chan struct{}
	collectDone chan struct{}

	// collector-owned; safe to read after collectDone is closed.
	asm            *assembler
	lastEmittedLen int
}

// NewStreaming creates a streaming strategy over the live ring buffer.
// Zero-valued params fields take the calibrated defaults, except Overlap and
// RetryMax, where zero is kept and only negative values are replaced.
func NewStreaming(buf *ring.Buffer, trans Transcriber, params Params) (*Streaming, error) {
	if buf == nil {
		return nil, errors.New("streaming: ring buffer is required")
	}
	if trans == nil {
		return nil, errors.New("streaming: transcriber is required")
	}
	params = params.withDefaults()
	if params.ScratchDir == "" {
		dir, err := os.MkdirTemp("", "scout-chunks-*")
		if err != nil {
			return nil, fmt.Errorf("streaming: create scratch dir: %w", err)
		}
		params.ScratchDir = dir
	} else if err := os.MkdirAll(params.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("streaming: create scratch dir: %w", err)
	}

	s := &Streaming{
		ring:        buf,
		trans:       trans,
		params:      params,
		queue:       make(chan ChunkSpec, params.MaxWorkers),
		results:     make(chan ChunkResult, params.MaxWorkers*2),
		partials:    make(chan Partial, 64),
		stopCh:      make(chan struct{}),
		collectDone: make(chan struct{}),
		asm:         newAssembler(),
	}
	s.firstResult.Store(-1)
	return s, nil
}

// Partials returns the monotonic partial-transcript channel. It is closed
// when the session finishes assembling.
func (s *Streaming) Partials() <-chan Partial { return s.partials }

// Start launches the scheduler, worker pool, and collector. ctx bounds the
// whole session; in-flight native inference is not interruptible, so
// cancellation takes effect between chunks.
func (s *Streaming) Start(ctx context.Context) {
	s.started = time.Now()

	go s.dispatchLoop(ctx)

	var workers sync.WaitGroup
	for range s.params.MaxWorkers {
		workers.Go(func() {
			for spec := range s.queue {
				s.results <- s.process(ctx, spec)
			}
		})
	}
	go func() {
		workers.Wait()
		close(s.results)
	}()

	go s.collect()
}

// Finalize stops dispatch, drains in-flight workers within the grace
// period, and returns the assembled result. After Abort it returns
// [ErrAborted]; after a blown grace period it returns [ErrDrainTimeout].
// The scratch directory is purged either way.
func (s *Streaming) Finalize(ctx context.Context) (Result, error) {
	s.stop()
	defer s.purgeScratch()

	grace := time.NewTimer(s.params.DrainGrace)
	defer grace.Stop()

	select {
	case <-s.collectDone:
	case <-grace.C:
		return Result{Strategy: StreamingName}, ErrDrainTimeout
	case <-ctx.Done():
		return Result{Strategy: StreamingName}, ctx.Err()
	}

	if s.discard.Load() {
		return Result{Strategy: StreamingName}, ErrAborted
	}

	first := s.firstResult.Load()
	if first < 0 {
		first = 0
	}
	return Result{
		Text:           s.asm.text(),
		Segments:       s.asm.segments,
		Strategy:       StreamingName,
		ChunkCount:     s.asm.chunkCount,
		RetryCount:     s.asm.retryCount,
		AbandonedCount: s.asm.abandonedCount,
		FirstResultMs:  first,
		TotalMs:        time.Since(s.started).Milliseconds(),
	}, nil
}

// Abort marks the session as discarded and stops dispatch. Running workers
// drain (native inference cannot be interrupted safely) but their outputs
// are skipped.
func (s *Streaming) Abort() {
	s.discard.Store(true)
	s.stop()
}

func (s *Streaming) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// ---- scheduler ---------------------------------------------------------------

// dispatchLoop is the poll-driven chunk scheduler. It owns the sample cursor
// and seq counter; specs enter the bounded queue, which throttles polling
// when the worker pool is saturated without ever dropping a chunk unless
// retention is exceeded.
func (s *Streaming) dispatchLoop(ctx context.Context) {
	defer close(s.queue)

	chunkSamples := int64(audio.SamplesForDuration(s.params.ChunkDuration.Milliseconds()))
	overlapSamples := int64(audio.SamplesForDuration(s.params.Overlap.Milliseconds()))
	minSamples := int64(audio.SamplesForDuration(s.params.MinChunk.Milliseconds()))

	var (
		cursor int64 // next un-dispatched sample
		seq    int64
	)

	ticker := time.NewTicker(s.params.PollInterval)
	defer ticker.Stop()

	enqueue := func(spec ChunkSpec) bool {
		select {
		case s.queue <- spec:
			return true
		default:
			return false // pool saturated; retry next tick with same cursor
		}
	}

	dispatchReady := func() {
		w := s.ring.WriteIndex()

		// Retention pressure: the un-dispatched cursor has aged out of the
		// ring. Emit a catch-up chunk over everything still retained and
		// jump the cursor to the write index.
		if oldest := s.ring.OldestSample(); cursor < oldest {
			slog.Warn("retention pressure: emitting catch-up chunk",
				"cursor", cursor, "oldest", oldest, "write_index", w)
			spec := ChunkSpec{SeqID: seq, StartSample: oldest, EndSample: w}
			if !enqueue(spec) {
				return
			}
			seq++
			cursor = w
			if s.params.OnPressure != nil {
				s.params.OnPressure()
			}
			return
		}

		for w-cursor >= chunkSamples {
			start := cursor - overlapSamples
			if start < 0 {
				start = 0
			}
			spec := ChunkSpec{
				SeqID:          seq,
				StartSample:    start,
				EndSample:      cursor + chunkSamples,
				OverlapSamples: cursor - start,
			}
			if !enqueue(spec) {
				return
			}
			seq++
			cursor += chunkSamples
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			if !s.discard.Load() {
				cursor, seq = s.drainRemaining(cursor, seq, chunkSamples, overlapSamples)
				s.dispatchTrailing(cursor, seq, overlapSamples, minSamples)
			}
			return
		case <-ticker.C:
			dispatchReady()
		}
	}
}

// drainRemaining blocking-dispatches every still-complete chunk between the
// cursor and the write index. On live sessions the cursor is normally caught
// up by the poll loop; on uploaded files fed in one burst this is where the
// bulk of the chunks dispatch.
func (s *Streaming) drainRemaining(cursor, seq, chunkSamples, overlapSamples int64) (int64, int64) {
	w := s.ring.WriteIndex()
	for w-cursor >= chunkSamples {
		start := cursor - overlapSamples
		if start < 0 {
			start = 0
		}
		if oldest := s.ring.OldestSample(); start < oldest {
			start = oldest
		}
		s.queue <- ChunkSpec{
			SeqID:          seq,
			StartSample:    start,
			EndSample:      cursor + chunkSamples,
			OverlapSamples: cursor - start,
		}
		seq++
		cursor += chunkSamples
	}
	return cursor, seq
}

// dispatchTrailing emits the final chunk on stop. A tail shorter than the
// minimum chunk merges with the end of the prior chunk's audio (the overlap
// dedup removes the duplicated words); a tail with no prior chunk below the
// minimum is silently skipped and yields an empty transcript.
func (s *Streaming) dispatchTrailing(cursor, seq, overlapSamples, minSamples int64) {
	w := s.ring.WriteIndex()
	remaining := w - cursor
	if remaining <= 0 {
		return
	}

	start := cursor - overlapSamples
	if remaining < minSamples {
		if seq == 0 {
			return
		}
		// Extend backwards so the model sees at least a minimum chunk.
		start = w - minSamples - overlapSamples
	}
	if oldest := s.ring.OldestSample(); start < oldest {
		start = oldest
	}
	if start < 0 {
		start = 0
	}
	if start >= w {
		return
	}

	// Blocking send: workers are still draining the queue at this point.
	s.queue <- ChunkSpec{
		SeqID:          seq,
		StartSample:    start,
		EndSample:      w,
		OverlapSamples: cursor - start,
	}
}

// ---- worker ------------------------------------------------------------------

// process executes one chunk: extract samples, write the scratch WAV, and
// run inference with bounded retries. It always returns exactly one result.
func (s *Streaming) process(ctx context.Context, spec ChunkSpec) ChunkResult {
	startMs := audio.DurationMs(spec.StartSample)
	endMs := audio.DurationMs(spec.EndSample)
	base := ChunkResult{SeqID: spec.SeqID, StartMs: startMs, EndMs: endMs}

	samples, err := s.ring.ReadRange(spec.StartSample, spec.EndSample)
	if err != nil {
		if errors.Is(err, ring.ErrOutOfRetention) {
			slog.Warn("chunk dropped: audio left retention",
				"seq_id", spec.SeqID, "start", spec.StartSample, "end", spec.EndSample)
			base.Dropped = true
			return base
		}
		slog.Warn("chunk read failed", "seq_id", spec.SeqID, "err", err)
		base.Abandoned = true
		return base
	}

	if s.params.SkipSilent && audio.RMS(samples) < s.params.SilenceRMS {
		slog.Debug("chunk skipped by energy gate", "seq_id", spec.SeqID)
		return base
	}

	path := filepath.Join(s.params.ScratchDir, fmt.Sprintf("chunk-%06d.wav", spec.SeqID))
	if err := audio.WriteWAV(path, samples, audio.SampleRate); err != nil {
		slog.Warn("chunk scratch write failed", "seq_id", spec.SeqID, "err", err)
		base.Abandoned = true
		return base
	}

	for attempt := 0; attempt <= s.params.RetryMax; attempt++ {
		if attempt > 0 {
			backoff := s.params.RetryBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				base.Abandoned = true
				base.RetryCount = attempt - 1
				return base
			case <-time.After(backoff):
			}
		}

		res, err := s.trans.TranscribeAt(ctx, path, startMs)
		if err == nil {
			base.Text = res.Text
			base.Segments = res.Segments
			base.RetryCount = attempt
			return base
		}
		slog.Warn("chunk inference failed",
			"seq_id", spec.SeqID, "attempt", attempt+1, "err", err)
	}

	base.Abandoned = true
	base.RetryCount = s.params.RetryMax
	return base
}

// ---- collector ---------------------------------------------------------------

// collect re-sequences results and emits monotonic partials. It owns the
// assembler; Finalize reads it only after collectDone closes.
func (s *Streaming) collect() {
	defer close(s.collectDone)
	defer close(s.partials)

	for res := range s.results {
		if res.Dropped {
			// Dropped chunks still consume their seq slot so assembly can
			// advance past them; their contribution is empty.
			s.asm.add(ChunkResult{SeqID: res.SeqID, StartMs: res.StartMs, EndMs: res.EndMs})
			continue
		}
		if !s.asm.add(res) || s.discard.Load() {
			continue
		}

		text := s.asm.text()
		if len(text) < s.lastEmittedLen || text == "" {
			continue
		}
		s.lastEmittedLen = len(text)

		if s.firstResult.Load() < 0 {
			s.firstResult.Store(time.Since(s.started).Milliseconds())
		}
		select {
		case s.partials <- Partial{SeqIDUpTo: s.asm.assembledUpTo(), Text: text}:
		default:
			slog.Debug("partial dropped, subscriber lagging", "seq_id_up_to", s.asm.assembledUpTo())
		}
	}
}

// purgeScratch removes the per-session chunk files.
func (s *Streaming) purgeScratch() {
	if err := os.RemoveAll(s.params.ScratchDir); err != nil {
		slog.Warn("failed to purge scratch dir", "dir", s.params.ScratchDir, "err", err)
	}
}
