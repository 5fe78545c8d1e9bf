// Package ring implements the fixed-capacity circular sample store that backs
// live transcription sessions.
//
// The buffer holds mono float32 audio at the canonical 16 kHz rate and is
// addressed by a monotonically growing 64-bit sample index rather than by
// physical offsets, which removes all wrap ambiguity for readers. The single
// producer is the audio capture callback; [Buffer.Append] performs no
// allocation and acquires no lock, so it is safe on a real-time thread.
// Readers (chunk workers) extract ranges concurrently and detect, after
// copying, whether the writer overwrote the region mid-read.
package ring

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/arach/scout/pkg/audio"
)

// DefaultRetention is the default buffer capacity: five minutes of canonical
// audio.
const DefaultRetention = 5 * 60 * audio.SampleRate

var (
	// ErrOutOfRetention is returned when the requested range starts before
	// the oldest sample still held. Strategies treat it as a warning: the
	// chunk is skipped and the cursor advanced.
	ErrOutOfRetention = errors.New("ring: range start is older than retention")

	// ErrNotYetAvailable is returned when the requested range ends past the
	// current write index. Expected during polling; callers retry.
	ErrNotYetAvailable = errors.New("ring: range end not yet written")
)

// Buffer is a fixed-capacity circular store of mono float32 samples with a
// monotonic write index. The zero value is not usable; create one with [New].
type Buffer struct {
	buf        []float32
	capacity   int64
	writeIndex atomic.Int64
}

// New creates a Buffer holding capacity samples. capacity must be > 0;
// use [DefaultRetention] for the standard five-minute window.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultRetention
	}
	return &Buffer{
		buf:      make([]float32, capacity),
		capacity: int64(capacity),
	}
}

// Append stores samples in order, overwriting the oldest data once capacity
// is exceeded, and advances the write index by len(samples). It never blocks
// and never allocates. Append must only be called from a single goroutine
// (the capture callback).
func (b *Buffer) Append(samples []float32) {
	w := b.writeIndex.Load()
	for _, s := range samples {
		b.buf[w%b.capacity] = s
		w++
	}
	// Publish after the data is in place so readers validating against the
	// index never observe unwritten samples.
	b.writeIndex.Store(w)
}

// WriteIndex returns the total number of samples ever appended. It is
// strictly non-decreasing.
func (b *Buffer) WriteIndex() int64 {
	return b.writeIndex.Load()
}

// Capacity returns the buffer capacity in samples.
func (b *Buffer) Capacity() int64 {
	return b.capacity
}

// OldestSample returns the sample index of the oldest sample still retained.
func (b *Buffer) OldestSample() int64 {
	w := b.writeIndex.Load()
	if w <= b.capacity {
		return 0
	}
	return w - b.capacity
}

// AvailableMs returns the duration of audio currently retained, in
// milliseconds.
func (b *Buffer) AvailableMs() int64 {
	w := b.writeIndex.Load()
	n := w
	if n > b.capacity {
		n = b.capacity
	}
	return audio.DurationMs(n)
}

// ReadRange copies samples [start, end) into a fresh slice. It returns
// [ErrNotYetAvailable] if end exceeds the write index and
// [ErrOutOfRetention] if start precedes the retained window — including the
// case where the writer overwrote part of the range while the copy was in
// progress, which is re-checked after copying.
func (b *Buffer) ReadRange(start, end int64) ([]float32, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("ring: invalid range [%d, %d)", start, end)
	}
	w := b.writeIndex.Load()
	if end > w {
		return nil, fmt.Errorf("ring: [%d, %d) vs write index %d: %w", start, end, w, ErrNotYetAvailable)
	}
	if start < w-b.capacity {
		return nil, fmt.Errorf("ring: [%d, %d) vs oldest %d: %w", start, end, w-b.capacity, ErrOutOfRetention)
	}

	out := make([]float32, end-start)
	for i := range out {
		out[i] = b.buf[(start+int64(i))%b.capacity]
	}

	// The writer may have lapped the region during the copy; if so the data
	// just read is partially new audio and must be discarded.
	if w2 := b.writeIndex.Load(); start < w2-b.capacity {
		return nil, fmt.Errorf("ring: range overwritten during read: %w", ErrOutOfRetention)
	}
	return out, nil
}

// ReadTimeRange is [Buffer.ReadRange] addressed in milliseconds at the
// canonical rate.
func (b *Buffer) ReadTimeRange(startMs, endMs int64) ([]float32, error) {
	return b.ReadRange(audio.SamplesForDuration(startMs), audio.SamplesForDuration(endMs))
}

// Snapshot copies the entire retained region. Used by the Classic strategy
// fallback and debug dumps.
func (b *Buffer) Snapshot() ([]float32, int64, error) {
	for {
		start := b.OldestSample()
		end := b.WriteIndex()
		samples, err := b.ReadRange(start, end)
		if errors.Is(err, ErrOutOfRetention) {
			// Writer advanced past our start between the two loads; retry
			// with a fresh window.
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		return samples, start, nil
	}
}

// SnapshotWAV freezes the retained region into a canonical 16 kHz mono
// 16-bit PCM WAV at path.
func (b *Buffer) SnapshotWAV(path string) error {
	samples, _, err := b.Snapshot()
	if err != nil {
		return fmt.Errorf("ring: snapshot: %w", err)
	}
	return audio.WriteWAV(path, samples, audio.SampleRate)
}
