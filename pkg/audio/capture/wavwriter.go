package capture

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/arach/scout/pkg/audio"
)

// WAVWriter streams mono float32 samples to a canonical 16-bit PCM WAV file.
// A placeholder header is written on creation and the RIFF/data chunk sizes
// are patched on Close, so a crash mid-recording leaves a file that most
// tools can still salvage.
//
// WAVWriter is not safe for concurrent use; the recorder confines it to its
// file-writer goroutine.
type WAVWriter struct {
	f          *os.File
	path       string
	sampleRate int
	frames     int64
	closed     bool
}

// NewWAVWriter creates the file at path and writes the placeholder header.
func NewWAVWriter(path string, sampleRate int) (*WAVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("capture: create wav %q: %w", path, err)
	}

	var header [audio.WAVHeaderSize]byte
	copy(header[0:4], "RIFF")
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1)
	binary.LittleEndian.PutUint16(header[22:24], audio.Channels)
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(sampleRate*audio.Channels*audio.BitsPerSample/8))
	binary.LittleEndian.PutUint16(header[32:34], audio.Channels*audio.BitsPerSample/8)
	binary.LittleEndian.PutUint16(header[34:36], audio.BitsPerSample)
	copy(header[36:40], "data")

	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("capture: write wav header %q: %w", path, err)
	}

	return &WAVWriter{f: f, path: path, sampleRate: sampleRate}, nil
}

// Write appends samples to the data chunk.
func (w *WAVWriter) Write(samples []float32) error {
	if w.closed {
		return fmt.Errorf("capture: wav writer %q is closed", w.path)
	}
	buf := make([]byte, len(samples)*2)
	for i, s := range audio.F32ToI16(samples) {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	if _, err := w.f.Write(buf); err != nil {
		return fmt.Errorf("capture: write wav data %q: %w", w.path, err)
	}
	w.frames += int64(len(samples))
	return nil
}

// Frames returns the number of sample frames written so far.
func (w *WAVWriter) Frames() int64 { return w.frames }

// Path returns the output file path.
func (w *WAVWriter) Path() string { return w.path }

// DurationMs returns the duration of the audio written so far.
func (w *WAVWriter) DurationMs() int64 {
	return w.frames * 1000 / int64(w.sampleRate)
}

// Close patches the header sizes and closes the file. Close is idempotent.
func (w *WAVWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	dataSize := uint32(w.frames * audio.BitsPerSample / 8 * audio.Channels)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], 36+dataSize)
	if _, err := w.f.WriteAt(u32[:], 4); err != nil {
		w.f.Close()
		return fmt.Errorf("capture: patch riff size %q: %w", w.path, err)
	}
	binary.LittleEndian.PutUint32(u32[:], dataSize)
	if _, err := w.f.WriteAt(u32[:], 40); err != nil {
		w.f.Close()
		return fmt.Errorf("capture: patch data size %q: %w", w.path, err)
	}

	if err := w.f.Close(); err != nil {
		return fmt.Errorf("capture: close wav %q: %w", w.path, err)
	}
	return nil
}
