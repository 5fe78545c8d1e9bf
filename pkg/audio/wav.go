package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/go-audio/wav"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE header written by
// [EncodeWAV]: a single fmt sub-chunk followed immediately by the data
// sub-chunk, no extension blocks.
const WAVHeaderSize = 44

// ErrNotWAV is returned by [DecodeWAV] when the input is not a valid
// RIFF/WAVE file.
var ErrNotWAV = errors.New("audio: not a valid WAV file")

// EncodeWAV wraps mono float32 samples in a canonical 16-bit PCM RIFF/WAV
// container at the given sample rate. The returned byte slice starts with the
// 44-byte header.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	pcm := F32ToI16(samples)
	dataSize := len(pcm) * 2
	byteRate := sampleRate * Channels * BitsPerSample / 8
	blockAlign := Channels * BitsPerSample / 8

	buf := make([]byte, WAVHeaderSize+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], Channels)           // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], BitsPerSample)      // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(buf[WAVHeaderSize+i*2:], uint16(s))
	}

	return buf
}

// WriteWAV writes mono float32 samples as a canonical WAV file at path.
func WriteWAV(path string, samples []float32, sampleRate int) error {
	if err := os.WriteFile(path, EncodeWAV(samples, sampleRate), 0o644); err != nil {
		return fmt.Errorf("audio: write wav %q: %w", path, err)
	}
	return nil
}

// DecodeWAV reads a WAV file and returns its samples as mono float32 in
// [-1, 1] alongside the file's declared format. Multi-channel input is
// down-mixed by arithmetic mean; the sample rate is NOT converted — callers
// that need the canonical rate resample afterwards.
func DecodeWAV(path string) ([]float32, Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: open wav %q: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, Format{}, fmt.Errorf("audio: %q: %w", path, ErrNotWAV)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: decode wav %q: %w", path, err)
	}

	format := Format{
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
		Encoding:   EncodingI16,
	}

	scale := float64(int64(1) << (buf.SourceBitDepth - 1))
	if buf.SourceBitDepth == 0 {
		scale = 32768.0
	}
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(float64(v) / scale)
	}

	if format.Channels > 1 {
		samples = DownmixToMono(samples, format.Channels)
	}
	return samples, format, nil
}

// IsCanonicalWAV reports whether the file at path is already a 16 kHz mono
// 16-bit PCM WAV, i.e. can be fed to the transcriber without conversion.
func IsCanonicalWAV(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	return dec.IsValidFile() &&
		int(dec.SampleRate) == SampleRate &&
		int(dec.NumChans) == Channels &&
		int(dec.BitDepth) == BitsPerSample
}
