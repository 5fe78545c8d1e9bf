// Package audio provides the sample-domain primitives shared by the Scout
// transcription core: format descriptors, PCM conversions between integer
// and float32 representations, channel down-mixing, linear-interpolation
// resampling with anti-alias pre-filtering, RMS metering, and canonical WAV
// encode/decode helpers.
//
// The canonical interchange format everywhere downstream of the recorder is
// 16 kHz mono float32 in [-1, 1]; the canonical on-disk format is 16 kHz mono
// 16-bit little-endian PCM WAV with a 44-byte header.
package audio

import (
	"fmt"
	"math"
)

const (
	// SampleRate is the canonical sample rate consumed by the transcriber.
	SampleRate = 16000

	// Channels is the canonical channel count (mono).
	Channels = 1

	// BitsPerSample is fixed at 16 for canonical on-disk PCM.
	BitsPerSample = 16
)

// Format describes the sample rate, channel count, and sample encoding of an
// audio stream.
type Format struct {
	SampleRate int
	Channels   int
	Encoding   Encoding
}

// Encoding enumerates the PCM sample encodings the recorder can receive from
// a capture device.
type Encoding int

const (
	EncodingF32 Encoding = iota
	EncodingI16
	EncodingI32
)

// String returns the short name of the encoding ("f32", "i16", "i32").
func (e Encoding) String() string {
	switch e {
	case EncodingF32:
		return "f32"
	case EncodingI16:
		return "i16"
	case EncodingI32:
		return "i32"
	default:
		return "unknown"
	}
}

// Canonical is the target format every capture stream is normalised to.
var Canonical = Format{SampleRate: SampleRate, Channels: Channels, Encoding: EncodingF32}

// String returns a human-readable description, e.g. "48000Hz stereo f32".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s %s", f.SampleRate, ch, f.Encoding)
}

// SamplesForDuration returns the number of mono samples covering ms
// milliseconds at the canonical rate.
func SamplesForDuration(ms int64) int64 {
	return ms * SampleRate / 1000
}

// DurationMs returns the duration in milliseconds of n mono samples at the
// canonical rate.
func DurationMs(n int64) int64 {
	return n * 1000 / SampleRate
}

// ---- integer → float conversions --------------------------------------------

// I16ToF32 converts 16-bit signed samples to float32 in [-1, 1].
func I16ToF32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// I32ToF32 converts 32-bit signed samples to float32 in [-1, 1].
func I32ToF32(in []int32) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(float64(s) / 2147483648.0)
	}
	return out
}

// F32ToI16 converts float32 samples in [-1, 1] to 16-bit signed PCM,
// clamping out-of-range values.
func F32ToI16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		v := s * 32767.0
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// ---- channel down-mix --------------------------------------------------------

// DownmixToMono averages interleaved multi-channel float32 samples into mono
// by arithmetic mean. channels must be >= 1; for channels == 1 the input is
// returned unchanged.
func DownmixToMono(in []float32, channels int) []float32 {
	if channels <= 1 {
		return in
	}
	frames := len(in) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += in[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// ---- metering ----------------------------------------------------------------

// RMS returns the root-mean-square energy of float32 samples in [-1, 1].
// Returns 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
