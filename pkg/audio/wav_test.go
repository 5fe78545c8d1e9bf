package audio_test

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/arach/scout/pkg/audio"
)

func TestEncodeWAVHeaderLayout(t *testing.T) {
	t.Parallel()

	samples := []float32{0, 0.5, -0.5, 1, -1}
	buf := audio.EncodeWAV(samples, audio.SampleRate)

	if len(buf) != audio.WAVHeaderSize+len(samples)*2 {
		t.Fatalf("len = %d, want %d", len(buf), audio.WAVHeaderSize+len(samples)*2)
	}
	if string(buf[0:4]) != "RIFF" || string(buf[8:12]) != "WAVE" {
		t.Fatal("missing RIFF/WAVE magic")
	}
	if string(buf[36:40]) != "data" {
		t.Fatal("missing data chunk id")
	}
	if got := binary.LittleEndian.Uint32(buf[24:28]); got != audio.SampleRate {
		t.Fatalf("sample rate = %d", got)
	}
	if got := binary.LittleEndian.Uint16(buf[22:24]); got != 1 {
		t.Fatalf("channels = %d", got)
	}
	if got := binary.LittleEndian.Uint16(buf[34:36]); got != 16 {
		t.Fatalf("bits per sample = %d", got)
	}
	if got := binary.LittleEndian.Uint32(buf[40:44]); got != uint32(len(samples)*2) {
		t.Fatalf("data size = %d", got)
	}
}

func TestWAVRoundTripRecoversSamples(t *testing.T) {
	t.Parallel()

	// Values chosen to be exactly representable in 16-bit PCM.
	src := make([]float32, 1600)
	for i := range src {
		src[i] = float32(int16(i*7%1024-512)) / 32768.0 * 32768.0 / 32767.0 * 32767.0 / 32768.0
	}
	// Quantise through the same conversion the writer uses so the
	// comparison is exact.
	quantised := audio.I16ToF32(audio.F32ToI16(src))

	path := filepath.Join(t.TempDir(), "rt.wav")
	if err := audio.WriteWAV(path, quantised, audio.SampleRate); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}

	got, format, err := audio.DecodeWAV(path)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if format.SampleRate != audio.SampleRate || format.Channels != 1 {
		t.Fatalf("format = %v", format)
	}
	if len(got) != len(quantised) {
		t.Fatalf("len = %d, want %d", len(got), len(quantised))
	}
	for i := range got {
		diff := got[i] - quantised[i]
		if diff > 1.0/16384 || diff < -1.0/16384 {
			t.Fatalf("sample %d = %v, want %v", i, got[i], quantised[i])
		}
	}
}

func TestIsCanonicalWAV(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	canonical := filepath.Join(dir, "canon.wav")
	if err := audio.WriteWAV(canonical, make([]float32, 160), audio.SampleRate); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	if !audio.IsCanonicalWAV(canonical) {
		t.Fatal("16 kHz mono 16-bit WAV should be canonical")
	}

	wrongRate := filepath.Join(dir, "44k.wav")
	if err := audio.WriteWAV(wrongRate, make([]float32, 441), 44100); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	if audio.IsCanonicalWAV(wrongRate) {
		t.Fatal("44.1 kHz WAV must not be canonical")
	}

	if audio.IsCanonicalWAV(filepath.Join(dir, "missing.wav")) {
		t.Fatal("missing file must not be canonical")
	}
}

func TestDownmixToMono(t *testing.T) {
	t.Parallel()

	stereo := []float32{1, 0, 0.5, -0.5, -1, 1}
	mono := audio.DownmixToMono(stereo, 2)
	want := []float32{0.5, 0, 0}
	if len(mono) != len(want) {
		t.Fatalf("len = %d", len(mono))
	}
	for i := range want {
		if mono[i] != want[i] {
			t.Fatalf("mono[%d] = %v, want %v", i, mono[i], want[i])
		}
	}

	// Mono input passes through untouched.
	in := []float32{0.1, 0.2}
	if out := audio.DownmixToMono(in, 1); &out[0] != &in[0] {
		t.Fatal("mono input should be returned unchanged")
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()

	if got := audio.RMS(nil); got != 0 {
		t.Fatalf("RMS(nil) = %v", got)
	}
	constant := make([]float32, 100)
	for i := range constant {
		constant[i] = 0.5
	}
	if got := audio.RMS(constant); got < 0.499 || got > 0.501 {
		t.Fatalf("RMS = %v, want 0.5", got)
	}
}

func TestConversionClamps(t *testing.T) {
	t.Parallel()

	out := audio.F32ToI16([]float32{2.0, -2.0})
	if out[0] != 32767 || out[1] != -32768 {
		t.Fatalf("clamping = %v", out)
	}
}
