// Package convert decodes uploaded audio files of arbitrary supported
// container/codec combinations into the canonical 16 kHz mono 16-bit PCM WAV
// consumed by the transcriber.
//
// WAV and MP3 are decoded natively (go-audio, go-mp3). Other supported
// formats (AAC, FLAC, MP4, OGG/Vorbis) are demuxed and decoded by shelling
// out to ffmpeg with a fixed argument set; when the binary is absent those
// formats surface [ErrUnsupportedFormat].
package convert

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hajimehoshi/go-mp3"

	"github.com/arach/scout/pkg/audio"
)

var (
	// ErrUnsupportedFormat is returned for file extensions the converter has
	// no decode path for.
	ErrUnsupportedFormat = errors.New("convert: unsupported input format")

	// ErrDecodeFailed is returned when a decoder recognised the container but
	// could not produce PCM from it.
	ErrDecodeFailed = errors.New("convert: decode failed")
)

// Converter turns arbitrary supported inputs into canonical WAVs under
// ScratchDir. The zero value converts into the system temp directory.
type Converter struct {
	// ScratchDir receives converted files. Defaults to os.TempDir().
	ScratchDir string

	// FFmpegPath overrides the ffmpeg binary looked up on PATH.
	FFmpegPath string
}

// Convert decodes inputPath into a canonical WAV and returns the output
// path. If the input already conforms it is returned unchanged, which makes
// Convert idempotent: converting a converted file yields the same bytes.
func (c *Converter) Convert(ctx context.Context, inputPath string) (string, error) {
	if _, err := os.Stat(inputPath); err != nil {
		return "", fmt.Errorf("convert: stat input: %w", err)
	}
	if audio.IsCanonicalWAV(inputPath) {
		return inputPath, nil
	}

	outputPath := c.outputPath(inputPath)

	ext := strings.ToLower(filepath.Ext(inputPath))
	switch ext {
	case ".wav":
		if err := c.convertWAV(inputPath, outputPath); err != nil {
			return "", err
		}
	case ".mp3":
		if err := c.convertMP3(inputPath, outputPath); err != nil {
			return "", err
		}
	case ".aac", ".m4a", ".mp4", ".flac", ".ogg", ".oga":
		if err := c.convertFFmpeg(ctx, inputPath, outputPath); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("convert: %q: %w", ext, ErrUnsupportedFormat)
	}

	return outputPath, nil
}

// outputPath derives a stable scratch location from the input path so that
// repeat conversions of the same file overwrite rather than accumulate.
func (c *Converter) outputPath(inputPath string) string {
	dir := c.ScratchDir
	if dir == "" {
		dir = os.TempDir()
	}
	sum := sha256.Sum256([]byte(inputPath))
	return filepath.Join(dir, "scout-"+hex.EncodeToString(sum[:8])+".wav")
}

// convertWAV re-encodes a non-canonical WAV (wrong rate, channels, or bit
// depth) into canonical form.
func (c *Converter) convertWAV(inputPath, outputPath string) error {
	samples, format, err := audio.DecodeWAV(inputPath)
	if err != nil {
		if errors.Is(err, audio.ErrNotWAV) {
			return fmt.Errorf("convert: %q: %w", inputPath, ErrDecodeFailed)
		}
		return err
	}
	samples = audio.Resample(samples, format.SampleRate, audio.SampleRate)
	return audio.WriteWAV(outputPath, samples, audio.SampleRate)
}

// convertMP3 decodes an MP3 stream. go-mp3 always yields 16-bit stereo
// little-endian PCM at the stream's native rate.
func (c *Converter) convertMP3(inputPath, outputPath string) error {
	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("convert: open %q: %w", inputPath, err)
	}
	defer f.Close()

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		return fmt.Errorf("convert: %q: %w: %v", inputPath, ErrDecodeFailed, err)
	}

	pcm, err := io.ReadAll(dec)
	if err != nil {
		return fmt.Errorf("convert: %q: %w: %v", inputPath, ErrDecodeFailed, err)
	}

	frames := len(pcm) / 4 // 2 bytes × 2 channels
	samples := make([]float32, frames)
	for i := range frames {
		l := int16(uint16(pcm[i*4]) | uint16(pcm[i*4+1])<<8)
		r := int16(uint16(pcm[i*4+2]) | uint16(pcm[i*4+3])<<8)
		samples[i] = (float32(l) + float32(r)) / 2 / 32768.0
	}

	samples = audio.Resample(samples, dec.SampleRate(), audio.SampleRate)
	return audio.WriteWAV(outputPath, samples, audio.SampleRate)
}

// convertFFmpeg decodes via the ffmpeg binary.
func (c *Converter) convertFFmpeg(ctx context.Context, inputPath, outputPath string) error {
	bin := c.FFmpegPath
	if bin == "" {
		var err error
		bin, err = exec.LookPath("ffmpeg")
		if err != nil {
			return fmt.Errorf("convert: ffmpeg not available for %q: %w", filepath.Ext(inputPath), ErrUnsupportedFormat)
		}
	}

	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner", "-loglevel", "error",
		"-i", inputPath,
		"-ar", fmt.Sprintf("%d", audio.SampleRate),
		"-ac", fmt.Sprintf("%d", audio.Channels),
		"-sample_fmt", "s16",
		"-y", outputPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("convert: ffmpeg %q: %w: %s", inputPath, ErrDecodeFailed, strings.TrimSpace(string(out)))
	}
	return nil
}
