package strategy

import (
	"context"
	"fmt"
	"time"
)

// Classic runs a single whole-file inference pass. It is used for uploaded
// files under the streaming length threshold and as the fallback when the
// streaming strategy cannot initialise.
type Classic struct {
	trans Transcriber
}

// NewClassic creates a Classic strategy over trans.
func NewClassic(trans Transcriber) *Classic {
	return &Classic{trans: trans}
}

// Transcribe runs one blocking pass over the canonical WAV at wavPath.
func (c *Classic) Transcribe(ctx context.Context, wavPath string) (Result, error) {
	started := time.Now()
	res, err := c.trans.TranscribeAt(ctx, wavPath, 0)
	if err != nil {
		return Result{Strategy: ClassicName}, fmt.Errorf("classic: %w", err)
	}

	elapsed := time.Since(started).Milliseconds()
	return Result{
		Text:          res.Text,
		Segments:      res.Segments,
		Strategy:      ClassicName,
		ChunkCount:    1,
		FirstResultMs: elapsed,
		TotalMs:       elapsed,
	}, nil
}
