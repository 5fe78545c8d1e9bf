// Package bench runs the developer benchmark harness: every WAV in a corpus
// directory (paired with a .txt ground-truth transcript) is transcribed
// under each requested strategy and chunk-duration combination, scored by
// word error rate, and reported as JSON.
//
// The harness exists partly as a regression guard: it is the tool that
// demonstrates sub-3-second chunking destroying transcript quality, which is
// why those values are legal in configuration but never the default.
package bench

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
	"golang.org/x/sync/errgroup"

	"github.com/arach/scout/internal/strategy"
	"github.com/arach/scout/pkg/audio"
	"github.com/arach/scout/pkg/audio/ring"
)

// Options configures one benchmark run.
type Options struct {
	// CorpusDir contains *.wav files with sibling *.txt ground truth.
	CorpusDir string

	// Strategies to run: "classic", "streaming".
	Strategies []string

	// ChunkSeconds are the streaming chunk durations to sweep.
	ChunkSeconds []int

	// Transcriber runs the actual inference.
	Transcriber strategy.Transcriber

	// Workers bounds streaming parallelism. Default 2.
	Workers int
}

// Entry is one (file, strategy, chunk) measurement.
type Entry struct {
	File         string  `json:"file"`
	Strategy     string  `json:"strategy"`
	ChunkSeconds int     `json:"chunk_seconds,omitempty"`
	DurationMs   int64   `json:"duration_ms"`
	TotalMs      int64   `json:"total_ms"`
	WER          float64 `json:"wer"`
	Text         string  `json:"text"`
	Reference    string  `json:"reference"`
}

// Report is the JSON document emitted by the benchmark CLI.
type Report struct {
	Corpus  string  `json:"corpus"`
	Entries []Entry `json:"entries"`
}

// Run executes the benchmark matrix. It fails on corpus errors (unreadable
// directory, WAV without ground truth); individual transcription failures
// are recorded as WER 1.0 entries instead of aborting the sweep.
func Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Transcriber == nil {
		return nil, fmt.Errorf("bench: transcriber is required")
	}
	if len(opts.Strategies) == 0 {
		opts.Strategies = []string{"classic", "streaming"}
	}
	if len(opts.ChunkSeconds) == 0 {
		opts.ChunkSeconds = []int{5}
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}

	wavs, err := filepath.Glob(filepath.Join(opts.CorpusDir, "*.wav"))
	if err != nil {
		return nil, fmt.Errorf("bench: scan corpus %q: %w", opts.CorpusDir, err)
	}
	if len(wavs) == 0 {
		return nil, fmt.Errorf("bench: corpus %q contains no wav files", opts.CorpusDir)
	}
	sort.Strings(wavs)

	for _, strat := range opts.Strategies {
		if strat != "classic" && strat != "streaming" {
			return nil, fmt.Errorf("bench: unknown strategy %q", strat)
		}
	}

	// Files run concurrently; the strategy sweep within a file stays
	// sequential so one inference handle is never hammered by every
	// combination at once.
	var (
		mu      sync.Mutex
		entries []Entry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)

	for _, wav := range wavs {
		g.Go(func() error {
			refPath := strings.TrimSuffix(wav, filepath.Ext(wav)) + ".txt"
			refBytes, err := os.ReadFile(refPath)
			if err != nil {
				return fmt.Errorf("bench: missing ground truth for %q: %w", wav, err)
			}
			reference := strings.TrimSpace(string(refBytes))

			samples, _, err := audio.DecodeWAV(wav)
			if err != nil {
				return fmt.Errorf("bench: decode %q: %w", wav, err)
			}
			durationMs := audio.DurationMs(int64(len(samples)))

			var local []Entry
			for _, strat := range opts.Strategies {
				switch strat {
				case "classic":
					local = append(local, runClassic(gctx, opts, wav, reference, durationMs))
				case "streaming":
					for _, chunk := range opts.ChunkSeconds {
						local = append(local, runStreaming(gctx, opts, wav, samples, reference, durationMs, chunk))
					}
				}
			}
			mu.Lock()
			entries = append(entries, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].File != entries[j].File {
			return entries[i].File < entries[j].File
		}
		if entries[i].Strategy != entries[j].Strategy {
			return entries[i].Strategy < entries[j].Strategy
		}
		return entries[i].ChunkSeconds < entries[j].ChunkSeconds
	})
	return &Report{Corpus: opts.CorpusDir, Entries: entries}, nil
}

func runClassic(ctx context.Context, opts Options, wav, reference string, durationMs int64) Entry {
	entry := Entry{
		File:       filepath.Base(wav),
		Strategy:   "classic",
		DurationMs: durationMs,
		Reference:  reference,
		WER:        1,
	}
	res, err := strategy.NewClassic(opts.Transcriber).Transcribe(ctx, wav)
	if err != nil {
		return entry
	}
	entry.Text = res.Text
	entry.TotalMs = res.TotalMs
	entry.WER = WER(reference, res.Text)
	return entry
}

func runStreaming(ctx context.Context, opts Options, wav string, samples []float32, reference string, durationMs int64, chunkSeconds int) Entry {
	entry := Entry{
		File:         filepath.Base(wav),
		Strategy:     "streaming",
		ChunkSeconds: chunkSeconds,
		DurationMs:   durationMs,
		Reference:    reference,
		WER:          1,
	}

	buf := ring.New(len(samples) + audio.SampleRate)
	s, err := strategy.NewStreaming(buf, opts.Transcriber, strategy.Params{
		ChunkDuration: time.Duration(chunkSeconds) * time.Second,
		MaxWorkers:    opts.Workers,
		PollInterval:  5 * time.Millisecond,
		DrainGrace:    10 * time.Minute,
	})
	if err != nil {
		return entry
	}
	go func() {
		for range s.Partials() {
		}
	}()

	started := time.Now()
	s.Start(ctx)
	buf.Append(samples)
	res, err := s.Finalize(ctx)
	if err != nil {
		return entry
	}
	entry.Text = res.Text
	entry.TotalMs = time.Since(started).Milliseconds()
	entry.WER = WER(reference, res.Text)
	return entry
}

// WER computes the token-level word error rate between a reference and a
// hypothesis: edit distance over token sequences divided by the reference
// length. Tokens are compared case-insensitively with punctuation stripped.
// The distance runs over a rune-encoded form of the token streams so the
// string edit-distance implementation operates per token, not per character.
func WER(reference, hypothesis string) float64 {
	ref := normalizeTokens(reference)
	hyp := normalizeTokens(hypothesis)
	if len(ref) == 0 {
		if len(hyp) == 0 {
			return 0
		}
		return 1
	}

	vocab := make(map[string]rune)
	encode := func(tokens []string) string {
		var b strings.Builder
		for _, tok := range tokens {
			r, ok := vocab[tok]
			if !ok {
				// Private-use plane keeps encodings printable-safe.
				r = rune(0xE000 + len(vocab))
				vocab[tok] = r
			}
			b.WriteRune(r)
		}
		return b.String()
	}

	distance := matchr.Levenshtein(encode(ref), encode(hyp))
	return float64(distance) / float64(len(ref))
}

// normalizeTokens lowercases, strips punctuation, and splits on whitespace.
func normalizeTokens(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		cleaned := strings.Map(func(r rune) rune {
			if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'' {
				return r
			}
			return -1
		}, f)
		if cleaned != "" {
			out = append(out, cleaned)
		}
	}
	return out
}
