// Command scout-bench runs the transcription benchmark harness over a
// corpus of WAV files with paired .txt ground truth and prints a JSON
// report.
//
// Usage:
//
//	scout-bench --model models/ggml-base.en.bin --corpus testdata/corpus \
//	    --strategies classic,streaming --chunks 1,3,5,10
//
// Exit status is 0 on success and non-zero on corpus or model errors.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/arach/scout/internal/bench"
	"github.com/arach/scout/pkg/model"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		modelPath  = flag.String("model", "", "path to the whisper model file")
		corpusDir  = flag.String("corpus", "", "directory of *.wav files with *.txt ground truth")
		strategies = flag.String("strategies", "classic,streaming", "comma-separated strategies to run")
		chunks     = flag.String("chunks", "5", "comma-separated streaming chunk durations in seconds")
		workers    = flag.Int("workers", 2, "streaming worker pool size")
		language   = flag.String("language", "en", "transcription language")
	)
	flag.Parse()

	if *modelPath == "" || *corpusDir == "" {
		fmt.Fprintln(os.Stderr, "scout-bench: --model and --corpus are required")
		flag.Usage()
		return 2
	}

	chunkSeconds, err := parseInts(*chunks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scout-bench: --chunks: %v\n", err)
		return 2
	}

	cache := model.NewCache(model.WithLanguage(*language))
	defer cache.Close()
	handle, err := cache.Acquire(*modelPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scout-bench: %v\n", err)
		return 1
	}
	defer cache.Release(handle)

	report, err := bench.Run(context.Background(), bench.Options{
		CorpusDir:    *corpusDir,
		Strategies:   splitList(*strategies),
		ChunkSeconds: chunkSeconds,
		Transcriber:  handle,
		Workers:      *workers,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "scout-bench: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(os.Stderr, "scout-bench: encode report: %v\n", err)
		return 1
	}
	return 0
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, part := range splitList(s) {
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid chunk duration %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}
