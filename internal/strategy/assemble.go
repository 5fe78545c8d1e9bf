package strategy

import (
	"strings"
	"unicode"

	"github.com/arach/scout/pkg/model"
)

// maxOverlapTokens bounds the dedup window: roughly the number of words that
// fit in a chunk-boundary overlap, with headroom for fast speech.
const maxOverlapTokens = 12

// assembler re-sequences out-of-order chunk results by seq ID and joins
// adjacent texts with greedy overlap deduplication. Not safe for concurrent
// use; the streaming strategy confines it to the collector goroutine.
type assembler struct {
	pending map[int64]ChunkResult
	nextSeq int64

	texts    []string
	segments []model.Segment

	chunkCount     int
	retryCount     int
	abandonedCount int
}

func newAssembler() *assembler {
	return &assembler{pending: make(map[int64]ChunkResult)}
}

// add records one chunk result and folds in every result that is now
// contiguous. Returns true when the assembled prefix advanced.
func (a *assembler) add(res ChunkResult) bool {
	a.pending[res.SeqID] = res

	advanced := false
	for {
		res, ok := a.pending[a.nextSeq]
		if !ok {
			break
		}
		delete(a.pending, a.nextSeq)
		a.fold(res)
		a.nextSeq++
		advanced = true
	}
	return advanced
}

// fold appends one in-order result to the assembled transcript.
func (a *assembler) fold(res ChunkResult) {
	a.chunkCount++
	a.retryCount += res.RetryCount
	if res.Abandoned {
		a.abandonedCount++
	}
	if res.Text == "" {
		return
	}

	if len(a.texts) == 0 {
		a.texts = append(a.texts, res.Text)
		a.segments = append(a.segments, res.Segments...)
		return
	}

	prev := a.texts[len(a.texts)-1]
	trimmedPrev, next := dedupeOverlap(prev, res.Text)
	a.texts[len(a.texts)-1] = trimmedPrev
	if next != "" {
		a.texts = append(a.texts, next)
	}
	a.segments = append(a.segments, res.Segments...)
}

// assembledUpTo returns the highest seq ID folded so far (exclusive).
func (a *assembler) assembledUpTo() int64 {
	return a.nextSeq
}

// text returns the transcript assembled from the contiguous prefix.
func (a *assembler) text() string {
	parts := make([]string, 0, len(a.texts))
	for _, t := range a.texts {
		if t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// dedupeOverlap removes the duplicated token run at the boundary between
// prev and next using a greedy longest suffix/prefix match over
// whitespace-normalised tokens. When a match is found the later chunk's
// rendition wins: the matched tokens are trimmed from prev's tail, which
// suppresses hallucinated continuations at chunk tails.
func dedupeOverlap(prev, next string) (string, string) {
	prevTokens := strings.Fields(prev)
	nextTokens := strings.Fields(next)

	limit := min(len(prevTokens), len(nextTokens), maxOverlapTokens)

	best := 0
	for n := limit; n > 0; n-- {
		if tokenRunsEqual(prevTokens[len(prevTokens)-n:], nextTokens[:n]) {
			best = n
			break
		}
	}
	if best == 0 {
		return prev, next
	}
	return strings.Join(prevTokens[:len(prevTokens)-best], " "), strings.Join(nextTokens, " ")
}

// tokenRunsEqual compares two equal-length token runs under normalisation.
func tokenRunsEqual(a, b []string) bool {
	for i := range a {
		if normalizeToken(a[i]) != normalizeToken(b[i]) {
			return false
		}
	}
	return true
}

// normalizeToken lowercases and strips non-alphanumeric runes so "Works."
// and "works" compare equal.
func normalizeToken(tok string) string {
	var b strings.Builder
	for _, r := range tok {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
