// Package dictionary applies user-defined text substitutions to finalised
// transcripts. Four match types are supported — exact (literal substring),
// word (boundary-delimited), phrase (boundary-delimited with flexible
// whitespace), and regex — applied in that fixed order. Compiled patterns are
// cached; invalid regex entries are skipped and reported without aborting the
// pass.
package dictionary

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

// MatchType classifies how an entry's Original is matched.
type MatchType string

const (
	MatchExact  MatchType = "exact"
	MatchWord   MatchType = "word"
	MatchPhrase MatchType = "phrase"
	MatchRegex  MatchType = "regex"
)

// applyOrder is the fixed category order of the dictionary pass.
var applyOrder = []MatchType{MatchExact, MatchWord, MatchPhrase, MatchRegex}

// Entry is one user dictionary rule. Entries are owned by the storage
// collaborator; the engine only reads them.
type Entry struct {
	ID            string    `json:"id"`
	Original      string    `json:"original"`
	Replacement   string    `json:"replacement"`
	MatchType     MatchType `json:"match_type"`
	CaseSensitive bool      `json:"case_sensitive"`
	Enabled       bool      `json:"enabled"`
	Category      string    `json:"category"`
	CreatedAt     time.Time `json:"created_at"`
}

// Match records one applied substitution. Start and End are byte offsets of
// the replacement in the output text.
type Match struct {
	EntryID     string `json:"entry_id"`
	Original    string `json:"original"`
	Replacement string `json:"replacement"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
}

// Engine holds the active entry set and a compiled-pattern cache. Safe for
// concurrent use.
type Engine struct {
	mu      sync.RWMutex
	entries []Entry
	cache   map[string]*regexp.Regexp
	invalid map[string]bool
}

// NewEngine creates an Engine over the given entries.
func NewEngine(entries []Entry) *Engine {
	e := &Engine{cache: make(map[string]*regexp.Regexp), invalid: make(map[string]bool)}
	e.SetEntries(entries)
	return e
}

// SetEntries replaces the active entry set, keeping compiled patterns for
// entries whose definitions are unchanged.
func (e *Engine) SetEntries(entries []Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = make([]Entry, len(entries))
	copy(e.entries, entries)
}

// Apply runs all enabled entries over text in category order and returns the
// substituted text plus the side table of applied matches.
func (e *Engine) Apply(text string) (string, []Match) {
	e.mu.RLock()
	entries := e.entries
	e.mu.RUnlock()

	var matches []Match
	for _, mt := range applyOrder {
		for _, entry := range entries {
			if !entry.Enabled || entry.MatchType != mt || entry.Original == "" {
				continue
			}
			re := e.pattern(entry)
			if re == nil {
				continue
			}
			text, matches = substitute(re, text, entry, matches, mt == MatchRegex)
		}
	}
	return text, matches
}

// pattern returns the compiled regexp for entry, building and caching it on
// first use. Returns nil for entries whose pattern does not compile.
func (e *Engine) pattern(entry Entry) *regexp.Regexp {
	key := string(entry.MatchType) + "/" + entry.Original
	if !entry.CaseSensitive {
		key = "(?i)" + key
	}

	e.mu.RLock()
	re, ok := e.cache[key]
	bad := e.invalid[key]
	e.mu.RUnlock()
	if ok {
		return re
	}
	if bad {
		return nil
	}

	var expr string
	switch entry.MatchType {
	case MatchExact:
		expr = regexp.QuoteMeta(entry.Original)
	case MatchWord:
		expr = `\b` + regexp.QuoteMeta(entry.Original) + `\b`
	case MatchPhrase:
		words := strings.Fields(entry.Original)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		expr = `\b` + strings.Join(words, `\s+`) + `\b`
	case MatchRegex:
		expr = entry.Original
	default:
		return nil
	}
	if !entry.CaseSensitive {
		expr = "(?i)" + expr
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		slog.Error("dictionary: invalid pattern, entry skipped",
			"entry_id", entry.ID, "original", entry.Original, "err", err)
		e.mu.Lock()
		e.invalid[key] = true
		e.mu.Unlock()
		return nil
	}

	e.mu.Lock()
	e.cache[key] = re
	e.mu.Unlock()
	return re
}

// substitute replaces every match of re in text, recording output-relative
// positions. expand enables $1-style references for regex entries; the other
// categories substitute literally.
func substitute(re *regexp.Regexp, text string, entry Entry, matches []Match, expand bool) (string, []Match) {
	locs := re.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return text, matches
	}

	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, loc := range locs {
		b.WriteString(text[prev:loc[0]])

		var repl string
		if expand {
			repl = string(re.ExpandString(nil, entry.Replacement, text, loc))
		} else {
			repl = entry.Replacement
		}

		start := b.Len()
		b.WriteString(repl)
		matches = append(matches, Match{
			EntryID:     entry.ID,
			Original:    text[loc[0]:loc[1]],
			Replacement: repl,
			Start:       start,
			End:         start + len(repl),
		})
		prev = loc[1]
	}
	b.WriteString(text[prev:])
	return b.String(), matches
}
