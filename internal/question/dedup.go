package question

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	// DefaultDedupWindow is how long an emitted question suppresses
	// near-duplicates.
	DefaultDedupWindow = 30 * time.Second

	// DefaultSimilarityThreshold is the similarity at or above which a
	// candidate is considered a duplicate.
	DefaultSimilarityThreshold = 0.7

	// shortTextRunes is the length below which character bigrams are too
	// sparse to discriminate; shorter texts fall back to Jaro-Winkler.
	shortTextRunes = 6
)

type dedupEntry struct {
	text    string
	bigrams map[string]struct{}
	at      time.Time
}

// DedupWindow is a rolling time-boxed set of recently emitted question texts.
// A candidate whose similarity to any live entry meets the threshold is
// suppressed; suppression does not refresh the matched entry, so a question
// repeated every few seconds surfaces again once the original entry ages out.
//
// Safe for concurrent use.
type DedupWindow struct {
	mu        sync.Mutex
	window    time.Duration
	threshold float64
	now       func() time.Time
	entries   []dedupEntry
}

// DedupOption is a functional option for configuring a [DedupWindow].
type DedupOption func(*DedupWindow)

// WithWindow sets the suppression window. Default is [DefaultDedupWindow].
func WithWindow(d time.Duration) DedupOption {
	return func(w *DedupWindow) {
		if d > 0 {
			w.window = d
		}
	}
}

// WithThreshold sets the similarity threshold in (0, 1]. Default is
// [DefaultSimilarityThreshold].
func WithThreshold(t float64) DedupOption {
	return func(w *DedupWindow) {
		if t > 0 && t <= 1 {
			w.threshold = t
		}
	}
}

// WithNowFunc overrides the clock. Intended for tests.
func WithNowFunc(now func() time.Time) DedupOption {
	return func(w *DedupWindow) {
		if now != nil {
			w.now = now
		}
	}
}

// NewDedupWindow constructs a DedupWindow with the supplied options.
func NewDedupWindow(opts ...DedupOption) *DedupWindow {
	w := &DedupWindow{
		window:    DefaultDedupWindow,
		threshold: DefaultSimilarityThreshold,
		now:       time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Admit reports whether text may be emitted. When admitted, the text is
// recorded so later near-duplicates are suppressed. When suppressed, the
// window is left untouched.
func (w *DedupWindow) Admit(text string) bool {
	norm := normalizeForDedup(text)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.evictLocked(now)

	grams := bigrams(norm)
	for _, e := range w.entries {
		if similarity(norm, grams, e) >= w.threshold {
			return false
		}
	}

	w.entries = append(w.entries, dedupEntry{text: norm, bigrams: grams, at: now})
	return true
}

// Reset drops all entries.
func (w *DedupWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = nil
}

// Len returns the number of live entries. Intended for tests.
func (w *DedupWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(w.now())
	return len(w.entries)
}

// evictLocked drops entries older than the window.
// Must be called with w.mu held.
func (w *DedupWindow) evictLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	live := w.entries[:0]
	for _, e := range w.entries {
		if e.at.After(cutoff) {
			live = append(live, e)
		}
	}
	w.entries = live
}

// similarity scores a candidate against one window entry: character-bigram
// Jaccard normally, Jaro-Winkler when either text is too short for bigrams
// to be meaningful.
func similarity(text string, grams map[string]struct{}, e dedupEntry) float64 {
	if utf8.RuneCountInString(text) < shortTextRunes ||
		utf8.RuneCountInString(e.text) < shortTextRunes {
		return matchr.JaroWinkler(text, e.text, false)
	}
	return jaccard(grams, e.bigrams)
}

// jaccard computes |a ∩ b| / |a ∪ b| over bigram sets. Two empty sets score 0.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for g := range a {
		if _, ok := b[g]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// bigrams returns the set of character bigrams of s.
func bigrams(s string) map[string]struct{} {
	runes := []rune(s)
	if len(runes) < 2 {
		return nil
	}
	set := make(map[string]struct{}, len(runes)-1)
	for i := 0; i < len(runes)-1; i++ {
		set[string(runes[i:i+2])] = struct{}{}
	}
	return set
}

// normalizeForDedup lowercases and strips whitespace so that formatting
// variants of the same spoken question compare as identical.
func normalizeForDedup(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), " ")
}
