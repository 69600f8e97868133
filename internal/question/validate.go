package question

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// defaultMinRunes rejects fragments too short to be a meaningful question.
	defaultMinRunes = 4

	// defaultMaxRunes rejects runaway generations that are clearly not a
	// single spoken question.
	defaultMaxRunes = 200
)

var (
	// questionMarkers match text that is overtly interrogative: a question
	// mark anywhere, or a Japanese polite-question ending.
	questionMarkers = []*regexp.Regexp{
		regexp.MustCompile(`[?？]`),
		regexp.MustCompile(`(ですか|ますか|でしょうか|ませんか|のですか|んですか|のか|かな|かしら)[。．]?$`),
	}

	// interrogativeWords are a cheap lexical signal that an utterance is
	// worth sending to the classifier even without a terminal marker.
	interrogativeWords = []string{
		// Japanese interrogatives.
		"何", "なに", "なん", "誰", "だれ", "どこ", "いつ", "なぜ", "何故",
		"どう", "どの", "どれ", "どちら", "いくら", "いくつ", "どんな",
		// English wh-words and auxiliaries (matched case-insensitively).
		"what", "who", "where", "when", "why", "how", "which",
		"can you", "could you", "would you", "do you", "does", "is there", "are there",
	}
)

// Validator decides whether model output from the direct-audio path is a
// complete, well-formed question. It is a shape check, not a semantic one:
// the endpoint is already instructed to emit questions only, so the validator
// guards against echoed noise, empty turns, and runaway text.
type Validator struct {
	minRunes int
	maxRunes int
}

// ValidatorOption is a functional option for configuring a [Validator].
type ValidatorOption func(*Validator)

// WithLengthBounds overrides the accepted rune-length range.
func WithLengthBounds(min, max int) ValidatorOption {
	return func(v *Validator) {
		if min > 0 {
			v.minRunes = min
		}
		if max > min {
			v.maxRunes = max
		}
	}
}

// NewValidator constructs a Validator with the supplied options.
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{
		minRunes: defaultMinRunes,
		maxRunes: defaultMaxRunes,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate reports whether text passes the question-shape checks. Rejection
// is a normal negative outcome, not an error.
func (v *Validator) Validate(text string) bool {
	text = strings.TrimSpace(text)
	n := utf8.RuneCountInString(text)
	if n < v.minRunes || n > v.maxRunes {
		return false
	}
	for _, re := range questionMarkers {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Prefilter reports whether text plausibly contains a question. It is the
// cheap lexical gate that runs before the classifier call on the
// transcribe-then-detect path; a false negative costs a missed question, a
// false positive costs one classifier round-trip, so it errs permissive.
func Prefilter(text string) bool {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < defaultMinRunes {
		return false
	}
	for _, re := range questionMarkers {
		if re.MatchString(text) {
			return true
		}
	}
	lower := strings.ToLower(text)
	for _, w := range interrogativeWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
