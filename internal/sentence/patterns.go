package sentence

import "regexp"

// PatternTable holds the language-specific rules the accumulator uses to
// decide that a buffered utterance is complete. Tables are plain values so
// additional languages can be supplied without touching the accumulator.
type PatternTable struct {
	// Name is the BCP-47-ish language tag this table covers ("ja", "en").
	Name string

	// Joiner is inserted between appended fragments. Japanese text
	// concatenates directly; space-delimited languages use " ".
	Joiner string

	// Boundaries are tested against the full buffer after every append.
	// Any match flushes the buffer immediately.
	Boundaries []*regexp.Regexp
}

// Matches reports whether text ends in a complete-sentence boundary.
func (t PatternTable) Matches(text string) bool {
	for _, re := range t.Boundaries {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Japanese returns the boundary table for Japanese conversational speech:
// terminal punctuation, polite-question suffixes, and request suffixes.
func Japanese() PatternTable {
	return PatternTable{
		Name:   "ja",
		Joiner: "",
		Boundaries: []*regexp.Regexp{
			// Terminal punctuation, full- or half-width.
			regexp.MustCompile(`[。．！？!?]$`),
			// Polite question suffixes.
			regexp.MustCompile(`(ですか|ますか|でしょうか|ませんか|のですか|んですか|ですよね|ますよね)$`),
			// Request suffixes.
			regexp.MustCompile(`(ください|下さい|お願いします|お願いできますか|もらえますか|いただけますか)$`),
		},
	}
}

// English returns the boundary table for English conversational speech.
func English() PatternTable {
	return PatternTable{
		Name:   "en",
		Joiner: " ",
		Boundaries: []*regexp.Regexp{
			// Terminal punctuation, allowing trailing quotes or brackets.
			regexp.MustCompile(`[.!?]["')\]]*$`),
			// Polite request tails that STT often leaves unpunctuated.
			regexp.MustCompile(`(?i)\b(please|thanks|thank you)$`),
		},
	}
}

// ForLanguage returns the built-in table for a language tag, falling back to
// Japanese (the primary deployment language) for unknown tags.
func ForLanguage(lang string) PatternTable {
	switch normalizeLang(lang) {
	case "en":
		return English()
	default:
		return Japanese()
	}
}

func normalizeLang(lang string) string {
	if len(lang) >= 2 {
		return string([]byte{lang[0] | 0x20, lang[1] | 0x20})
	}
	return lang
}
