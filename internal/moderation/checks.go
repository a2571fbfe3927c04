package moderation

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"

	"github.com/nugget/banter/internal/config"
)

// Check names reported in a Verdict.
const (
	CheckUniqueness    = "uniqueness"
	CheckRepetition    = "repetition"
	CheckASCII         = "ascii"
	CheckBannedPhrase  = "banned_phrase"
	CheckNearDuplicate = "near_duplicate"
	CheckLinkGuard     = "link_guard"
)

// Thresholds parameterizes the structural checks.
type Thresholds struct {
	// Uniqueness: with at least MinTokens tokens, reject when
	// distinct/total is at or below MaxRatio.
	UniquenessMinTokens int
	UniquenessMaxRatio  float64

	// Repetition: texts shorter than ShortLength with more than
	// ShortWords words are exempt. Otherwise a word of WordLength or
	// more characters using fewer than MinDistinct distinct characters
	// rejects.
	RepetitionShortLength int
	RepetitionShortWords  int
	RepetitionWordLength  int
	RepetitionMinDistinct int

	// ASCII: reject above NonASCIIMax characters outside 0x20-0x7F or
	// above PunctuationMax ASCII punctuation characters.
	NonASCIIMax    int
	PunctuationMax int
}

// DefaultThresholds returns the canonical threshold set.
func DefaultThresholds() Thresholds {
	return Thresholds{
		UniquenessMinTokens:   8,
		UniquenessMaxRatio:    0.45,
		RepetitionShortLength: 90,
		RepetitionShortWords:  4,
		RepetitionWordLength:  60,
		RepetitionMinDistinct: 9,
		NonASCIIMax:           20,
		PunctuationMax:        40,
	}
}

// ThresholdsFromConfig copies the configured values. Config loading
// has already replaced zero values with defaults.
func ThresholdsFromConfig(m config.ModerationConfig) Thresholds {
	return Thresholds{
		UniquenessMinTokens:   m.UniquenessMinTokens,
		UniquenessMaxRatio:    m.UniquenessMaxRatio,
		RepetitionShortLength: m.RepetitionShortLength,
		RepetitionShortWords:  m.RepetitionShortWords,
		RepetitionWordLength:  m.RepetitionWordLength,
		RepetitionMinDistinct: m.RepetitionMinDistinct,
		NonASCIIMax:           m.NonASCIIMax,
		PunctuationMax:        m.PunctuationMax,
	}
}

// FailsUniqueness reports whether text is mostly the same token
// repeated. Tokens are maximal runs of characters other than space and
// comma, case-folded.
func FailsUniqueness(text string, t Thresholds) bool {
	tokens := strings.FieldsFunc(cases.Fold().String(text), func(r rune) bool {
		return r == ' ' || r == ','
	})
	if len(tokens) == 0 || len(tokens) < t.UniquenessMinTokens {
		return false
	}
	distinct := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		distinct[tok] = struct{}{}
	}
	return float64(len(distinct))/float64(len(tokens)) <= t.UniquenessMaxRatio
}

// FailsRepetition reports whether text contains a long word built from
// very few characters, the shape of a character flood.
func FailsRepetition(text string, t Thresholds) bool {
	words := strings.Fields(text)
	if utf8.RuneCountInString(text) < t.RepetitionShortLength && len(words) > t.RepetitionShortWords {
		return false
	}
	for _, w := range words {
		if utf8.RuneCountInString(w) < t.RepetitionWordLength {
			continue
		}
		if distinctRunes(w) < t.RepetitionMinDistinct {
			return true
		}
	}
	return false
}

// FailsASCII reports whether text carries too many characters outside
// printable ASCII or too much ASCII punctuation.
func FailsASCII(text string, t Thresholds) bool {
	nonASCII, punct := 0, 0
	for _, r := range text {
		switch {
		case r < 0x20 || r > 0x7F:
			nonASCII++
		case (r >= 0x21 && r <= 0x2F) || (r >= 0x3A && r <= 0x40):
			punct++
		}
	}
	return nonASCII > t.NonASCIIMax || punct > t.PunctuationMax
}

func distinctRunes(s string) int {
	seen := make(map[rune]struct{}, 16)
	for _, r := range s {
		seen[r] = struct{}{}
	}
	return len(seen)
}
