// Package denylist holds the banned-phrase index used by the outbound
// filter. An Index is immutable once built; a Store swaps whole
// indexes atomically so readers never observe a partial refresh.
package denylist

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

// Index is an immutable set of literal phrases and case-insensitive
// patterns.
type Index struct {
	literals []string // case-folded
	raw      []string // as supplied, parallel to literals
	patterns []*regexp.Regexp
	dropped  []string
}

// Parse builds an Index. A phrase wrapped in slashes ("/…/") compiles
// as a case-insensitive regular expression; one that fails to compile
// is dropped and reported by Dropped. Every other non-empty phrase is
// a literal.
func Parse(phrases []string) *Index {
	idx := &Index{}
	seen := make(map[string]bool, len(phrases))
	for _, p := range phrases {
		if p == "" {
			continue
		}
		if len(p) >= 2 && strings.HasPrefix(p, "/") && strings.HasSuffix(p, "/") {
			re, err := regexp.Compile("(?i)" + p[1:len(p)-1])
			if err != nil {
				idx.dropped = append(idx.dropped, p)
				continue
			}
			idx.patterns = append(idx.patterns, re)
			continue
		}
		folded := fold(p)
		if folded == "" || seen[folded] {
			continue
		}
		seen[folded] = true
		idx.literals = append(idx.literals, folded)
		idx.raw = append(idx.raw, p)
	}
	return idx
}

// IsBanned reports whether any literal occurs in text ignoring case, or
// any pattern matches. A nil Index bans nothing.
func (idx *Index) IsBanned(text string) bool {
	_, ok := idx.Match(text)
	return ok
}

// Match returns the phrase or pattern that bans text.
func (idx *Index) Match(text string) (string, bool) {
	if idx == nil {
		return "", false
	}
	if len(idx.literals) > 0 {
		folded := fold(text)
		for i, lit := range idx.literals {
			if strings.Contains(folded, lit) {
				return idx.raw[i], true
			}
		}
	}
	for _, re := range idx.patterns {
		if re.MatchString(text) {
			return "/" + strings.TrimPrefix(re.String(), "(?i)") + "/", true
		}
	}
	return "", false
}

// Literals returns the number of literal phrases.
func (idx *Index) Literals() int {
	if idx == nil {
		return 0
	}
	return len(idx.literals)
}

// Patterns returns the number of compiled patterns.
func (idx *Index) Patterns() int {
	if idx == nil {
		return 0
	}
	return len(idx.patterns)
}

// Dropped returns the slash-wrapped phrases that failed to compile.
func (idx *Index) Dropped() []string {
	if idx == nil {
		return nil
	}
	return append([]string(nil), idx.dropped...)
}

// fold applies full Unicode case folding. A Caser carries state, so a
// fresh one is used per call.
func fold(s string) string {
	return cases.Fold().String(s)
}
