// Package similarity keeps a bounded history of recent chat lines and
// detects candidates that are near-duplicates of one of them.
package similarity

import (
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// Defaults for New.
const (
	DefaultCapacity  = 75
	DefaultMinLength = 85
	DefaultThreshold = 0.9
)

// Window is a fixed-capacity FIFO of recent texts. The zero value is
// not usable; call New. Safe for concurrent use.
type Window struct {
	mu        sync.RWMutex
	ring      []string // folded and trimmed
	raw       []string // as pushed, parallel to ring
	next      int
	full      bool
	minLength int
	threshold float64
}

// New creates a Window. Non-positive arguments select the defaults.
func New(capacity, minLength int, threshold float64) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if minLength <= 0 {
		minLength = DefaultMinLength
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Window{
		ring:      make([]string, capacity),
		raw:       make([]string, capacity),
		minLength: minLength,
		threshold: threshold,
	}
}

// Push records text, evicting the oldest entry when full.
func (w *Window) Push(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ring[w.next] = normalize(text)
	w.raw[w.next] = text
	w.next = (w.next + 1) % len(w.ring)
	if w.next == 0 {
		w.full = true
	}
}

// Len returns the number of stored entries.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.full {
		return len(w.ring)
	}
	return w.next
}

// Capacity returns the maximum number of entries.
func (w *Window) Capacity() int {
	return len(w.ring)
}

// IsNearDuplicate reports whether candidate is too similar to any
// stored entry. Candidates shorter than the minimum length never are.
func (w *Window) IsNearDuplicate(candidate string) bool {
	_, _, ok := w.Match(candidate)
	return ok
}

// Match returns the first stored entry whose similarity to candidate
// exceeds the threshold, along with the score.
func (w *Window) Match(candidate string) (string, float64, bool) {
	if utf8.RuneCountInString(candidate) < w.minLength {
		return "", 0, false
	}
	c := normalize(candidate)

	w.mu.RLock()
	defer w.mu.RUnlock()
	n := w.next
	if w.full {
		n = len(w.ring)
	}
	for i := 0; i < n; i++ {
		if score := Ratio(c, w.ring[i]); score > w.threshold {
			return w.raw[i], score, true
		}
	}
	return "", 0, false
}

// Entries returns the stored texts, oldest first.
func (w *Window) Entries() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.full {
		return append([]string(nil), w.raw[:w.next]...)
	}
	out := make([]string, 0, len(w.raw))
	out = append(out, w.raw[w.next:]...)
	return append(out, w.raw[:w.next]...)
}

// Ratio returns (L - d) / L where L is the rune length of the longer
// string and d the edit distance. Two empty strings score 1.
func Ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longer := len(ra)
	if len(rb) > longer {
		longer = len(rb)
	}
	if longer == 0 {
		return 1.0
	}
	d := Distance(ra, rb)
	return float64(longer-d) / float64(longer)
}

// Distance is the Levenshtein distance between a and b with unit
// insert, delete and substitute costs. It keeps two rows of the
// dynamic-programming table.
func Distance(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func normalize(s string) string {
	return strings.TrimSpace(cases.Fold().String(s))
}
