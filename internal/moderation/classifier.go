// Package moderation decides whether a generated reply may be posted.
// It combines structural heuristics, the banned-phrase denylist and a
// near-duplicate window. It never inspects meaning.
package moderation

import (
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

// PhraseMatcher reports the denylist entry that matches text.
// Satisfied by *denylist.Store and *denylist.Index.
type PhraseMatcher interface {
	Match(text string) (string, bool)
}

// HistoryMatcher reports the stored line a candidate duplicates.
// Satisfied by *similarity.Window.
type HistoryMatcher interface {
	Match(candidate string) (string, float64, bool)
}

// Verdict is the outcome of classification. Reject is the OR of every
// check; Checks lists the ones that fired in evaluation order.
type Verdict struct {
	Reject bool     `json:"reject"`
	Checks []string `json:"checks,omitempty"`
}

func (v *Verdict) fire(check string) {
	v.Reject = true
	v.Checks = append(v.Checks, check)
}

// Observer receives every verdict. The metrics collector implements it.
type Observer interface {
	ObserveVerdict(v Verdict)
}

// Classifier runs the five core checks.
type Classifier struct {
	thresholds Thresholds
	phrases    PhraseMatcher
	history    HistoryMatcher
	logger     *slog.Logger
}

// NewClassifier creates a Classifier. A nil phrases or history
// disables that check.
func NewClassifier(t Thresholds, phrases PhraseMatcher, history HistoryMatcher, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		thresholds: t,
		phrases:    phrases,
		history:    history,
		logger:     logger.With("component", "moderation"),
	}
}

// Thresholds returns the active thresholds.
func (c *Classifier) Thresholds() Thresholds {
	return c.thresholds
}

// Classify evaluates every check against candidate. Checks are
// independent, so the verdict does not depend on their order.
func (c *Classifier) Classify(candidate string) Verdict {
	var v Verdict

	if FailsUniqueness(candidate, c.thresholds) {
		c.logger.Debug("failed uniqueness check", "text", candidate)
		v.fire(CheckUniqueness)
	}
	if FailsRepetition(candidate, c.thresholds) {
		c.logger.Debug("failed repetition check", "text", candidate)
		v.fire(CheckRepetition)
	}
	if FailsASCII(candidate, c.thresholds) {
		c.logger.Debug("failed ascii check", "text", candidate)
		v.fire(CheckASCII)
	}
	if c.phrases != nil {
		if phrase, ok := c.phrases.Match(candidate); ok {
			c.logger.Debug("failed banned phrase check", "text", candidate, "phrase", phrase)
			v.fire(CheckBannedPhrase)
		}
	}
	if c.history != nil {
		if entry, score, ok := c.history.Match(candidate); ok {
			c.logger.Debug("failed similarity check",
				"text", candidate,
				"other", entry,
				"score", score,
			)
			v.fire(CheckNearDuplicate)
		}
	}
	return v
}

// Guard is a narrow rule layered above the classifier.
type Guard interface {
	Name() string
	Blocks(text string) bool
}

var linkPattern = regexp.MustCompile(`(?i)\bhttps?://\S+|\bwww\.\S+`)

// LinkGuard blocks text that contains a link and mentions one of its
// keywords.
type LinkGuard struct {
	keywords []string // case-folded
}

// NewLinkGuard creates a LinkGuard. Empty keywords are ignored.
func NewLinkGuard(keywords ...string) *LinkGuard {
	g := &LinkGuard{}
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			g.keywords = append(g.keywords, cases.Fold().String(k))
		}
	}
	return g
}

// Name implements Guard.
func (g *LinkGuard) Name() string { return CheckLinkGuard }

// Blocks implements Guard.
func (g *LinkGuard) Blocks(text string) bool {
	if len(g.keywords) == 0 || !linkPattern.MatchString(text) {
		return false
	}
	folded := cases.Fold().String(text)
	for _, k := range g.keywords {
		if strings.Contains(folded, k) {
			return true
		}
	}
	return false
}

// Filter is the full outbound policy: the classifier plus any guards.
type Filter struct {
	classifier *Classifier
	guards     []Guard
	observer   Observer
}

// NewFilter combines a classifier with guards.
func NewFilter(c *Classifier, guards ...Guard) *Filter {
	return &Filter{classifier: c, guards: guards}
}

// SetObserver attaches an observer notified of every verdict.
func (f *Filter) SetObserver(o Observer) {
	f.observer = o
}

// Classify runs the classifier then every guard and reports the
// verdict to the observer. Use it for outbound replies.
func (f *Filter) Classify(candidate string) Verdict {
	v := f.Check(candidate)
	if f.observer != nil {
		f.observer.ObserveVerdict(v)
	}
	return v
}

// Check is Classify without the observer, for manual checks that
// should not count as outbound verdicts.
func (f *Filter) Check(candidate string) Verdict {
	v := f.classifier.Classify(candidate)
	for _, g := range f.guards {
		if g.Blocks(candidate) {
			f.classifier.logger.Debug("blocked by guard", "guard", g.Name(), "text", candidate)
			v.fire(g.Name())
		}
	}
	return v
}
