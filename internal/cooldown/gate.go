// Package cooldown rate-limits bot generations per actor class.
//
// Each class (mentions, commands) is either READY or COOLING. Serving
// a request starts the class's window; until it elapses only admins
// are let through. Admins skip the timer but are still recorded, and
// their replies still pass moderation.
package cooldown

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Class names a group of requests sharing one timer.
type Class string

// Classes used by the bot.
const (
	ClassMention Class = "mention"
	ClassCommand Class = "command"
)

// State is the gate state for a class.
type State int

// Gate states.
const (
	Ready State = iota
	Cooling
)

func (s State) String() string {
	if s == Cooling {
		return "COOLING"
	}
	return "READY"
}

// Decision reasons.
const (
	ReasonReady     = "ready"
	ReasonAdmin     = "admin"
	ReasonCooling   = "cooling"
	ReasonSameActor = "same_actor"
)

// Decision is the outcome of Check.
type Decision struct {
	Allowed   bool
	Reason    string
	Remaining time.Duration
}

type served struct {
	at time.Time
	by string
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithSameActorLockout refuses a non-admin actor who was the last one
// served in the class until someone else is served.
func WithSameActorLockout(on bool) Option {
	return func(g *Gate) { g.lockout = on }
}

// Gate tracks per-class cooldowns. Safe for concurrent use.
type Gate struct {
	mu      sync.Mutex
	windows map[Class]time.Duration
	last    map[Class]served
	lockout bool
	now     func() time.Time
}

// New creates a Gate. windows gives the initial window per class; a
// class without an entry has no cooldown.
func New(windows map[Class]time.Duration, opts ...Option) *Gate {
	g := &Gate{
		windows: make(map[Class]time.Duration, len(windows)),
		last:    make(map[Class]served),
		now:     time.Now,
	}
	for c, d := range windows {
		g.windows[c] = d
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Check decides whether actor may be served now. It does not record
// anything; call Record once the request is accepted.
func (g *Gate) Check(class Class, actor string, admin bool) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	remaining := g.remainingLocked(class)
	if admin {
		return Decision{Allowed: true, Reason: ReasonAdmin, Remaining: remaining}
	}
	if last, ok := g.last[class]; ok && g.lockout && last.by != "" && last.by == actor {
		return Decision{Reason: ReasonSameActor, Remaining: remaining}
	}
	if remaining > 0 {
		return Decision{Reason: ReasonCooling, Remaining: remaining}
	}
	return Decision{Allowed: true, Reason: ReasonReady}
}

// Record marks class as served by actor now, moving it to COOLING.
func (g *Gate) Record(class Class, actor string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last[class] = served{at: g.now(), by: actor}
}

// Remaining returns max(0, window - elapsed since last served).
func (g *Gate) Remaining(class Class) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remainingLocked(class)
}

// State reports READY when Remaining is zero.
func (g *Gate) State(class Class) State {
	if g.Remaining(class) > 0 {
		return Cooling
	}
	return Ready
}

// LastServed returns who was last served in class and when.
func (g *Gate) LastServed(class Class) (string, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.last[class]
	return s.by, s.at
}

// SetWindow changes the window for class. It takes effect for the
// current cooldown too.
func (g *Gate) SetWindow(class Class, d time.Duration) {
	if d < 0 {
		d = 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.windows[class] = d
}

// Window returns the window for class.
func (g *Gate) Window(class Class) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.windows[class]
}

func (g *Gate) remainingLocked(class Class) time.Duration {
	last, ok := g.last[class]
	if !ok {
		return 0
	}
	left := g.windows[class] - g.now().Sub(last.at)
	if left < 0 {
		return 0
	}
	return left
}

// ReasonNotInteger is the ValidationError reason for a non-numeric
// argument.
const ReasonNotInteger = "not an integer"

// ValidationError reports a malformed argument to a limit setter. It
// is recovered by replying with a denial, never fatal.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// ParseWindow parses a cooldown given as whole seconds ("30") or a
// duration ("1m30s").
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, &ValidationError{Field: "cooldown", Value: s, Reason: "empty"}
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, &ValidationError{Field: "cooldown", Value: s, Reason: "must not be negative"}
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &ValidationError{Field: "cooldown", Value: s, Reason: ReasonNotInteger}
	}
	if d < 0 {
		return 0, &ValidationError{Field: "cooldown", Value: s, Reason: "must not be negative"}
	}
	return d, nil
}

// ParseBounded parses an integer argument and checks lo <= n <= hi.
func ParseBounded(field, s string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, &ValidationError{Field: field, Value: s, Reason: ReasonNotInteger}
	}
	if n < lo || n > hi {
		return 0, &ValidationError{Field: field, Value: s, Reason: fmt.Sprintf("must be between %d and %d", lo, hi)}
	}
	return n, nil
}
