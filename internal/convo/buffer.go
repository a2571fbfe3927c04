// Package convo holds the bot's conversational memory: an immutable
// pinned prefix (system prompt and example exchanges) followed by a
// tail of user/assistant pairs kept under a token budget.
package convo

import (
	"errors"
	"sync"
	"time"
)

// Role is the author class of a turn.
type Role string

// Turn roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged message. Turns are values; the buffer never
// modifies one after appending it.
type Turn struct {
	Role      Role      `json:"role"`
	Speaker   string    `json:"speaker,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	// ErrPending is returned by AppendUser when the previous user turn
	// has not been answered yet.
	ErrPending = errors.New("convo: a user turn is still awaiting its response")
	// ErrNoPending is returned by AppendAssistant when there is no
	// user turn to answer.
	ErrNoPending = errors.New("convo: no user turn awaiting a response")
)

// Tokenizer counts the tokens a turn sequence costs the model.
type Tokenizer interface {
	Count(turns []Turn) int
}

// Buffer is a token-budgeted conversation. The tail alternates user and
// assistant starting with user; it holds an odd number of turns only
// while a response is pending.
//
// The mutex guards memory for concurrent readers such as the status
// API. It does not serialize generations: callers check Pending before
// starting one and never run two at once.
type Buffer struct {
	mu     sync.RWMutex
	prefix []Turn
	tail   []Turn
	now    func() time.Time
}

// NewBuffer creates a Buffer with the given pinned prefix, which is
// copied and never modified afterwards.
func NewBuffer(prefix []Turn) *Buffer {
	return &Buffer{
		prefix: append([]Turn(nil), prefix...),
		now:    time.Now,
	}
}

// AppendUser appends a user turn.
func (b *Buffer) AppendUser(speaker, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pendingLocked() {
		return ErrPending
	}
	b.tail = append(b.tail, Turn{Role: RoleUser, Speaker: speaker, Text: text, CreatedAt: b.now()})
	return nil
}

// AppendAssistant appends the response to the pending user turn.
func (b *Buffer) AppendAssistant(text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.pendingLocked() {
		return ErrNoPending
	}
	b.tail = append(b.tail, Turn{Role: RoleAssistant, Text: text, CreatedAt: b.now()})
	return nil
}

// TrimToBudget removes the oldest tail pair while the whole buffer
// costs more than maxTokens, and returns the number of pairs removed.
// The prefix is never touched and turns always leave in pairs, so a
// second call with the same budget removes nothing.
func (b *Buffer) TrimToBudget(tok Tokenizer, maxTokens int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for len(b.tail) >= 2 && tok.Count(b.allLocked()) > maxTokens {
		if b.tail[0].Role != RoleUser || b.tail[1].Role != RoleAssistant {
			break
		}
		b.tail = append(b.tail[:0:0], b.tail[2:]...)
		removed++
	}
	return removed
}

// DeleteLastPair rolls back the most recent exchange. A completed pair
// loses both turns; an unanswered user turn left by an abandoned
// attempt is removed on its own. It reports whether anything was
// removed.
func (b *Buffer) DeleteLastPair() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.tail)
	switch {
	case n == 0:
		return false
	case b.tail[n-1].Role == RoleUser:
		b.tail = b.tail[:n-1]
	case n >= 2:
		b.tail = b.tail[:n-2]
	default:
		b.tail = b.tail[:0]
	}
	return true
}

// Reset empties the tail and keeps the prefix.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tail = nil
}

// Pending reports whether the last turn is an unanswered user turn.
func (b *Buffer) Pending() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pendingLocked()
}

// Turns returns a copy of prefix and tail in order.
func (b *Buffer) Turns() []Turn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.allLocked()
}

// Prefix returns a copy of the pinned prefix.
func (b *Buffer) Prefix() []Turn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Turn(nil), b.prefix...)
}

// Len returns the total number of turns.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.prefix) + len(b.tail)
}

// TailLen returns the number of turns after the prefix.
func (b *Buffer) TailLen() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tail)
}

// Last returns the most recent tail turn.
func (b *Buffer) Last() (Turn, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.tail) == 0 {
		return Turn{}, false
	}
	return b.tail[len(b.tail)-1], true
}

func (b *Buffer) pendingLocked() bool {
	n := len(b.tail)
	return n > 0 && b.tail[n-1].Role == RoleUser
}

func (b *Buffer) allLocked() []Turn {
	out := make([]Turn, 0, len(b.prefix)+len(b.tail))
	out = append(out, b.prefix...)
	return append(out, b.tail...)
}
