// Package bot ties the conversation buffer, cooldown gate, outbound
// filter and completion provider into a chat session. A Session owns
// all mutable bot state; nothing lives in package globals.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nugget/banter/internal/chat"
	"github.com/nugget/banter/internal/convo"
	"github.com/nugget/banter/internal/cooldown"
	"github.com/nugget/banter/internal/events"
	"github.com/nugget/banter/internal/format"
	"github.com/nugget/banter/internal/games"
	"github.com/nugget/banter/internal/llm"
	"github.com/nugget/banter/internal/logsearch"
	"github.com/nugget/banter/internal/moderation"
	"github.com/nugget/banter/internal/observability"
	"github.com/nugget/banter/internal/usage"
)

// Sender posts to the chat. *chat.Client satisfies it.
type Sender interface {
	Send(ctx context.Context, text string) error
	Whisper(ctx context.Context, nick, text string) error
}

// EmoteSource returns the current emote vocabulary. *emotes.Cache
// satisfies it.
type EmoteSource interface {
	Get(ctx context.Context) ([]string, error)
	Invalidate()
}

// PhraseRefresher reloads the banned-phrase list. *denylist.Store
// satisfies it.
type PhraseRefresher interface {
	Refresh(ctx context.Context) error
}

// StateStore persists blacklist and runtime limits. *opstate.Store
// satisfies it.
type StateStore interface {
	Blacklist(ctx context.Context, nick string) error
	Unblacklist(ctx context.Context, nick string) error
	Blacklisted(ctx context.Context) ([]string, error)
	Limit(ctx context.Context, name string) (int, bool, error)
	SetLimit(ctx context.Context, name string, value int) error
}

// UsageStore records completion token usage. *usage.Store satisfies it.
type UsageStore interface {
	Record(ctx context.Context, rec usage.Record) error
	MonthSummary(t time.Time) (*usage.Summary, error)
}

// MentionMatcher decides whether a chat line addresses the bot.
type MentionMatcher interface {
	Mentions(text string) bool
}

// MentionFunc adapts a function to MentionMatcher.
type MentionFunc func(text string) bool

// Mentions implements MentionMatcher.
func (f MentionFunc) Mentions(text string) bool { return f(text) }

// WordMatcher matches nick as a whole word, ignoring case.
func WordMatcher(nick string) MentionMatcher {
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(nick) + `\b`)
	return MentionFunc(re.MatchString)
}

// Names of limits persisted in the state store.
const (
	limitMaxTokens    = "max_tokens"
	limitMaxResponse  = "max_response_tokens"
	limitCooldownSecs = "cooldown_sec"
)

// Options are the static session settings.
type Options struct {
	Nick          string
	CommandPrefix string
	Admins        []string
	// Owner is named in the cost report.
	Owner string

	MaxTokens         int
	MaxResponseTokens int
	HardMaxTokens     int

	ErrorEmote    string
	SolvePrompt   string
	SummaryPrefix []convo.Turn

	MaxLength     int
	StripMarkdown bool
	Punctuation   []string
}

// Deps are the session's collaborators. Completer, Sender, Buffer,
// Gate and Filter are required; the rest may be nil.
type Deps struct {
	Completer llm.Completer
	Tokenizer convo.Tokenizer
	Sender    Sender
	Buffer    *convo.Buffer
	Gate      *cooldown.Gate
	Filter    *moderation.Filter
	Window    interface{ Push(text string) }
	Emotes    EmoteSource
	Phrases   PhraseRefresher
	Debates   logsearch.Provider
	Quickdraw *games.Quickdraw
	State     StateStore
	Usage     UsageStore
	Pricing   func(model string, in, out int) float64
	Matcher   MentionMatcher
	Metrics   *observability.Metrics
	Bus       *events.Bus
	Logger    *slog.Logger
	Clock     func() time.Time
	// Coin returns true for heads. Defaults to a fair random flip.
	Coin func() bool
}

// Session is one bot instance bound to one chat.
type Session struct {
	opts Options
	deps Deps

	logger *slog.Logger
	now    func() time.Time
	admins map[string]bool

	mu           sync.Mutex
	summary      *convo.Buffer
	maxTokens    int
	maxResponse  int
	blacklist    map[string]bool
	lastRequest  string
	mentionCount int
}

// New builds a Session and restores persisted limits and the
// blacklist from the state store.
func New(ctx context.Context, opts Options, deps Deps) (*Session, error) {
	switch {
	case deps.Completer == nil:
		return nil, errors.New("bot: completer is required")
	case deps.Sender == nil:
		return nil, errors.New("bot: sender is required")
	case deps.Buffer == nil:
		return nil, errors.New("bot: conversation buffer is required")
	case deps.Gate == nil:
		return nil, errors.New("bot: cooldown gate is required")
	case deps.Filter == nil:
		return nil, errors.New("bot: outbound filter is required")
	}
	if deps.Tokenizer == nil {
		deps.Tokenizer = convo.EstimateTokenizer{}
	}
	if deps.Matcher == nil {
		deps.Matcher = WordMatcher(opts.Nick)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Coin == nil {
		deps.Coin = func() bool { return rand.N(2) == 0 }
	}
	if opts.CommandPrefix == "" {
		opts.CommandPrefix = "!"
	}
	if opts.Punctuation == nil {
		opts.Punctuation = format.DefaultPunctuation
	}
	if opts.HardMaxTokens == 0 {
		opts.HardMaxTokens = 3996
	}

	s := &Session{
		opts:        opts,
		deps:        deps,
		logger:      deps.Logger.With("component", "bot"),
		now:         deps.Clock,
		admins:      make(map[string]bool, len(opts.Admins)),
		summary:     convo.NewBuffer(opts.SummaryPrefix),
		maxTokens:   opts.MaxTokens,
		maxResponse: opts.MaxResponseTokens,
		blacklist:   make(map[string]bool),
	}
	for _, a := range opts.Admins {
		s.admins[a] = true
	}
	if err := s.restore(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("session ready",
		"prefix_tokens", deps.Tokenizer.Count(deps.Buffer.Prefix()),
		"max_tokens", s.maxTokens,
		"blacklisted", len(s.blacklist),
	)
	return s, nil
}

func (s *Session) restore(ctx context.Context) error {
	st := s.deps.State
	if st == nil {
		return nil
	}
	nicks, err := st.Blacklisted(ctx)
	if err != nil {
		return fmt.Errorf("restore blacklist: %w", err)
	}
	for _, n := range nicks {
		s.blacklist[n] = true
	}
	if v, ok, err := st.Limit(ctx, limitMaxTokens); err != nil {
		return fmt.Errorf("restore max tokens: %w", err)
	} else if ok {
		s.maxTokens = v
	}
	if v, ok, err := st.Limit(ctx, limitMaxResponse); err != nil {
		return fmt.Errorf("restore max response tokens: %w", err)
	} else if ok {
		s.maxResponse = v
	}
	if v, ok, err := st.Limit(ctx, limitCooldownSecs); err != nil {
		return fmt.Errorf("restore cooldown: %w", err)
	} else if ok {
		s.deps.Gate.SetWindow(cooldown.ClassMention, time.Duration(v)*time.Second)
	}
	return nil
}

// HandleChat routes a received frame. It is the chat.Handler for the
// session.
func (s *Session) HandleChat(ctx context.Context, m chat.Message) {
	if strings.EqualFold(m.Nick, s.opts.Nick) {
		return
	}
	if m.Whisper() {
		if strings.HasPrefix(m.Data, s.opts.CommandPrefix) {
			s.HandleCommand(ctx, m.Nick, m.Data, true)
		}
		return
	}

	s.HandleMessage(ctx, m.Nick, m.Data)
	if strings.HasPrefix(m.Data, s.opts.CommandPrefix) {
		s.HandleCommand(ctx, m.Nick, m.Data, false)
	}
	if s.deps.Matcher.Mentions(m.Data) {
		s.HandleMention(ctx, m.Nick, m.Data)
	}
}

// HandleMessage records an observed chat line in the similarity window
// and offers it to a running game. Command lines are not recorded, so a
// command never matches its own invocation.
func (s *Session) HandleMessage(ctx context.Context, nick, text string) {
	if s.deps.Window != nil && !strings.HasPrefix(strings.TrimSpace(text), s.opts.CommandPrefix) {
		s.deps.Window.Push(text)
	}
	if q := s.deps.Quickdraw; q != nil {
		if reply, won := q.Offer(ctx, nick, text); won {
			s.send(ctx, reply)
		}
	}
}

// IsAdmin reports whether nick is configured as an admin.
func (s *Session) IsAdmin(nick string) bool { return s.admins[nick] }

// Blacklisted reports whether nick may not trigger generations.
func (s *Session) Blacklisted(nick string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blacklist[strings.ToLower(nick)]
}

// MaxTokens returns the current conversation token budget.
func (s *Session) MaxTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxTokens
}

// MaxResponseTokens returns the current completion length cap.
func (s *Session) MaxResponseTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxResponse
}

// Status is a point-in-time view of the session for the status API and
// MQTT publisher.
type Status struct {
	Nick              string       `json:"nick"`
	BufferTurns       int          `json:"buffer_turns"`
	BufferTokens      int          `json:"buffer_tokens"`
	Pending           bool         `json:"pending"`
	MaxTokens         int          `json:"max_tokens"`
	MaxResponseTokens int          `json:"max_response_tokens"`
	MentionCooldown   string       `json:"mention_cooldown"`
	CooldownRemaining float64      `json:"cooldown_remaining_sec"`
	Blacklisted       int          `json:"blacklisted"`
	Mentions          int          `json:"mentions"`
	SummaryStored     bool         `json:"summary_stored"`
	LastRequestID     string       `json:"last_request_id,omitempty"`
	Quickdraw         *games.Stats `json:"quickdraw,omitempty"`
	MonthCostUSD      *float64     `json:"month_cost_usd,omitempty"`
	Turns             []convo.Turn `json:"turns,omitempty"`
}

// Status snapshots the session. withTurns includes the conversation
// tail.
func (s *Session) Status(withTurns bool) Status {
	b := s.deps.Buffer
	s.mu.Lock()
	st := Status{
		Nick:              s.opts.Nick,
		MaxTokens:         s.maxTokens,
		MaxResponseTokens: s.maxResponse,
		Blacklisted:       len(s.blacklist),
		Mentions:          s.mentionCount,
		SummaryStored:     s.summary.TailLen() > 0,
		LastRequestID:     s.lastRequest,
	}
	s.mu.Unlock()

	turns := b.Turns()
	tail := turns[len(b.Prefix()):]
	st.BufferTurns = len(tail)
	st.BufferTokens = s.deps.Tokenizer.Count(turns)
	st.Pending = b.Pending()
	st.MentionCooldown = s.deps.Gate.State(cooldown.ClassMention).String()
	st.CooldownRemaining = s.deps.Gate.Remaining(cooldown.ClassMention).Seconds()
	if q := s.deps.Quickdraw; q != nil {
		qs := q.Stats()
		st.Quickdraw = &qs
	}
	if u := s.deps.Usage; u != nil {
		if sum, err := u.MonthSummary(s.now()); err == nil {
			st.MonthCostUSD = &sum.TotalCostUSD
		}
	}
	if withTurns {
		st.Turns = tail
	}
	return st
}

// send posts text to the channel and logs failures.
func (s *Session) send(ctx context.Context, text string) error {
	if err := s.deps.Sender.Send(ctx, text); err != nil {
		s.logger.Warn("send failed", "error", err)
		return err
	}
	return nil
}

// reply answers a command in the channel, or by whisper when the
// command was whispered.
func (s *Session) reply(ctx context.Context, nick string, whisper bool, text string) {
	if whisper {
		if err := s.deps.Sender.Whisper(ctx, nick, text); err != nil {
			s.logger.Warn("whisper failed", "nick", nick, "error", err)
		}
		return
	}
	s.send(ctx, text)
}

func (s *Session) updateBufferMetrics() {
	m := s.deps.Metrics
	if m == nil {
		return
	}
	m.BufferTurns.Set(float64(s.deps.Buffer.TailLen()))
	m.BufferTokens.Set(float64(s.deps.Tokenizer.Count(s.deps.Buffer.Turns())))
}
