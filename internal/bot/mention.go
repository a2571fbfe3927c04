package bot

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/banter/internal/convo"
	"github.com/nugget/banter/internal/cooldown"
	"github.com/nugget/banter/internal/events"
	"github.com/nugget/banter/internal/format"
	"github.com/nugget/banter/internal/llm"
	"github.com/nugget/banter/internal/moderation"
	"github.com/nugget/banter/internal/usage"
)

// Outcome reasons reported by HandleMention.
const (
	OutcomeSent          = "sent"
	OutcomeRejected      = "rejected"
	OutcomeSendFailed    = "send_failed"
	OutcomeCommandPrefix = "command_prefix"
	OutcomePending       = "pending"
	OutcomeBlacklisted   = "blacklisted"
)

// Outcome describes what HandleMention did. Reason is one of the
// Outcome constants or a cooldown decision reason.
type Outcome struct {
	Reason    string
	RequestID string
	Reply     string
	Verdict   moderation.Verdict
}

// Sent reports whether a reply reached the transport.
func (o Outcome) Sent() bool { return o.Reason == OutcomeSent }

// HandleMention answers a chat line that addresses the bot. The
// exchange is appended to the conversation; a reply the filter
// rejects is rolled back and never sent.
func (s *Session) HandleMention(ctx context.Context, nick, text string) Outcome {
	s.deps.Bus.Emit(events.SourceBot, events.KindMention, map[string]any{
		"nick":        nick,
		"message_len": len(text),
	})

	if reason, ok := s.preResponseCheck(nick, text); !ok {
		s.logger.Info("mention denied", "nick", nick, "reason", reason)
		s.deps.Bus.Emit(events.SourceBot, events.KindDenied, map[string]any{"nick": nick, "reason": reason})
		s.countMention(reason)
		return Outcome{Reason: reason}
	}

	s.deps.Gate.Record(cooldown.ClassMention, nick)
	requestID := newRequestID()
	log := s.logger.With("request_id", requestID, "nick", nick)

	s.mu.Lock()
	maxTokens, maxResponse := s.maxTokens, s.maxResponse
	s.lastRequest = requestID
	s.mu.Unlock()

	buf := s.deps.Buffer
	if removed := buf.TrimToBudget(s.deps.Tokenizer, maxTokens); removed > 0 {
		log.Debug("trimmed conversation", "pairs", removed)
		if s.deps.Metrics != nil {
			s.deps.Metrics.TrimmedPairs.Add(float64(removed))
		}
	}
	if err := buf.AppendUser(nick, text); err != nil {
		// Another generation slipped in between the check and here.
		log.Info("mention denied", "reason", OutcomePending, "error", err)
		s.countMention(OutcomePending)
		return Outcome{Reason: OutcomePending, RequestID: requestID}
	}

	raw := s.complete(ctx, buf, maxResponse, requestID, nick, usage.PurposeMention)
	if err := buf.AppendAssistant(raw); err != nil {
		log.Error("append assistant turn", "error", err)
	}

	reply := s.normalize(ctx, raw, nick)
	verdict := s.deps.Filter.Classify(reply)
	if verdict.Reject {
		buf.DeleteLastPair()
		log.Info("reply rejected", "checks", verdict.Checks)
		s.deps.Bus.Emit(events.SourceModeration, events.KindRejected, map[string]any{
			"request_id": requestID,
			"checks":     strings.Join(verdict.Checks, ","),
		})
		s.countMention(OutcomeRejected)
		s.updateBufferMetrics()
		return Outcome{Reason: OutcomeRejected, RequestID: requestID, Reply: reply, Verdict: verdict}
	}

	if s.deps.Window != nil {
		s.deps.Window.Push(reply)
	}
	s.updateBufferMetrics()
	if err := s.send(ctx, reply); err != nil {
		s.countMention(OutcomeSendFailed)
		return Outcome{Reason: OutcomeSendFailed, RequestID: requestID, Reply: reply, Verdict: verdict}
	}
	log.Info("reply sent", "length", len(reply))
	s.deps.Bus.Emit(events.SourceBot, events.KindSent, map[string]any{"request_id": requestID, "length": len(reply)})
	s.countMention(OutcomeSent)
	return Outcome{Reason: OutcomeSent, RequestID: requestID, Reply: reply, Verdict: verdict}
}

// preResponseCheck decides whether nick may trigger a generation. The
// order matters: prefix misuse, pending generation, admin bypass,
// cooldown, blacklist.
func (s *Session) preResponseCheck(nick, text string) (string, bool) {
	if strings.HasPrefix(text, s.opts.CommandPrefix) {
		return OutcomeCommandPrefix, false
	}
	if s.deps.Buffer.Pending() {
		return OutcomePending, false
	}
	admin := s.IsAdmin(nick)
	d := s.deps.Gate.Check(cooldown.ClassMention, nick, admin)
	if !d.Allowed {
		return d.Reason, false
	}
	if admin {
		return d.Reason, true
	}
	if s.Blacklisted(nick) {
		return OutcomeBlacklisted, false
	}
	return d.Reason, true
}

// complete runs one completion over buf. A provider failure yields the
// placeholder text instead of an error so the tail keeps its pairing.
func (s *Session) complete(ctx context.Context, buf *convo.Buffer, maxResponse int, requestID, nick, purpose string) string {
	log := s.logger.With("request_id", requestID)
	start := s.now()
	c, err := s.deps.Completer.Complete(ctx, buf.Turns(), maxResponse)
	elapsed := s.now().Sub(start)

	if err != nil {
		kind := llm.KindOf(err)
		log.Warn("completion failed", "kind", kind, "error", err)
		if s.deps.Metrics != nil {
			s.deps.Metrics.ProviderErrors.WithLabelValues(string(kind)).Inc()
		}
		s.deps.Bus.Emit(events.SourceBot, events.KindCompletion, map[string]any{
			"request_id": requestID,
			"ok":         false,
			"error":      string(kind),
		})
		return llm.Placeholder(err, s.opts.ErrorEmote)
	}

	if c.Elapsed > 0 {
		elapsed = c.Elapsed
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveCompletion(elapsed, c.InputTokens, c.OutputTokens)
	}
	s.deps.Bus.Emit(events.SourceBot, events.KindCompletion, map[string]any{
		"request_id": requestID,
		"model":      c.Model,
		"tokens_in":  c.InputTokens,
		"tokens_out": c.OutputTokens,
		"elapsed_ms": elapsed.Milliseconds(),
		"ok":         true,
	})
	s.recordUsage(ctx, requestID, nick, purpose, c)
	return c.Text
}

func (s *Session) recordUsage(ctx context.Context, requestID, nick, purpose string, c *llm.Completion) {
	if s.deps.Usage == nil {
		return
	}
	rec := usage.Record{
		Timestamp:    s.now(),
		RequestID:    requestID,
		Nick:         nick,
		Model:        c.Model,
		Purpose:      purpose,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
	}
	if s.deps.Pricing != nil {
		rec.CostUSD = s.deps.Pricing(c.Model, c.InputTokens, c.OutputTokens)
	}
	// Usage is bookkeeping; a cancelled request must still be counted.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.deps.Usage.Record(ctx, rec); err != nil {
		s.logger.Warn("failed to record usage", "request_id", requestID, "error", err)
	}
}

// normalize formats a raw completion for the chat. addressee may be
// empty.
func (s *Session) normalize(ctx context.Context, raw, addressee string) string {
	var names []string
	if s.deps.Emotes != nil {
		var err error
		if names, err = s.deps.Emotes.Get(ctx); err != nil {
			s.logger.Warn("emote vocabulary unavailable", "error", err)
		}
	}
	return format.Normalize(raw, names, s.opts.Punctuation, format.Options{
		MaxLength:     s.opts.MaxLength,
		StripMarkdown: s.opts.StripMarkdown,
		Addressee:     addressee,
	})
}

func (s *Session) countMention(result string) {
	s.mu.Lock()
	s.mentionCount++
	s.mu.Unlock()
	if s.deps.Metrics != nil {
		s.deps.Metrics.Mentions.WithLabelValues(result).Inc()
	}
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "r_" + uuid.NewString()
	}
	return "r_" + id.String()
}
