package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/banter/internal/cooldown"
	"github.com/nugget/banter/internal/events"
	"github.com/nugget/banter/internal/games"
	"github.com/nugget/banter/internal/logsearch"
	"github.com/nugget/banter/internal/usage"
)

// Limits on admin-tunable values.
const (
	maxResponseCeiling  = 1000
	defaultDebateAmount = 10
	maxDebateAmount     = 100
)

// call is one parsed command invocation.
type call struct {
	nick    string
	name    string
	args    []string
	rest    string // everything after the command name
	whisper bool
	admin   bool
}

func (c call) arg(i int) string {
	if i < len(c.args) {
		return c.args[i]
	}
	return ""
}

type command struct {
	// admin restricts the command to configured admins.
	admin bool
	// whisperOpen lets anyone run an admin command by whisper.
	whisperOpen bool
	run         func(s *Session, ctx context.Context, c call) string
}

var commands = map[string]command{
	"cost":       {run: (*Session).cmdCost},
	"coinflip":   {run: (*Session).cmdCoinflip},
	"send":       {admin: true, run: (*Session).cmdSend},
	"s":          {admin: true, run: (*Session).cmdSend},
	"wipe":       {admin: true, run: (*Session).cmdWipe},
	"wipelast":   {admin: true, run: (*Session).cmdWipeLast},
	"cd":         {admin: true, run: (*Session).cmdCooldown},
	"maxtokens":  {admin: true, run: (*Session).cmdMaxTokens},
	"maxresp":    {admin: true, run: (*Session).cmdMaxResponse},
	"clearcache": {admin: true, run: (*Session).cmdClearCache},
	"bla":        {admin: true, run: (*Session).cmdBlacklistAdd},
	"blr":        {admin: true, run: (*Session).cmdBlacklistRemove},
	"quickdraw":  {admin: true, run: (*Session).cmdQuickdraw},
	"summarize":  {admin: true, run: (*Session).cmdSummarize},
	"solve":      {admin: true, run: (*Session).cmdSolve},
	"spamcheck":  {admin: true, whisperOpen: true, run: (*Session).cmdSpamcheck},
}

// HandleCommand runs a prefixed chat command and posts its reply. It
// returns the reply, and false when text is not a command nick may run.
func (s *Session) HandleCommand(ctx context.Context, nick, text string, whisper bool) (string, bool) {
	c, cmd, ok := s.parseCommand(nick, text, whisper)
	if !ok {
		return "", false
	}
	if cmd.admin && !c.admin && !(cmd.whisperOpen && whisper) {
		s.logger.Debug("command refused", "nick", nick, "command", c.name)
		s.deps.Bus.Emit(events.SourceBot, events.KindCommand, map[string]any{"nick": nick, "command": c.name, "ok": false})
		return "", false
	}

	s.logger.Info("command", "nick", nick, "command", c.name, "args", c.args)
	if s.deps.Metrics != nil {
		s.deps.Metrics.Commands.WithLabelValues(c.name).Inc()
	}
	reply := cmd.run(s, ctx, c)
	s.deps.Bus.Emit(events.SourceBot, events.KindCommand, map[string]any{"nick": nick, "command": c.name, "ok": true})
	if reply != "" {
		s.reply(ctx, nick, whisper, reply)
	}
	return reply, true
}

func (s *Session) parseCommand(nick, text string, whisper bool) (call, command, bool) {
	body, ok := strings.CutPrefix(strings.TrimSpace(text), s.opts.CommandPrefix)
	if !ok {
		return call{}, command{}, false
	}
	name, rest, _ := strings.Cut(body, " ")
	name = strings.ToLower(name)
	cmd, ok := commands[name]
	if !ok {
		return call{}, command{}, false
	}
	rest = strings.TrimSpace(rest)
	return call{
		nick:    nick,
		name:    name,
		args:    strings.Fields(rest),
		rest:    rest,
		whisper: whisper,
		admin:   s.IsAdmin(nick),
	}, cmd, true
}

func (s *Session) cmdCost(ctx context.Context, c call) string {
	d := s.deps.Gate.Check(cooldown.ClassCommand, c.nick, c.admin)
	if !d.Allowed {
		s.logger.Debug("cost on cooldown", "remaining", d.Remaining)
		return ""
	}
	s.deps.Gate.Record(cooldown.ClassCommand, c.nick)
	if s.deps.Usage == nil {
		return "cost tracking is off MMMM"
	}
	sum, err := s.deps.Usage.MonthSummary(s.now())
	if err != nil {
		s.logger.Warn("cost summary failed", "error", err)
		return "couldn't read the usage log MMMM"
	}
	owner := s.opts.Owner
	if owner == "" {
		owner = s.opts.Nick
	}
	return fmt.Sprintf("%s has lost $%.2f this month LULW", owner, sum.TotalCostUSD)
}

func (s *Session) cmdCoinflip(ctx context.Context, c call) string {
	d := s.deps.Gate.Check(cooldown.ClassCommand, c.nick, c.admin)
	if !d.Allowed {
		return ""
	}
	s.deps.Gate.Record(cooldown.ClassCommand, c.nick)
	if s.deps.Coin() {
		return "heads"
	}
	return "tails"
}

// cmdSend posts admin-supplied text to the channel. The text is
// normalized and filtered like any generated reply.
func (s *Session) cmdSend(ctx context.Context, c call) string {
	if c.rest == "" {
		return ""
	}
	text := s.normalize(ctx, c.rest, "")
	if v := s.deps.Filter.Classify(text); v.Reject {
		s.logger.Info("send rejected", "nick", c.nick, "checks", v.Checks)
		if c.whisper {
			return "not sent, fails " + strings.Join(v.Checks, ", ")
		}
		return ""
	}
	if s.deps.Window != nil {
		s.deps.Window.Push(text)
	}
	s.send(ctx, text)
	return ""
}

func (s *Session) cmdWipe(ctx context.Context, c call) string {
	s.deps.Buffer.Reset()
	s.updateBufferMetrics()
	s.logger.Info("conversation wiped", "tokens", s.deps.Tokenizer.Count(s.deps.Buffer.Turns()))
	return "PepOk wiped my memory FeelsDankMan"
}

func (s *Session) cmdWipeLast(ctx context.Context, c call) string {
	s.deps.Buffer.DeleteLastPair()
	s.updateBufferMetrics()
	return "PepOk deleted the last prompt"
}

func (s *Session) cmdCooldown(ctx context.Context, c call) string {
	d, err := cooldown.ParseWindow(c.arg(0))
	if err != nil {
		s.logger.Info("bad cooldown", "error", err)
		return "that's not an integer MMMM"
	}
	secs := int(d / time.Second)
	s.deps.Gate.SetWindow(cooldown.ClassMention, d)
	s.persistLimit(ctx, limitCooldownSecs, secs)
	return fmt.Sprintf("PepOk changed the cooldown to %ds", secs)
}

func (s *Session) cmdMaxTokens(ctx context.Context, c call) string {
	lo := s.deps.Tokenizer.Count(s.deps.Buffer.Prefix())
	hi := s.opts.HardMaxTokens
	n, err := cooldown.ParseBounded("max tokens", c.arg(0), lo, hi)
	if err != nil {
		if notInteger(err) {
			return "that's not an integer MMMM"
		}
		return fmt.Sprintf("token limit must be between %d and %d MMMM", lo, hi)
	}
	s.mu.Lock()
	s.maxTokens = n
	s.mu.Unlock()
	s.persistLimit(ctx, limitMaxTokens, n)
	return fmt.Sprintf("PepOk changed the max tokens to %d", n)
}

func (s *Session) cmdMaxResponse(ctx context.Context, c call) string {
	n, err := cooldown.ParseBounded("max response tokens", c.arg(0), 1, maxResponseCeiling)
	if err != nil {
		if notInteger(err) {
			return "that's not an integer MMMM"
		}
		return fmt.Sprintf("response token limit must be between 1 and %d MMMM", maxResponseCeiling)
	}
	s.mu.Lock()
	s.maxResponse = n
	s.mu.Unlock()
	s.persistLimit(ctx, limitMaxResponse, n)
	return fmt.Sprintf("PepOk changed the max response tokens to %d", n)
}

func (s *Session) cmdClearCache(ctx context.Context, c call) string {
	if s.deps.Emotes != nil {
		s.deps.Emotes.Invalidate()
	}
	if s.deps.Phrases != nil {
		// Refresh keeps the old snapshot and reports the failure itself.
		_ = s.deps.Phrases.Refresh(ctx)
	}
	return "PepOk cleared caches"
}

func (s *Session) cmdBlacklistAdd(ctx context.Context, c call) string {
	name := c.arg(0)
	if name == "" {
		return ""
	}
	s.mu.Lock()
	s.blacklist[strings.ToLower(name)] = true
	s.mu.Unlock()
	if st := s.deps.State; st != nil {
		if err := st.Blacklist(ctx, name); err != nil {
			s.logger.Warn("failed to persist blacklist", "nick", name, "error", err)
		}
	}
	s.logger.Info("nick blacklisted", "nick", name)
	return fmt.Sprintf("PepOk %s blacklisted", name)
}

func (s *Session) cmdBlacklistRemove(ctx context.Context, c call) string {
	name := c.arg(0)
	if name == "" {
		return ""
	}
	s.mu.Lock()
	delete(s.blacklist, strings.ToLower(name))
	s.mu.Unlock()
	if st := s.deps.State; st != nil {
		if err := st.Unblacklist(ctx, name); err != nil {
			s.logger.Warn("failed to persist blacklist", "nick", name, "error", err)
		}
	}
	s.logger.Info("nick unblacklisted", "nick", name)
	return fmt.Sprintf("PepOk %s unblacklisted", name)
}

func (s *Session) cmdQuickdraw(ctx context.Context, c call) string {
	if s.deps.Quickdraw == nil {
		return ""
	}
	msg, err := s.deps.Quickdraw.Start()
	if errors.Is(err, games.ErrRoundActive) {
		return ""
	}
	return msg
}

func (s *Session) cmdSummarize(ctx context.Context, c call) string {
	if s.deps.Debates == nil {
		return "log search is off MMMM"
	}
	if len(c.args) < 2 {
		return ""
	}
	amount := defaultDebateAmount
	if raw := c.arg(2); raw != "" {
		n, err := cooldown.ParseBounded("amount", raw, 1, maxDebateAmount)
		if err != nil {
			if notInteger(err) {
				return "Message amount wasn't an integer MMMM"
			}
			return fmt.Sprintf("Message amount must be between 1 and %d MMMM", maxDebateAmount)
		}
		amount = n
	}

	s.deps.Gate.Record(cooldown.ClassMention, "")
	s.summary.Reset()

	res, err := s.deps.Debates.Debate(ctx, logsearch.Query{NickA: c.args[0], NickB: c.args[1], Amount: amount})
	if err != nil {
		s.logger.Warn("log search failed", "error", err)
		return "log search failed MMMM"
	}
	if res.Status == logsearch.Empty {
		return res.EmptyReason
	}
	return s.summaryTurn(ctx, strings.Join(res.Lines, "\n"), usage.PurposeSummary)
}

func (s *Session) cmdSolve(ctx context.Context, c call) string {
	if s.summary.TailLen() == 0 {
		return "I don't have a summary stored MMMM"
	}
	reply := s.summaryTurn(ctx, s.opts.SolvePrompt, usage.PurposeSolve)
	s.deps.Gate.Record(cooldown.ClassMention, "")
	s.summary.Reset()
	return reply
}

// summaryTurn asks the summary conversation one question and returns
// the filtered answer, or "" when the filter rejects it.
func (s *Session) summaryTurn(ctx context.Context, prompt, purpose string) string {
	buf := s.summary
	if err := buf.AppendUser("", prompt); err != nil {
		s.logger.Warn("summary conversation busy", "error", err)
		return ""
	}
	requestID := newRequestID()
	raw := s.complete(ctx, buf, s.MaxResponseTokens(), requestID, "", purpose)
	buf.AppendAssistant(raw)

	reply := s.normalize(ctx, raw, "")
	if v := s.deps.Filter.Classify(reply); v.Reject {
		buf.DeleteLastPair()
		s.logger.Info("summary rejected", "request_id", requestID, "checks", v.Checks)
		return ""
	}
	if s.deps.Window != nil {
		s.deps.Window.Push(reply)
	}
	return reply
}

func (s *Session) cmdSpamcheck(ctx context.Context, c call) string {
	if c.rest == "" {
		return ""
	}
	v := s.deps.Filter.Check(c.rest)
	if !v.Reject {
		return "spamcheck: passes"
	}
	return "spamcheck: fails " + strings.Join(v.Checks, ", ")
}

func (s *Session) persistLimit(ctx context.Context, name string, v int) {
	if s.deps.State == nil {
		return
	}
	if err := s.deps.State.SetLimit(ctx, name, v); err != nil {
		s.logger.Warn("failed to persist limit", "limit", name, "error", err)
	}
}

func notInteger(err error) bool {
	var ve *cooldown.ValidationError
	return errors.As(err, &ve) && ve.Reason == cooldown.ReasonNotInteger
}
