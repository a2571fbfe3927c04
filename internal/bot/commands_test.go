package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nugget/banter/internal/convo"
	"github.com/nugget/banter/internal/cooldown"
	"github.com/nugget/banter/internal/games"
	"github.com/nugget/banter/internal/llm"
	"github.com/nugget/banter/internal/logsearch"
	"github.com/nugget/banter/internal/moderation"
)

func TestCommandRefusedForNonAdmin(t *testing.T) {
	h := newHarness(t)
	h.session.HandleMention(t.Context(), "bob", "banter hi")

	for _, text := range []string{"!wipe", "!cd 5", "!bla amy", "!maxtokens 100", "!summarize a b"} {
		if reply, ok := h.session.HandleCommand(t.Context(), "bob", text, false); ok || reply != "" {
			t.Errorf("%s by non-admin = %q, %v", text, reply, ok)
		}
	}
	if h.buffer.TailLen() != 2 {
		t.Error("refused wipe must not touch the buffer")
	}
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)
	if _, ok := h.session.HandleCommand(t.Context(), "root", "!dance", false); ok {
		t.Error("unknown command should not be handled")
	}
	if _, ok := h.session.HandleCommand(t.Context(), "root", "wipe", false); ok {
		t.Error("unprefixed text should not be handled")
	}
}

func TestCostCommand(t *testing.T) {
	h := newHarness(t)
	h.session.HandleMention(t.Context(), "root", "banter hi")

	reply, ok := h.session.HandleCommand(t.Context(), "bob", "!cost", false)
	if !ok || reply != "tena has lost $0.11 this month LULW" {
		t.Errorf("cost = %q, %v", reply, ok)
	}
	if got := h.sender.last().text; got != reply {
		t.Errorf("sent %q", got)
	}

	reply, _ = h.session.HandleCommand(t.Context(), "amy", "!cost", false)
	if reply != "" {
		t.Errorf("cost during command cooldown = %q, want silence", reply)
	}
	if reply, _ = h.session.HandleCommand(t.Context(), "root", "!cost", false); reply == "" {
		t.Error("admin should bypass the command cooldown")
	}

	h.clock.Advance(31 * time.Second)
	if reply, _ = h.session.HandleCommand(t.Context(), "amy", "!cost", false); reply == "" {
		t.Error("cost should answer once the cooldown passes")
	}
}

func TestCostOwnerFallsBackToNick(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *Deps) { o.Owner = "" })
	reply, _ := h.session.HandleCommand(t.Context(), "root", "!cost", false)
	if reply != "banter has lost $0.00 this month LULW" {
		t.Errorf("cost = %q", reply)
	}
}

func TestWipeCommands(t *testing.T) {
	h := newHarness(t)
	h.session.HandleMention(t.Context(), "root", "banter one")
	h.session.HandleMention(t.Context(), "root", "banter two")

	reply, _ := h.session.HandleCommand(t.Context(), "root", "!wipelast", false)
	if reply != "PepOk deleted the last prompt" || h.buffer.TailLen() != 2 {
		t.Errorf("wipelast = %q, TailLen %d", reply, h.buffer.TailLen())
	}
	last, _ := h.buffer.Last()
	if !strings.Contains(turnsText(h.buffer.Turns()), "banter one") || last.Role != convo.RoleAssistant {
		t.Errorf("wrong pair removed: %+v", h.buffer.Turns())
	}

	reply, _ = h.session.HandleCommand(t.Context(), "root", "!wipe", false)
	if reply != "PepOk wiped my memory FeelsDankMan" || h.buffer.TailLen() != 0 {
		t.Errorf("wipe = %q, TailLen %d", reply, h.buffer.TailLen())
	}
	if h.buffer.Len() != 1 {
		t.Errorf("prefix lost: Len = %d", h.buffer.Len())
	}
}

func turnsText(turns []convo.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(t.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

func TestCooldownCommand(t *testing.T) {
	h := newHarness(t)

	reply, _ := h.session.HandleCommand(t.Context(), "root", "!cd 45", false)
	if reply != "PepOk changed the cooldown to 45s" {
		t.Errorf("cd = %q", reply)
	}
	if got := h.session.deps.Gate.Window(cooldown.ClassMention); got != 45*time.Second {
		t.Errorf("window = %v", got)
	}
	if v, ok, _ := h.state.Limit(t.Context(), limitCooldownSecs); !ok || v != 45 {
		t.Errorf("persisted cooldown = %d, %v", v, ok)
	}

	for _, bad := range []string{"!cd soon", "!cd", "!cd -3"} {
		reply, _ = h.session.HandleCommand(t.Context(), "root", bad, false)
		if reply != "that's not an integer MMMM" {
			t.Errorf("%s = %q", bad, reply)
		}
	}
	if got := h.session.deps.Gate.Window(cooldown.ClassMention); got != 45*time.Second {
		t.Errorf("window changed by invalid input: %v", got)
	}
}

func TestMaxTokensCommand(t *testing.T) {
	h := newHarness(t)
	lo := convo.EstimateTokenizer{}.Count(h.buffer.Prefix())

	reply, _ := h.session.HandleCommand(t.Context(), "root", fmt.Sprintf("!maxtokens %d", lo-1), false)
	if want := fmt.Sprintf("token limit must be between %d and 3996 MMMM", lo); reply != want {
		t.Errorf("below prefix = %q, want %q", reply, want)
	}
	reply, _ = h.session.HandleCommand(t.Context(), "root", "!maxtokens 5000", false)
	if !strings.HasPrefix(reply, "token limit must be between") {
		t.Errorf("above hard max = %q", reply)
	}
	reply, _ = h.session.HandleCommand(t.Context(), "root", "!maxtokens lots", false)
	if reply != "that's not an integer MMMM" {
		t.Errorf("non-integer = %q", reply)
	}
	if h.session.MaxTokens() != 1400 {
		t.Errorf("MaxTokens changed by invalid input: %d", h.session.MaxTokens())
	}

	reply, _ = h.session.HandleCommand(t.Context(), "root", "!maxtokens 2000", false)
	if reply != "PepOk changed the max tokens to 2000" || h.session.MaxTokens() != 2000 {
		t.Errorf("maxtokens = %q, %d", reply, h.session.MaxTokens())
	}
}

func TestMaxResponseCommand(t *testing.T) {
	h := newHarness(t)

	reply, _ := h.session.HandleCommand(t.Context(), "root", "!maxresp 0", false)
	if reply != "response token limit must be between 1 and 1000 MMMM" {
		t.Errorf("maxresp 0 = %q", reply)
	}
	reply, _ = h.session.HandleCommand(t.Context(), "root", "!maxresp 120", false)
	if reply != "PepOk changed the max response tokens to 120" {
		t.Errorf("maxresp = %q", reply)
	}

	var got int
	h.session.deps.Completer = completerFunc(func(maxTokens int) { got = maxTokens })
	h.session.HandleMention(t.Context(), "bob", "banter hi")
	if got != 120 {
		t.Errorf("completion maxTokens = %d, want 120", got)
	}
}

type completerFunc func(maxTokens int)

func (f completerFunc) Complete(_ context.Context, _ []convo.Turn, maxTokens int) (*llm.Completion, error) {
	f(maxTokens)
	return &llm.Completion{Text: "fine", Model: "gpt-test"}, nil
}

func TestBlacklistCommands(t *testing.T) {
	h := newHarness(t)

	reply, _ := h.session.HandleCommand(t.Context(), "root", "!bla Amy", false)
	if reply != "PepOk Amy blacklisted" || !h.session.Blacklisted("amy") {
		t.Errorf("bla = %q", reply)
	}
	if out := h.session.HandleMention(t.Context(), "AMY", "banter hi"); out.Reason != OutcomeBlacklisted {
		t.Errorf("blacklist should ignore case, got %q", out.Reason)
	}

	reply, _ = h.session.HandleCommand(t.Context(), "root", "!blr amy", false)
	if reply != "PepOk amy unblacklisted" || h.session.Blacklisted("Amy") {
		t.Errorf("blr = %q", reply)
	}

	if reply, ok := h.session.HandleCommand(t.Context(), "root", "!bla", false); !ok || reply != "" {
		t.Errorf("bla without a name = %q, %v", reply, ok)
	}
}

func TestRestoreFromState(t *testing.T) {
	h := newHarness(t)
	h.session.HandleCommand(t.Context(), "root", "!bla troll", false)
	h.session.HandleCommand(t.Context(), "root", "!maxtokens 900", false)
	h.session.HandleCommand(t.Context(), "root", "!maxresp 40", false)
	h.session.HandleCommand(t.Context(), "root", "!cd 12", false)

	restarted := h.build(t)
	if !restarted.Blacklisted("troll") {
		t.Error("blacklist not restored")
	}
	if restarted.MaxTokens() != 900 || restarted.MaxResponseTokens() != 40 {
		t.Errorf("limits = %d/%d", restarted.MaxTokens(), restarted.MaxResponseTokens())
	}
	if got := restarted.deps.Gate.Window(cooldown.ClassMention); got != 12*time.Second {
		t.Errorf("cooldown = %v", got)
	}
}

type countingEmotes struct{ invalidated int }

func (e *countingEmotes) Get(context.Context) ([]string, error) { return nil, nil }
func (e *countingEmotes) Invalidate()                           { e.invalidated++ }

type countingPhrases struct{ refreshed int }

func (p *countingPhrases) Refresh(context.Context) error {
	p.refreshed++
	return errors.New("provider down")
}

func TestClearCacheCommand(t *testing.T) {
	em, ph := &countingEmotes{}, &countingPhrases{}
	h := newHarness(t, func(_ *Options, d *Deps) {
		d.Emotes = em
		d.Phrases = ph
	})

	reply, _ := h.session.HandleCommand(t.Context(), "root", "!clearcache", false)
	if reply != "PepOk cleared caches" {
		t.Errorf("clearcache = %q", reply)
	}
	if em.invalidated != 1 || ph.refreshed != 1 {
		t.Errorf("invalidated %d, refreshed %d", em.invalidated, ph.refreshed)
	}
}

func TestQuickdrawCommand(t *testing.T) {
	q, err := games.NewQuickdraw(t.Context(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, func(_ *Options, d *Deps) { d.Quickdraw = q })

	reply, _ := h.session.HandleCommand(t.Context(), "root", "!quickdraw", false)
	if reply != games.Announcement {
		t.Errorf("quickdraw = %q", reply)
	}
	if reply, _ = h.session.HandleCommand(t.Context(), "root", "!quickdraw", false); reply != "" {
		t.Errorf("second start during a round = %q", reply)
	}
}

func debateProvider(lines []string, got *logsearch.Query) logsearch.Provider {
	return logsearch.ProviderFunc(func(_ context.Context, q logsearch.Query) (logsearch.Result, error) {
		*got = q
		if len(lines) == 0 {
			return logsearch.Nothing("No messages found MMMM"), nil
		}
		return logsearch.Found(lines), nil
	})
}

func TestSummarizeAndSolve(t *testing.T) {
	var q logsearch.Query
	h := newHarness(t, func(_ *Options, d *Deps) {
		d.Debates = debateProvider([]string{"amy: cats are better", "bob: dogs are better"}, &q)
	})
	h.llm.replies = []string{"Amy likes cats while Bob prefers dogs.", "Nobody is unreasonable here."}

	reply, _ := h.session.HandleCommand(t.Context(), "root", "!summarize amy bob 5", false)
	if reply != "Amy likes cats while Bob prefers dogs." {
		t.Errorf("summarize = %q", reply)
	}
	if q.NickA != "amy" || q.NickB != "bob" || q.Amount != 5 {
		t.Errorf("query = %+v", q)
	}
	req := h.llm.calls[0]
	if req[0].Text != "Summarize the debate." {
		t.Errorf("summary request should start with its own prefix: %+v", req[0])
	}
	if u := req[len(req)-1]; u.Text != "amy: cats are better\nbob: dogs are better" {
		t.Errorf("summary prompt = %q", u.Text)
	}
	if h.buffer.TailLen() != 0 {
		t.Error("summaries must not touch the main conversation")
	}
	if h.session.deps.Gate.State(cooldown.ClassMention) != cooldown.Cooling {
		t.Error("summarize should start the mention cooldown")
	}
	if !h.session.Status(false).SummaryStored {
		t.Error("summary should be stored")
	}

	reply, _ = h.session.HandleCommand(t.Context(), "root", "!solve", false)
	if reply != "Nobody is unreasonable here." {
		t.Errorf("solve = %q", reply)
	}
	if last := h.llm.calls[1]; last[len(last)-1].Text != "Is anyone being unreasonable?" || len(last) != 4 {
		t.Errorf("solve request = %+v", last)
	}

	reply, _ = h.session.HandleCommand(t.Context(), "root", "!solve", false)
	if reply != "I don't have a summary stored MMMM" {
		t.Errorf("solve after solve = %q", reply)
	}
}

func TestSummarizeArguments(t *testing.T) {
	var q logsearch.Query
	h := newHarness(t, func(_ *Options, d *Deps) { d.Debates = debateProvider(nil, &q) })

	if reply, _ := h.session.HandleCommand(t.Context(), "root", "!summarize amy bob", false); reply != "No messages found MMMM" {
		t.Errorf("empty search = %q", reply)
	}
	if q.Amount != defaultDebateAmount {
		t.Errorf("default amount = %d", q.Amount)
	}
	if reply, _ := h.session.HandleCommand(t.Context(), "root", "!summarize amy bob many", false); reply != "Message amount wasn't an integer MMMM" {
		t.Errorf("non-integer amount = %q", reply)
	}
	if reply, _ := h.session.HandleCommand(t.Context(), "root", "!summarize amy bob 500", false); !strings.HasPrefix(reply, "Message amount must be between 1 and") {
		t.Errorf("amount above max = %q", reply)
	}
	if reply, _ := h.session.HandleCommand(t.Context(), "root", "!summarize amy", false); reply != "" {
		t.Errorf("one nick = %q", reply)
	}
	if h.llm.callCount() != 0 {
		t.Error("no completion should run without debate lines")
	}
}

func TestSummaryRejected(t *testing.T) {
	var q logsearch.Query
	h := newHarness(t, func(_ *Options, d *Deps) {
		d.Debates = debateProvider([]string{"amy: hi"}, &q)
	})
	h.llm.replies = []string{"they said a forbidden phrase"}

	if reply, _ := h.session.HandleCommand(t.Context(), "root", "!summarize amy bob", false); reply != "" {
		t.Errorf("rejected summary = %q", reply)
	}
	if reply, _ := h.session.HandleCommand(t.Context(), "root", "!solve", false); reply != "I don't have a summary stored MMMM" {
		t.Errorf("solve after a rejected summary = %q", reply)
	}
}

func TestSpamcheckNotCountedAsOutbound(t *testing.T) {
	obs := &verdictCounter{}
	h := newHarness(t, func(_ *Options, d *Deps) { d.Filter.SetObserver(obs) })

	h.session.HandleCommand(t.Context(), "root", "!spamcheck is this a forbidden phrase", false)
	if obs.n != 0 {
		t.Errorf("spamcheck reached the verdict observer %d times", obs.n)
	}
	h.session.HandleMention(t.Context(), "bob", "banter hi")
	if obs.n != 1 {
		t.Errorf("mention reply observed %d times, want 1", obs.n)
	}
}

type verdictCounter struct{ n int }

func (v *verdictCounter) ObserveVerdict(moderation.Verdict) { v.n++ }

func TestCoinflipCommand(t *testing.T) {
	heads := true
	h := newHarness(t, func(_ *Options, d *Deps) { d.Coin = func() bool { return heads } })

	if reply, ok := h.session.HandleCommand(t.Context(), "bob", "!coinflip", false); !ok || reply != "heads" {
		t.Errorf("coinflip = %q, %v", reply, ok)
	}
	heads = false
	if reply, _ := h.session.HandleCommand(t.Context(), "amy", "!coinflip", false); reply != "" {
		t.Errorf("coinflip during command cooldown = %q, want silence", reply)
	}
	h.clock.Advance(31 * time.Second)
	if reply, _ := h.session.HandleCommand(t.Context(), "amy", "!coinflip", false); reply != "tails" {
		t.Errorf("coinflip = %q, want tails", reply)
	}
}

func TestSendCommand(t *testing.T) {
	h := newHarness(t)

	if _, ok := h.session.HandleCommand(t.Context(), "bob", "!send hello", false); ok {
		t.Error("send is admin only")
	}

	h.session.HandleCommand(t.Context(), "root", "!send hello\nthere PepOk", false)
	if got := h.sender.last(); got.to != "" || got.text != "hello there PepOk" {
		t.Errorf("sent %+v", got)
	}
	if entries := h.window.Entries(); len(entries) != 1 || entries[0] != "hello there PepOk" {
		t.Errorf("window = %v", entries)
	}

	before := len(h.sender.all())
	h.session.HandleCommand(t.Context(), "root", "!s say the forbidden phrase", false)
	if len(h.sender.all()) != before {
		t.Errorf("rejected send posted %+v", h.sender.last())
	}

	reply, _ := h.session.HandleCommand(t.Context(), "root", "!s say the forbidden phrase", true)
	if reply != "not sent, fails banned_phrase" || h.sender.last().to != "root" {
		t.Errorf("whispered rejected send = %q, last %+v", reply, h.sender.last())
	}
}

func TestSpamcheckCommand(t *testing.T) {
	h := newHarness(t)

	reply, ok := h.session.HandleCommand(t.Context(), "bob", "!spamcheck is this a forbidden phrase", true)
	if !ok || reply != "spamcheck: fails banned_phrase" {
		t.Errorf("spamcheck = %q, %v", reply, ok)
	}
	if s := h.sender.last(); s.to != "bob" {
		t.Errorf("spamcheck reply should be whispered, got %+v", s)
	}

	reply, _ = h.session.HandleCommand(t.Context(), "bob", "!spamcheck totally normal text", true)
	if reply != "spamcheck: passes" {
		t.Errorf("spamcheck = %q", reply)
	}

	if _, ok := h.session.HandleCommand(t.Context(), "bob", "!spamcheck hello", false); ok {
		t.Error("spamcheck in channel is admin only")
	}
	if reply, _ := h.session.HandleCommand(t.Context(), "root", "!spamcheck hello there", false); reply != "spamcheck: passes" {
		t.Errorf("admin spamcheck = %q", reply)
	}
}
