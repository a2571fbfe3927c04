// Package logsearch looks up recent exchanges between two chatters in
// a public chat-log search service. The summarize command feeds the
// result to the summary conversation.
package logsearch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/nugget/banter/internal/httpkit"
)

// Status tags a lookup result.
type Status int

const (
	// Ok means Lines holds at least one message.
	Ok Status = iota
	// Empty means nothing matched; EmptyReason says why.
	Empty
)

func (s Status) String() string {
	if s == Ok {
		return "ok"
	}
	return "empty"
}

// Result is a tagged lookup result. Lines are "nick: text", oldest first.
type Result struct {
	Status      Status
	Lines       []string
	EmptyReason string
}

// Found returns an Ok result.
func Found(lines []string) Result { return Result{Status: Ok, Lines: lines} }

// Nothing returns an Empty result with reason.
func Nothing(reason string) Result { return Result{Status: Empty, EmptyReason: reason} }

// Query selects messages where either nick mentions the other.
type Query struct {
	NickA  string
	NickB  string
	Amount int
	// Day restricts the search to one UTC day; zero means today.
	Day time.Time
}

// Provider looks up a debate.
type Provider interface {
	Debate(ctx context.Context, q Query) (Result, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, q Query) (Result, error)

// Debate implements Provider.
func (f ProviderFunc) Debate(ctx context.Context, q Query) (Result, error) { return f(ctx, q) }

// HTTPProvider queries a rustlesearch-compatible endpoint.
type HTTPProvider struct {
	BaseURL string
	Channel string
	Client  *http.Client
	Logger  *slog.Logger

	now func() time.Time
}

// NewHTTPProvider returns a provider for baseURL and channel.
func NewHTTPProvider(baseURL, channel string, logger *slog.Logger) *HTTPProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProvider{
		BaseURL: baseURL,
		Channel: channel,
		Client:  httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
		Logger:  logger.With("component", "logsearch"),
		now:     time.Now,
	}
}

type searchResponse struct {
	Data *struct {
		Messages []struct {
			Username string `json:"username"`
			Text     string `json:"text"`
		} `json:"messages"`
	} `json:"data"`
}

// Debate implements Provider. The service returns newest first; lines
// come back oldest first, capped at Amount.
func (p *HTTPProvider) Debate(ctx context.Context, q Query) (Result, error) {
	day := q.Day
	if day.IsZero() {
		day = p.now()
	}
	date := day.UTC().Format("2006-01-02")

	u, err := url.Parse(p.BaseURL)
	if err != nil {
		return Result{}, fmt.Errorf("parse log search url: %w", err)
	}
	v := url.Values{}
	v.Set("username", q.NickA+" | "+q.NickB)
	v.Set("start_date", date)
	v.Set("end_date", date)
	v.Set("channel", p.Channel)
	v.Set("text", fmt.Sprintf("%q | %q", q.NickA, q.NickB))
	u.RawQuery = v.Encode()

	var resp searchResponse
	if err := httpkit.GetJSON(ctx, p.Client, u.String(), &resp); err != nil {
		return Result{}, fmt.Errorf("search logs: %w", err)
	}
	if resp.Data == nil || len(resp.Data.Messages) == 0 {
		p.Logger.Info("no messages found", "nick_a", q.NickA, "nick_b", q.NickB, "date", date)
		return Nothing("No messages found MMMM"), nil
	}

	msgs := resp.Data.Messages
	lines := make([]string, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		if q.Amount > 0 && len(lines) == q.Amount {
			break
		}
		lines = append(lines, msgs[i].Username+": "+msgs[i].Text)
	}
	p.Logger.Info("messages loaded", "count", len(lines))
	return Found(lines), nil
}
