package denylist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nugget/banter/internal/events"
	"github.com/nugget/banter/internal/httpkit"
)

// Provider supplies the raw phrase list.
type Provider interface {
	Phrases(ctx context.Context) ([]string, error)
}

// StaticProvider serves a fixed list. Used for locally configured
// phrases and in tests.
type StaticProvider []string

// Phrases returns a copy of the list.
func (p StaticProvider) Phrases(context.Context) ([]string, error) {
	return append([]string(nil), p...), nil
}

// MultiProvider concatenates several providers. Any failure fails the
// whole fetch so a refresh never installs a partial list.
type MultiProvider []Provider

// Phrases fetches from every provider in order.
func (m MultiProvider) Phrases(ctx context.Context) ([]string, error) {
	var all []string
	for _, p := range m {
		got, err := p.Phrases(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, got...)
	}
	return all, nil
}

// HTTPProvider fetches a JSON phrase list of the form
// {"data":[{"phrase":"..."}]}.
type HTTPProvider struct {
	URL    string
	Client *http.Client
}

// NewHTTPProvider creates an HTTPProvider using the shared client
// settings.
func NewHTTPProvider(url string) *HTTPProvider {
	return &HTTPProvider{URL: url, Client: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second))}
}

type phraseResponse struct {
	Data []struct {
		Phrase string `json:"phrase"`
	} `json:"data"`
}

// Phrases downloads and decodes the list.
func (p *HTTPProvider) Phrases(ctx context.Context) ([]string, error) {
	var resp phraseResponse
	if err := httpkit.GetJSON(ctx, p.Client, p.URL, &resp); err != nil {
		return nil, fmt.Errorf("fetch phrases: %w", err)
	}
	out := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		out = append(out, d.Phrase)
	}
	return out, nil
}

// ErrNoPhrases is returned when a provider yields an empty list. An
// empty denylist is treated as a failed fetch rather than installed.
var ErrNoPhrases = errors.New("phrase provider returned no phrases")

type snapshot struct {
	index    *Index
	loadedAt time.Time
}

// Store holds the current Index behind an atomic pointer.
type Store struct {
	provider Provider
	logger   *slog.Logger
	bus      *events.Bus
	current  atomic.Pointer[snapshot]
}

// NewStore performs the initial load. A failure here is returned to
// the caller and must abort startup: without a denylist the filter
// cannot moderate safely.
func NewStore(ctx context.Context, provider Provider, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{provider: provider, logger: logger.With("component", "denylist")}
	if err := s.load(ctx); err != nil {
		return nil, fmt.Errorf("initial phrase load: %w", err)
	}
	return s, nil
}

// SetEventBus attaches a bus for refresh events.
func (s *Store) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// Index returns the current snapshot.
func (s *Store) Index() *Index {
	if snap := s.current.Load(); snap != nil {
		return snap.index
	}
	return nil
}

// IsBanned checks text against the current snapshot.
func (s *Store) IsBanned(text string) bool {
	return s.Index().IsBanned(text)
}

// Match checks text against the current snapshot and reports the
// matching phrase.
func (s *Store) Match(text string) (string, bool) {
	return s.Index().Match(text)
}

// LoadedAt returns when the current snapshot was installed.
func (s *Store) LoadedAt() time.Time {
	if snap := s.current.Load(); snap != nil {
		return snap.loadedAt
	}
	return time.Time{}
}

// Refresh fetches a new list and swaps it in. On failure the previous
// snapshot stays in effect and the error is returned for reporting.
func (s *Store) Refresh(ctx context.Context) error {
	if err := s.load(ctx); err != nil {
		s.logger.Warn("phrase refresh failed, keeping previous snapshot",
			"error", err,
			"loaded_at", s.LoadedAt(),
		)
		s.bus.Emit(events.SourceDenylist, events.KindRefreshFailed, map[string]any{"error": err.Error()})
		return err
	}
	return nil
}

// Run refreshes on every tick until ctx is cancelled. Refresh errors
// are logged and never end the loop.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = s.Refresh(ctx)
		}
	}
}

func (s *Store) load(ctx context.Context) error {
	phrases, err := s.provider.Phrases(ctx)
	if err != nil {
		return err
	}
	if len(phrases) == 0 {
		return ErrNoPhrases
	}

	idx := Parse(phrases)
	for _, d := range idx.Dropped() {
		s.logger.Debug("dropped malformed phrase pattern", "phrase", d)
	}
	s.current.Store(&snapshot{index: idx, loadedAt: time.Now()})

	s.logger.Info("phrase list loaded",
		"literals", idx.Literals(),
		"patterns", idx.Patterns(),
		"dropped", len(idx.Dropped()),
	)
	s.bus.Emit(events.SourceDenylist, events.KindRefreshed, map[string]any{
		"literals": idx.Literals(),
		"patterns": idx.Patterns(),
	})
	return nil
}
