// Package emotes fetches and caches the chat's emote vocabulary. The
// formatter uses it to keep emotes from fusing with punctuation.
package emotes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/nugget/banter/internal/httpkit"
)

// Provider returns the current emote names.
type Provider interface {
	Emotes(ctx context.Context) ([]string, error)
}

// StaticProvider serves a fixed vocabulary.
type StaticProvider []string

// Emotes implements Provider.
func (p StaticProvider) Emotes(context.Context) ([]string, error) {
	return slices.Clone(p), nil
}

// HTTPProvider reads a JSON object whose keys are emote names.
type HTTPProvider struct {
	URL    string
	Client *http.Client
}

// NewHTTPProvider returns a provider for url with a 15 second timeout.
func NewHTTPProvider(url string) *HTTPProvider {
	return &HTTPProvider{URL: url, Client: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second))}
}

// Emotes implements Provider. Names are returned sorted.
func (p *HTTPProvider) Emotes(ctx context.Context) ([]string, error) {
	var body map[string]json.RawMessage
	if err := httpkit.GetJSON(ctx, p.Client, p.URL, &body); err != nil {
		return nil, fmt.Errorf("fetch emotes: %w", err)
	}
	names := make([]string, 0, len(body))
	for k := range body {
		names = append(names, k)
	}
	slices.Sort(names)
	return names, nil
}

// Cache holds the last fetched vocabulary until Invalidate is called.
// An invalidated cache keeps serving its previous snapshot when the
// refetch fails. The zero value is not usable; use NewCache.
type Cache struct {
	provider Provider
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	data     []string
	loaded   bool
	loadedAt time.Time
}

// NewCache wraps provider.
func NewCache(provider Provider, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		provider: provider,
		logger:   logger.With("component", "emotes"),
		now:      time.Now,
	}
}

// Get returns the cached vocabulary, fetching it first if the cache has
// never loaded or was invalidated. If the fetch fails and an earlier
// snapshot exists, that snapshot is returned and the next call retries.
// Only a failure with nothing cached returns an error.
func (c *Cache) Get(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if !c.loadedAt.IsZero() {
		data := c.data
		c.mu.Unlock()
		return data, nil
	}
	c.mu.Unlock()

	names, err := c.provider.Emotes(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.loaded {
			c.logger.Warn("emote refresh failed, keeping previous vocabulary",
				"count", len(c.data), "error", err)
			return c.data, nil
		}
		return nil, err
	}
	c.data = names
	c.loaded = true
	c.loadedAt = c.now()
	c.logger.Debug("emotes loaded", "count", len(names))
	return c.data, nil
}

// Invalidate marks the cached vocabulary stale so the next Get
// refetches it. The stale snapshot stays available until then.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadedAt = time.Time{}
}

// LoadedAt reports when the cached vocabulary was fetched, or the zero
// time if nothing is cached or the cache was invalidated.
func (c *Cache) LoadedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadedAt
}

// Len returns the number of cached emotes, including a stale snapshot.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
