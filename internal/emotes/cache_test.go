package emotes

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nugget/banter/internal/format"
)

type countingProvider struct {
	calls atomic.Int32

	mu    sync.Mutex
	names []string
	err   error
}

func (p *countingProvider) Emotes(context.Context) ([]string, error) {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.names, p.err
}

func (p *countingProvider) set(names []string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names, p.err = names, err
}

func TestCacheFetchesOnce(t *testing.T) {
	p := &countingProvider{names: []string{"PepOk", "LULW"}}
	c := NewCache(p, nil)

	if !c.LoadedAt().IsZero() {
		t.Error("LoadedAt should be zero before first Get")
	}
	for range 3 {
		got, err := c.Get(t.Context())
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(got) != 2 {
			t.Errorf("Get = %v", got)
		}
	}
	if n := p.calls.Load(); n != 1 {
		t.Errorf("provider called %d times, want 1", n)
	}
	if c.LoadedAt().IsZero() || c.Len() != 2 {
		t.Errorf("LoadedAt=%v Len=%d", c.LoadedAt(), c.Len())
	}
}

func TestCacheInvalidate(t *testing.T) {
	p := &countingProvider{names: []string{"PepOk"}}
	c := NewCache(p, nil)

	c.Get(t.Context())
	c.Invalidate()
	if !c.LoadedAt().IsZero() {
		t.Error("Invalidate should mark the cache stale")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d after Invalidate, want the stale snapshot kept", c.Len())
	}

	p.set([]string{"PepOk", "MMMM"}, nil)
	got, _ := c.Get(t.Context())
	if len(got) != 2 || p.calls.Load() != 2 {
		t.Errorf("after Invalidate: Get = %v, calls = %d", got, p.calls.Load())
	}
}

func TestCacheFailureRetries(t *testing.T) {
	p := &countingProvider{err: errors.New("down")}
	c := NewCache(p, nil)

	if got, err := c.Get(t.Context()); err == nil || got != nil {
		t.Fatalf("Get with nothing cached = %v, %v; want error", got, err)
	}
	p.set([]string{"LULW"}, nil)
	got, err := c.Get(t.Context())
	if err != nil || !slices.Equal(got, []string{"LULW"}) {
		t.Errorf("retry Get = %v, %v", got, err)
	}
}

func TestCacheKeepsSnapshotWhenRefreshFails(t *testing.T) {
	p := &countingProvider{names: []string{"PEPE"}}
	c := NewCache(p, nil)
	if _, err := c.Get(t.Context()); err != nil {
		t.Fatalf("Get: %v", err)
	}

	p.set(nil, errors.New("emote host down"))
	c.Invalidate()
	got, err := c.Get(t.Context())
	if err != nil || !slices.Equal(got, []string{"PEPE"}) {
		t.Fatalf("Get after failed refresh = %v, %v; want [PEPE], nil", got, err)
	}
	if normalized := format.Normalize("hi PEPE.", got, nil, format.Options{}); normalized != "hi PEPE ." {
		t.Errorf("Normalize with stale vocabulary = %q", normalized)
	}
	if n := p.calls.Load(); n != 2 {
		t.Errorf("provider called %d times, want 2", n)
	}
	if !c.LoadedAt().IsZero() {
		t.Error("cache should stay stale after a failed refresh")
	}

	// Still stale, so the next Get retries and picks up the new list.
	p.set([]string{"PEPE", "MMMM"}, nil)
	got, _ = c.Get(t.Context())
	if !slices.Equal(got, []string{"PEPE", "MMMM"}) || p.calls.Load() != 3 {
		t.Errorf("Get after recovery = %v, calls = %d", got, p.calls.Load())
	}
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"PepOk":"https://cdn/pepok.png","LULW":{"url":"x"},"MMMM":null}`))
	}))
	defer srv.Close()

	got, err := NewHTTPProvider(srv.URL).Emotes(t.Context())
	if err != nil {
		t.Fatalf("Emotes: %v", err)
	}
	if !slices.Equal(got, []string{"LULW", "MMMM", "PepOk"}) {
		t.Errorf("Emotes = %v", got)
	}
}

func TestHTTPProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := NewHTTPProvider(srv.URL).Emotes(t.Context()); err == nil {
		t.Error("expected error for 502")
	}
}

func TestStaticProviderCopies(t *testing.T) {
	p := StaticProvider{"a"}
	got, _ := p.Emotes(t.Context())
	got[0] = "b"
	if p[0] != "a" {
		t.Error("StaticProvider should return a copy")
	}
}
