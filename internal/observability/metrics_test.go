package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nugget/banter/internal/events"
	"github.com/nugget/banter/internal/moderation"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestObserveVerdict(t *testing.T) {
	m := NewMetrics("banter")
	m.ObserveVerdict(moderation.Verdict{Reject: true, Checks: []string{"ascii", "uniqueness"}})
	m.ObserveVerdict(moderation.Verdict{})

	out := scrape(t, m)
	for _, want := range []string{
		`banter_verdicts_total{outcome="reject"} 1`,
		`banter_verdicts_total{outcome="accept"} 1`,
		`banter_check_fires_total{check="ascii"} 1`,
		`banter_check_fires_total{check="uniqueness"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestObserveCompletion(t *testing.T) {
	m := NewMetrics("banter")
	m.ObserveCompletion(1500*time.Millisecond, 120, 40)

	out := scrape(t, m)
	for _, want := range []string{
		`banter_tokens_total{direction="input"} 120`,
		`banter_tokens_total{direction="output"} 40`,
		`banter_completion_latency_ms_count 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestIndependentRegistries(t *testing.T) {
	// Building twice must not panic on duplicate registration.
	a := NewMetrics("banter")
	b := NewMetrics("banter")
	a.TrimmedPairs.Inc()
	if strings.Contains(scrape(t, b), "banter_trimmed_pairs_total 1") {
		t.Error("metrics leaked between instances")
	}
}

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveVerdict(moderation.Verdict{Reject: true})
	m.ObserveCompletion(time.Second, 1, 1)
}

func TestWatchEvents(t *testing.T) {
	m := NewMetrics("banter")
	bus := events.New()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx, bus) }()

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Watch never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	bus.Emit(events.SourceChat, events.KindConnected, nil)
	bus.Emit(events.SourceDenylist, events.KindRefreshed, nil)
	bus.Emit(events.SourceDenylist, events.KindRefreshFailed, nil)
	bus.Emit(events.SourceHealth, events.KindServiceUp, map[string]any{"service": "chat"})
	bus.Emit(events.SourceHealth, events.KindServiceDown, map[string]any{"service": "mqtt", "error": "refused"})

	want := []string{
		"banter_chat_connected 1",
		`banter_phrase_refreshes_total{result="ok"} 1`,
		`banter_phrase_refreshes_total{result="error"} 1`,
		`banter_dependency_up{service="chat"} 1`,
		`banter_dependency_up{service="mqtt"} 0`,
	}
	deadline = time.Now().Add(2 * time.Second)
	for {
		out := scrape(t, m)
		missing := ""
		for _, w := range want {
			if !strings.Contains(out, w) {
				missing = w
				break
			}
		}
		if missing == "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("scrape missing %q", missing)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch = %v", err)
	}
}
