// Package observability exposes Prometheus instruments for the bot.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/banter/internal/events"
	"github.com/nugget/banter/internal/moderation"
)

// Metrics groups all Prometheus instruments used by the service. Each
// instance owns its registry so tests can build several.
type Metrics struct {
	registry *prometheus.Registry

	Verdicts          *prometheus.CounterVec
	CheckFires        *prometheus.CounterVec
	Mentions          *prometheus.CounterVec
	Commands          *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	CompletionLatency prometheus.Histogram
	TokensUsed        *prometheus.CounterVec
	BufferTokens      prometheus.Gauge
	BufferTurns       prometheus.Gauge
	TrimmedPairs      prometheus.Counter
	PhraseRefreshes   *prometheus.CounterVec
	ChatConnected     prometheus.Gauge
	DependencyUp      *prometheus.GaugeVec
}

// NewMetrics registers every instrument under namespace on a fresh
// registry that also carries the Go and process collectors.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Outbound moderation verdicts by outcome.",
		}, []string{"outcome"}),
		CheckFires: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_fires_total",
			Help:      "Moderation checks that fired, by check name.",
		}, []string{"check"}),
		Mentions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mentions_total",
			Help:      "Mentions handled, by result.",
		}, []string{"result"}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Chat commands by name.",
		}, []string{"command"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Completion provider errors by kind.",
		}, []string{"kind"}),
		CompletionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_latency_ms",
			Help:      "Completion call latency in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 16000},
		}),
		TokensUsed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by the completion provider.",
		}, []string{"direction"}),
		BufferTokens: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversation_tokens",
			Help:      "Estimated tokens held in the conversation buffer.",
		}),
		BufferTurns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversation_turns",
			Help:      "Turns held in the conversation tail.",
		}),
		TrimmedPairs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trimmed_pairs_total",
			Help:      "Turn pairs removed to stay under the token budget.",
		}),
		PhraseRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phrase_refreshes_total",
			Help:      "Denylist refresh attempts by result.",
		}, []string{"result"}),
		ChatConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chat_connected",
			Help:      "1 while the chat websocket is connected.",
		}),
		DependencyUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dependency_up",
			Help:      "1 while a watched dependency passes its health probe.",
		}, []string{"service"}),
	}
}

// ObserveVerdict implements moderation.Observer.
func (m *Metrics) ObserveVerdict(v moderation.Verdict) {
	if m == nil {
		return
	}
	if v.Reject {
		m.Verdicts.WithLabelValues("reject").Inc()
	} else {
		m.Verdicts.WithLabelValues("accept").Inc()
	}
	for _, c := range v.Checks {
		m.CheckFires.WithLabelValues(c).Inc()
	}
}

// ObserveCompletion records latency and token counts for one call.
func (m *Metrics) ObserveCompletion(d time.Duration, in, out int) {
	if m == nil {
		return
	}
	m.CompletionLatency.Observe(float64(d.Milliseconds()))
	m.TokensUsed.WithLabelValues("input").Add(float64(in))
	m.TokensUsed.WithLabelValues("output").Add(float64(out))
}

// Handler serves this instance's registry in the Prometheus text
// format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Watch keeps the event-driven instruments current from bus: chat
// connection state, phrase refresh results and dependency health. It
// returns when ctx is done.
func (m *Metrics) Watch(ctx context.Context, bus *events.Bus) error {
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.observeEvent(e)
		}
	}
}

func (m *Metrics) observeEvent(e events.Event) {
	switch e.Kind {
	case events.KindConnected:
		m.ChatConnected.Set(1)
	case events.KindDisconnected:
		m.ChatConnected.Set(0)
	case events.KindRefreshed:
		m.PhraseRefreshes.WithLabelValues("ok").Inc()
	case events.KindRefreshFailed:
		m.PhraseRefreshes.WithLabelValues("error").Inc()
	case events.KindServiceUp, events.KindServiceDown:
		service, _ := e.Data["service"].(string)
		if service == "" {
			return
		}
		up := 0.0
		if e.Kind == events.KindServiceUp {
			up = 1
		}
		m.DependencyUp.WithLabelValues(service).Set(up)
	}
}
