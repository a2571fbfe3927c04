// Package api serves the bot's HTTP status surface: health, build
// info, Prometheus metrics, a session snapshot, an offline moderation
// check and a websocket stream of bus events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/nugget/banter/internal/bot"
	"github.com/nugget/banter/internal/buildinfo"
	"github.com/nugget/banter/internal/connwatch"
	"github.com/nugget/banter/internal/events"
	"github.com/nugget/banter/internal/moderation"
)

// StatusSource snapshots the running session. *bot.Session satisfies
// it.
type StatusSource interface {
	Status(withTurns bool) bot.Status
}

// Classifier runs the outbound policy without recording the verdict as
// an outbound one. *moderation.Filter satisfies it.
type Classifier interface {
	Check(candidate string) moderation.Verdict
}

// PhraseRefresher reloads the banned-phrase list. *denylist.Store
// satisfies it.
type PhraseRefresher interface {
	Refresh(ctx context.Context) error
	LoadedAt() time.Time
}

// HealthSource reports dependency health. *connwatch.Manager
// satisfies it.
type HealthSource interface {
	Healthy() bool
	Status() map[string]connwatch.ServiceStatus
}

// Server is the HTTP status server. Optional collaborators are attached
// with the Set methods before Start; a route whose collaborator is
// missing answers 503.
type Server struct {
	address string
	port    int
	logger  *slog.Logger
	server  *http.Server

	status   StatusSource
	health   HealthSource
	filter   Classifier
	phrases  PhraseRefresher
	metrics  http.Handler
	bus      *events.Bus
	upgrader websocket.Upgrader
}

// NewServer creates a server for address:port.
func NewServer(address string, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		logger:  logger.With("component", "api"),
	}
}

// SetStatusSource attaches the session for /v1/status.
func (s *Server) SetStatusSource(src StatusSource) { s.status = src }

// SetHealthSource attaches the dependency watchers reported by
// /healthz.
func (s *Server) SetHealthSource(h HealthSource) { s.health = h }

// SetClassifier attaches the outbound filter for /v1/moderate.
func (s *Server) SetClassifier(c Classifier) { s.filter = c }

// SetPhraseRefresher attaches the phrase store for /v1/phrases/refresh.
func (s *Server) SetPhraseRefresher(p PhraseRefresher) { s.phrases = p }

// SetMetricsHandler attaches the Prometheus handler for /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) { s.metrics = h }

// SetEventBus attaches the bus streamed by /v1/events.
func (s *Server) SetEventBus(bus *events.Bus) { s.bus = bus }

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withLogging)

	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/version", s.handleVersion)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/v1/status", s.handleStatus)
	r.Post("/v1/moderate", s.handleModerate)
	r.Post("/v1/phrases/refresh", s.handleRefresh)
	r.Get("/v1/events", s.handleEvents)
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("api shutdown", "error", err)
		}
	})
	defer stop()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func unavailable(w http.ResponseWriter, what string) {
	respondError(w, http.StatusServiceUnavailable, "unavailable", what+" not configured")
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"name":    "Banter",
		"version": buildinfo.Version,
		"status":  "ok",
	})
}

type healthResponse struct {
	Status   string                             `json:"status"`
	Services map[string]connwatch.ServiceStatus `json:"services,omitempty"`
}

// handleHealth answers 200 "ok" when every watched dependency is ready
// and 503 "degraded" otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health == nil {
		respondJSON(w, http.StatusOK, healthResponse{Status: "ok"})
		return
	}
	resp := healthResponse{Status: "ok", Services: s.health.Status()}
	code := http.StatusOK
	if !s.health.Healthy() {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, buildinfo.BuildInfo())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		unavailable(w, "metrics")
		return
	}
	s.metrics.ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		unavailable(w, "session")
		return
	}
	withTurns, _ := strconv.ParseBool(r.URL.Query().Get("turns"))
	respondJSON(w, http.StatusOK, s.status.Status(withTurns))
}

type moderateRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleModerate(w http.ResponseWriter, r *http.Request) {
	if s.filter == nil {
		unavailable(w, "filter")
		return
	}
	var req moderateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	respondJSON(w, http.StatusOK, s.filter.Check(req.Text))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.phrases == nil {
		unavailable(w, "phrase list")
		return
	}
	if err := s.phrases.Refresh(r.Context()); err != nil {
		respondError(w, http.StatusBadGateway, "refresh_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"loaded_at": s.phrases.LoadedAt().UTC().Format(time.RFC3339),
	})
}

// handleEvents streams bus events as JSON text frames until the client
// goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		unavailable(w, "event bus")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	// The read side only exists to notice the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
