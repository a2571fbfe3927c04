// Package connwatch tracks the health of the bot's outside dependencies:
// the chat socket, the MQTT broker and the remote phrase list. Each
// Watcher polls one probe and reports up/down transitions to the log,
// optional callbacks and the event bus.
//
// Reconnection itself belongs to the transports (chat.Client backs off
// on its own, autopaho retries the broker). connwatch only observes.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/banter/internal/events"
)

// ProbeFunc checks whether a dependency is healthy. Return nil if so.
type ProbeFunc func(ctx context.Context) error

// Default polling parameters.
const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// WatcherConfig configures a single dependency watcher.
type WatcherConfig struct {
	// Name identifies the dependency, e.g. "chat" or "mqtt".
	Name string

	// Probe checks health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Interval between probes (default 30s). The first probe runs
	// immediately.
	Interval time.Duration

	// Timeout bounds each probe call (default 5s).
	Timeout time.Duration

	// OnReady and OnDown run in their own goroutine on a transition.
	// Optional.
	OnReady func()
	OnDown  func(err error)
}

// ServiceStatus is the health of one dependency, suitable for JSON.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one dependency.
type Watcher struct {
	config WatcherConfig
	logger *slog.Logger
	bus    *events.Bus
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	checked   bool
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		w.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// check runs one probe and handles a state transition. The first
// result always counts as a transition so startup state is reported.
func (w *Watcher) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	err := w.config.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	w.mu.Lock()
	first := !w.checked
	wasReady := w.ready
	w.checked = true
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	name := w.config.Name
	switch {
	case err == nil && (first || !wasReady):
		w.logger.Info("service ready", "service", name)
		w.bus.Emit(events.SourceHealth, events.KindServiceUp, map[string]any{"service": name})
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	case err != nil && (first || wasReady):
		w.logger.Warn("service unhealthy", "service", name, "error", err)
		w.bus.Emit(events.SourceHealth, events.KindServiceDown, map[string]any{
			"service": name,
			"error":   err.Error(),
		})
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	case err != nil:
		w.logger.Debug("service still unhealthy", "service", name, "error", err)
	}
}

// Manager coordinates the watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
	bus      *events.Bus
}

// NewManager creates a manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger.With("component", "connwatch"),
	}
}

// SetEventBus attaches a bus for transition events. Call before Watch.
func (m *Manager) SetEventBus(bus *events.Bus) { m.bus = bus }

// Watch registers and starts a watcher that runs until ctx is
// cancelled or Stop is called. Registering a name twice replaces and
// stops the earlier watcher.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		logger: m.logger,
		bus:    m.bus,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Status returns the health of every watched dependency.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Healthy reports whether every watched dependency is ready. A nil
// manager or one with no watchers is healthy.
func (m *Manager) Healthy() bool {
	if m == nil {
		return true
	}
	m.mu.RLock()
	watchers := watcherList(m.watchers)
	m.mu.RUnlock()
	for _, w := range watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := watcherList(m.watchers)
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}

func watcherList(ws map[string]*Watcher) []*Watcher {
	out := make([]*Watcher, 0, len(ws))
	for _, w := range ws {
		out = append(out, w)
	}
	return out
}
