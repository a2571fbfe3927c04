package connwatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/banter/internal/events"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	var readyCalled atomic.Int32

	m := NewManager(nil)
	w := m.Watch(t.Context(), WatcherConfig{
		Name:     "chat",
		Probe:    func(context.Context) error { return nil },
		Interval: time.Hour,
		OnReady:  func() { readyCalled.Add(1) },
	})
	defer w.Stop()

	waitFor(t, "ready", w.IsReady)
	if w.LastError() != nil {
		t.Errorf("LastError() = %v, want nil", w.LastError())
	}
	waitFor(t, "OnReady", func() bool { return readyCalled.Load() == 1 })
}

func TestWatcher_Transitions(t *testing.T) {
	t.Parallel()
	var healthy atomic.Bool
	var downs, ups atomic.Int32

	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	m := NewManager(nil)
	m.SetEventBus(bus)
	w := m.Watch(t.Context(), WatcherConfig{
		Name: "mqtt",
		Probe: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("broker unreachable")
		},
		Interval: 2 * time.Millisecond,
		OnReady:  func() { ups.Add(1) },
		OnDown:   func(error) { downs.Add(1) },
	})
	defer w.Stop()

	waitFor(t, "first failure", func() bool { return w.LastError() != nil })
	if w.IsReady() {
		t.Error("IsReady() = true while probe fails")
	}
	if st := w.Status(); st.Name != "mqtt" || st.LastError != "broker unreachable" || st.LastCheck.IsZero() {
		t.Errorf("Status() = %+v", st)
	}

	healthy.Store(true)
	waitFor(t, "recovery", w.IsReady)
	waitFor(t, "callbacks", func() bool { return downs.Load() == 1 && ups.Load() == 1 })

	// Repeated probes in the same state do not emit again.
	time.Sleep(20 * time.Millisecond)
	var kinds []string
	for len(ch) > 0 {
		e := <-ch
		if e.Source != events.SourceHealth || e.Data["service"] != "mqtt" {
			t.Errorf("unexpected event %+v", e)
		}
		kinds = append(kinds, e.Kind)
	}
	if len(kinds) != 2 || kinds[0] != events.KindServiceDown || kinds[1] != events.KindServiceUp {
		t.Errorf("events = %v, want [service_down service_up]", kinds)
	}
}

func TestManager_StatusAndHealthy(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	if !m.Healthy() {
		t.Error("manager with no watchers should be healthy")
	}

	good := m.Watch(t.Context(), WatcherConfig{
		Name:     "chat",
		Probe:    func(context.Context) error { return nil },
		Interval: time.Hour,
	})
	bad := m.Watch(t.Context(), WatcherConfig{
		Name:     "phrases",
		Probe:    func(context.Context) error { return errors.New("stale") },
		Interval: time.Hour,
	})
	defer m.Stop()

	waitFor(t, "probes", func() bool { return good.IsReady() && bad.LastError() != nil })
	if m.Healthy() {
		t.Error("Healthy() = true with a failing dependency")
	}

	st := m.Status()
	if len(st) != 2 || !st["chat"].Ready || st["phrases"].Ready {
		t.Errorf("Status() = %+v", st)
	}
}

func TestManager_ReplaceStopsOld(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	first := m.Watch(t.Context(), WatcherConfig{
		Name:     "chat",
		Probe:    func(context.Context) error { return nil },
		Interval: time.Hour,
	})
	second := m.Watch(t.Context(), WatcherConfig{
		Name:     "chat",
		Probe:    func(context.Context) error { return nil },
		Interval: time.Hour,
	})
	defer m.Stop()

	select {
	case <-first.done:
	case <-time.After(time.Second):
		t.Fatal("replaced watcher still running")
	}
	if len(m.Status()) != 1 {
		t.Errorf("Status() has %d entries, want 1", len(m.Status()))
	}
	waitFor(t, "second ready", second.IsReady)
}

func TestNilManagerHealthy(t *testing.T) {
	var m *Manager
	if !m.Healthy() {
		t.Error("nil manager should be healthy")
	}
}

func TestWatch_PanicsOnBadConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  WatcherConfig
	}{
		{"empty name", WatcherConfig{Probe: func(context.Context) error { return nil }}},
		{"nil probe", WatcherConfig{Name: "chat"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			NewManager(nil).Watch(t.Context(), tt.cfg)
		})
	}
}
