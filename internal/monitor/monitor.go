// Package monitor translates device network and foreground/background
// transitions into connection state updates and forced-reconnect requests.
package monitor

import (
	"log/slog"
	"sync"

	"github.com/user/termlink/internal/connstate"
)

// Store is the subset of connstate.Store the monitor drives.
type Store interface {
	Dispatch(ev connstate.Event) connstate.State
	Status() connstate.Status
	RequestReconnect(reason string)
}

// Monitor observes online/offline and visibility edges. It never calls
// into transports; reconnects are requested through the store.
type Monitor struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	online  bool
	visible bool
}

// New creates a Monitor that assumes the device starts online and visible.
func New(store Store, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{store: store, logger: logger, online: true, visible: true}
}

// SetOnline records the device's network capability. An offline->online
// edge requests a forced reconnect.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	prev := m.online
	m.online = online
	m.mu.Unlock()

	if online {
		m.store.Dispatch(connstate.Event{Kind: connstate.EventNetworkOnline})
		if !prev {
			m.logger.Info("network online, requesting reconnect")
			m.store.RequestReconnect("network online")
		}
		return
	}
	if prev {
		m.logger.Warn("network offline")
	}
	m.store.Dispatch(connstate.Event{Kind: connstate.EventNetworkOffline})
}

// SetVisible records foreground/background transitions. Becoming visible
// while not connected requests a forced reconnect.
func (m *Monitor) SetVisible(visible bool) {
	m.mu.Lock()
	prev := m.visible
	m.visible = visible
	m.mu.Unlock()

	if !visible || prev {
		return
	}
	if status := m.store.Status(); status != connstate.StatusConnected {
		m.logger.Info("foregrounded while not connected, requesting reconnect", "status", status)
		m.store.RequestReconnect("visible")
	}
}

// Online reports the last known network capability.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Visible reports the last known visibility.
func (m *Monitor) Visible() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.visible
}
