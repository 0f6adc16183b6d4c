// Package connstate holds the single process-wide connection status and the
// transition rules that move it between connecting, connected,
// reconnecting, disconnected and offline.
package connstate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/user/termlink/internal/observer"
)

// Store owns the connection state. All mutation goes through Dispatch.
type Store struct {
	mu     sync.Mutex
	state  State
	policy Policy
	now    func() time.Time
	logger *slog.Logger

	states  observer.List[State]
	signals observer.List[Signal]
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used for transition traces.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates a store in the initial connecting state.
func NewStore(policy Policy, opts ...Option) *Store {
	s := &Store{
		state:  Initial(),
		policy: policy.withDefaults(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the retry policy with defaults applied.
func (s *Store) Policy() Policy {
	return s.policy
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.state)
}

// Status is shorthand for Snapshot().Status.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Status
}

// Dispatch applies ev and notifies subscribers when the state changed.
// It returns the resulting state.
func (s *Store) Dispatch(ev Event) State {
	s.mu.Lock()
	prev := s.state
	next := Transition(prev, ev, s.policy.MaxAttempts, s.now())
	s.state = next
	s.mu.Unlock()

	if !equal(prev, next) {
		if prev.Status != next.Status {
			s.logger.Info("connection status changed",
				"from", prev.Status, "to", next.Status, "event", ev.Kind.String(),
				"attempts", next.ReconnectAttempts, "error", next.LastError)
		}
		s.states.Notify(copyState(next))
	}
	return copyState(next)
}

// Subscribe registers fn for every state change.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	return s.states.Add(fn)
}

// OnSignal registers fn for transport control signals.
func (s *Store) OnSignal(fn func(Signal)) (unsubscribe func()) {
	return s.signals.Add(fn)
}

// RequestReconnect moves the machine to reconnecting (unless offline) and
// publishes a forced-reconnect signal. While the device is offline nothing
// happens; the online edge requests its own reconnect.
func (s *Store) RequestReconnect(reason string) {
	s.request(EventForceReconnect, reason)
}

// Retry is the explicit user retry. It behaves like RequestReconnect.
func (s *Store) Retry() {
	s.request(EventUserRetry, "user retry")
}

func (s *Store) request(kind EventKind, reason string) {
	if st := s.Dispatch(Event{Kind: kind}); !st.IsOnline {
		s.logger.Debug("reconnect request ignored while offline", "reason", reason)
		return
	}
	s.signals.Notify(Signal{Kind: SignalForceReconnect, Reason: reason})
}

func copyState(st State) State {
	if st.ReconnectStartTime != nil {
		t := *st.ReconnectStartTime
		st.ReconnectStartTime = &t
	}
	return st
}

func equal(a, b State) bool {
	if a.Status != b.Status || a.ReconnectAttempts != b.ReconnectAttempts ||
		a.LastError != b.LastError || a.IsOnline != b.IsOnline {
		return false
	}
	if (a.ReconnectStartTime == nil) != (b.ReconnectStartTime == nil) {
		return false
	}
	if a.ReconnectStartTime != nil && !a.ReconnectStartTime.Equal(*b.ReconnectStartTime) {
		return false
	}
	return true
}
