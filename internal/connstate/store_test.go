package connstate

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestStore(maxAttempts int) *Store {
	p := DefaultPolicy()
	p.MaxAttempts = maxAttempts
	return NewStore(p, WithClock(func() time.Time { return fixedNow }))
}

func TestTransitionTable(t *testing.T) {
	errBoom := errors.New("boom")
	tests := []struct {
		name   string
		start  State
		event  Event
		status Status
	}{
		{"connecting to connected", State{Status: StatusConnecting, IsOnline: true}, Event{Kind: EventConnected}, StatusConnected},
		{"connected lost", State{Status: StatusConnected, IsOnline: true}, Event{Kind: EventConnectionLost, Err: errBoom}, StatusReconnecting},
		{"connecting lost", State{Status: StatusConnecting, IsOnline: true}, Event{Kind: EventConnectionLost}, StatusReconnecting},
		{"lost while device offline", State{Status: StatusConnected, IsOnline: false}, Event{Kind: EventConnectionLost}, StatusOffline},
		{"reconnecting resumes", State{Status: StatusReconnecting, IsOnline: true}, Event{Kind: EventConnected}, StatusConnected},
		{"offline goes online", State{Status: StatusOffline, IsOnline: false}, Event{Kind: EventNetworkOnline}, StatusReconnecting},
		{"network offline from connected", State{Status: StatusConnected, IsOnline: true}, Event{Kind: EventNetworkOffline}, StatusOffline},
		{"force from disconnected", State{Status: StatusDisconnected, IsOnline: true}, Event{Kind: EventForceReconnect}, StatusReconnecting},
		{"force ignored offline", State{Status: StatusOffline, IsOnline: false}, Event{Kind: EventForceReconnect}, StatusOffline},
		{"user retry from disconnected", State{Status: StatusDisconnected, IsOnline: true}, Event{Kind: EventUserRetry}, StatusReconnecting},
		{"connected ignored while offline", State{Status: StatusOffline, IsOnline: false}, Event{Kind: EventConnected}, StatusOffline},
		{"attempt failed in disconnected is a no-op", State{Status: StatusDisconnected, IsOnline: true}, Event{Kind: EventAttemptFailed}, StatusDisconnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Transition(tt.start, tt.event, 3, fixedNow)
			if got.Status != tt.status {
				t.Fatalf("status = %q, want %q", got.Status, tt.status)
			}
		})
	}
}

func TestAttemptCapParksInDisconnected(t *testing.T) {
	s := newTestStore(3)
	s.Dispatch(Event{Kind: EventConnected})
	s.Dispatch(Event{Kind: EventConnectionLost, Err: errors.New("reset")})

	for i := 1; i <= 2; i++ {
		st := s.Dispatch(Event{Kind: EventAttemptFailed, Err: errors.New("refused")})
		if st.Status != StatusReconnecting {
			t.Fatalf("after %d failures status = %q, want reconnecting", i, st.Status)
		}
		if st.ReconnectAttempts != i {
			t.Fatalf("attempts = %d, want %d", st.ReconnectAttempts, i)
		}
	}
	st := s.Dispatch(Event{Kind: EventAttemptFailed, Err: errors.New("refused")})
	if st.Status != StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", st.Status)
	}
	if st.LastError != "refused" {
		t.Fatalf("LastError = %q, want refused", st.LastError)
	}

	// Parked until a forced reconnect.
	st = s.Dispatch(Event{Kind: EventAttemptFailed})
	if st.Status != StatusDisconnected || st.ReconnectAttempts != 3 {
		t.Fatalf("parked state changed: %+v", st)
	}
	s.RequestReconnect("test")
	st = s.Snapshot()
	if st.Status != StatusReconnecting || st.ReconnectAttempts != 0 {
		t.Fatalf("after force: %+v", st)
	}
	if st.ReconnectStartTime == nil || !st.ReconnectStartTime.Equal(fixedNow) {
		t.Fatalf("ReconnectStartTime = %v, want %v", st.ReconnectStartTime, fixedNow)
	}
}

func TestConnectedClearsAuxiliaryFields(t *testing.T) {
	s := newTestStore(5)
	s.Dispatch(Event{Kind: EventConnectionLost, Err: errors.New("x")})
	s.Dispatch(Event{Kind: EventAttemptFailed, Err: errors.New("y")})
	st := s.Dispatch(Event{Kind: EventConnected})
	if st.ReconnectAttempts != 0 || st.ReconnectStartTime != nil || st.LastError != "" {
		t.Fatalf("connected state not reset: %+v", st)
	}
}

func TestNeverConnectedWhileOffline(t *testing.T) {
	kinds := []EventKind{
		EventConnected, EventConnectionLost, EventAttemptFailed,
		EventNetworkOnline, EventNetworkOffline, EventForceReconnect, EventUserRetry,
	}
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 200; run++ {
		st := Initial()
		for step := 0; step < 50; step++ {
			ev := Event{Kind: kinds[rng.Intn(len(kinds))], Err: errors.New("e")}
			st = Transition(st, ev, 4, fixedNow)
			if st.Status == StatusConnected && !st.IsOnline {
				t.Fatalf("run %d step %d: connected while offline after %s", run, step, ev.Kind)
			}
			if st.ReconnectAttempts < 0 {
				t.Fatalf("negative attempts: %+v", st)
			}
		}
	}
}

func TestSubscribeReceivesChangesOnly(t *testing.T) {
	s := newTestStore(3)
	var got []Status
	unsub := s.Subscribe(func(st State) { got = append(got, st.Status) })

	s.Dispatch(Event{Kind: EventConnected})
	s.Dispatch(Event{Kind: EventConnected})
	s.Dispatch(Event{Kind: EventNetworkOffline})
	unsub()
	s.Dispatch(Event{Kind: EventNetworkOnline})

	want := []Status{StatusConnected, StatusOffline}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestRequestReconnectSignals(t *testing.T) {
	s := newTestStore(3)
	signals := 0
	s.OnSignal(func(sig Signal) {
		if sig.Kind != SignalForceReconnect {
			t.Fatalf("unexpected signal %v", sig.Kind)
		}
		signals++
	})

	s.RequestReconnect("visible")
	if signals != 1 {
		t.Fatalf("signals = %d, want 1", signals)
	}

	s.Dispatch(Event{Kind: EventNetworkOffline})
	s.RequestReconnect("visible")
	if signals != 1 {
		t.Fatalf("signal published while offline")
	}
	if s.Status() != StatusOffline {
		t.Fatalf("status = %q, want offline", s.Status())
	}
}

func TestPolicyBackOffStopsAtCap(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, MaxAttempts: 4, Multiplier: 2, Jitter: 0}
	b := p.NewBackOff()
	var delays []time.Duration
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			break
		}
		delays = append(delays, d)
		if len(delays) > 10 {
			t.Fatal("backoff never stopped")
		}
	}
	if len(delays) != 4 {
		t.Fatalf("got %d delays, want 4: %v", len(delays), delays)
	}
	for i, d := range delays {
		if d > p.MaxDelay {
			t.Fatalf("delay %d = %v exceeds max %v", i, d, p.MaxDelay)
		}
	}
	if delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected delays %v", delays)
	}
}
