package remotepty

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/termlink/internal/connstate"
	"github.com/user/termlink/internal/ptytest"
)

func newTestStore() *connstate.Store {
	return connstate.NewStore(connstate.Policy{
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    40 * time.Millisecond,
		MaxAttempts: 3,
	})
}

func openTerminal(t *testing.T, f *fixture, store *connstate.Store) *Terminal {
	t.Helper()
	term, err := Open(context.Background(), f.dialer, store, "t1", Setup{Cols: 90, Rows: 30})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = term.Kill() })
	return term
}

func resumes(srv *ptytest.Server, sessionID string) int {
	n := 0
	for _, c := range srv.Connects() {
		if c.Resume && c.SessionID == sessionID {
			n++
		}
	}
	return n
}

func TestTerminalConnectsAndReportsStatus(t *testing.T) {
	f := newFixture(t)
	store := newTestStore()
	term := openTerminal(t, f, store)

	if store.Status() != connstate.StatusConnected {
		t.Fatalf("status = %s, want connected", store.Status())
	}
	if term.SessionID() == "" || !term.Connected() {
		t.Fatalf("session = %q, connected = %v", term.SessionID(), term.Connected())
	}
	rec := record(term)
	if err := term.Write([]byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFor(t, 2*time.Second, "echo", func() bool { return rec.String() == "hi" })
}

func TestTerminalResumesAfterDrop(t *testing.T) {
	f := newFixture(t)
	store := newTestStore()
	term := openTerminal(t, f, store)
	rec := record(term)
	sid := term.SessionID()

	f.srv.Drop(sid)
	f.srv.Emit(sid, []byte("while-away;"))

	waitFor(t, 3*time.Second, "resume", func() bool {
		return resumes(f.srv, sid) == 1 && term.Connected()
	})
	f.srv.Emit(sid, []byte("live;"))
	waitFor(t, 2*time.Second, "output", func() bool {
		return strings.Contains(rec.String(), "live;")
	})
	if got := rec.String(); got != "while-away;live;" {
		t.Fatalf("output = %q", got)
	}
	if store.Status() != connstate.StatusConnected {
		t.Fatalf("status = %s, want connected", store.Status())
	}
	if term.SessionID() != sid {
		t.Fatalf("SessionID() = %q, want %q", term.SessionID(), sid)
	}
	waitFor(t, 2*time.Second, "resize after resume", func() bool {
		st, _ := f.srv.Session(sid)
		return len(st.Resizes) == 1 && st.Resizes[0] == [2]int{90, 30}
	})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.exits) != 0 {
		t.Fatalf("unexpected close surfaced as exit: %+v", rec.exits)
	}
}

func TestTerminalExitsWhenSessionEnds(t *testing.T) {
	f := newFixture(t)
	term := openTerminal(t, f, newTestStore())
	rec := record(term)

	f.srv.End(term.SessionID())
	if ev := waitExit(t, rec); ev.Code != 0 {
		t.Fatalf("exit code = %d, want 0", ev.Code)
	}
	select {
	case <-term.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("terminal still supervising after the session ended")
	}
	if len(f.srv.Connects()) != 1 {
		t.Fatalf("connects = %+v, want no reconnect", f.srv.Connects())
	}
}

func TestTerminalKill(t *testing.T) {
	f := newFixture(t)
	term := openTerminal(t, f, newTestStore())
	rec := record(term)
	sid := term.SessionID()

	f.srv.Drop(sid)
	if err := term.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if err := term.Kill(); err != nil {
		t.Fatalf("second Kill: %v", err)
	}
	select {
	case <-term.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("terminal still running after Kill")
	}
	if _, ok := f.cache.Lookup("t1"); ok {
		t.Fatal("cache entry kept after Kill")
	}
	if err := term.Write([]byte("x")); !errors.Is(err, ErrKilled) {
		t.Fatalf("Write after Kill error = %v, want ErrKilled", err)
	}

	time.Sleep(100 * time.Millisecond)
	if _, ok := f.cache.Lookup("t1"); ok {
		t.Fatal("late attempt re-created the cache entry")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.exits) != 0 {
		t.Fatalf("exit delivered after Kill: %+v", rec.exits)
	}
}

func TestTerminalExitsAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	store := newTestStore()
	term := openTerminal(t, f, store)
	rec := record(term)
	sid := term.SessionID()

	f.srv.Close()
	ev := waitExit(t, rec)
	if ev.Code != 1 || !errors.Is(ev.Err, ErrReconnectExhausted) {
		t.Fatalf("exit = %+v, want code 1 with ErrReconnectExhausted", ev)
	}
	select {
	case <-term.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("terminal still supervising after giving up")
	}
	if store.Status() != connstate.StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", store.Status())
	}
	snap := store.Snapshot()
	if snap.ReconnectAttempts != 3 || snap.LastError == "" {
		t.Fatalf("state = %+v, want 3 attempts and an error", snap)
	}
	if got, ok := f.cache.Lookup("t1"); !ok || got != sid {
		t.Fatalf("cache entry = %q, %v, want %q kept for a later resume", got, ok, sid)
	}
	if err := term.Write([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Write after giving up error = %v, want ErrNotConnected", err)
	}
	if err := term.Resize(100, 50); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Resize after giving up error = %v, want ErrNotConnected", err)
	}
}

// dialControl wraps a Dialer's websocket dial so tests can count, fail and
// slow down connects.
type dialControl struct {
	calls   atomic.Int32
	failing atomic.Int32
	delay   atomic.Int64
}

func controlDials(d *Dialer) *dialControl {
	dc := &dialControl{}
	inner := d.dial
	d.dial = func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error) {
		dc.calls.Add(1)
		if delay := time.Duration(dc.delay.Load()); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}
		if dc.failing.Add(-1) >= 0 {
			return nil, nil, fmt.Errorf("dial tcp: connection refused")
		}
		return inner(ctx, url, opts)
	}
	return dc
}

func TestOpenRetriesFirstConnect(t *testing.T) {
	f := newFixture(t)
	dc := controlDials(f.dialer)
	dc.failing.Store(1)
	store := newTestStore()

	term := openTerminal(t, f, store)
	if n := dc.calls.Load(); n != 2 {
		t.Fatalf("dials = %d, want 2", n)
	}
	if !term.Connected() || store.Status() != connstate.StatusConnected {
		t.Fatalf("connected = %v, status = %s", term.Connected(), store.Status())
	}
	if snap := store.Snapshot(); snap.ReconnectAttempts != 0 {
		t.Fatalf("attempts = %d after connecting, want 0", snap.ReconnectAttempts)
	}
	if n := len(f.srv.Connects()); n != 1 {
		t.Fatalf("server connects = %d, want 1", n)
	}
}

func TestOpenFailsOnceStoreGivesUp(t *testing.T) {
	f := newFixture(t)
	dc := controlDials(f.dialer)
	dc.failing.Store(100)
	store := newTestStore()

	term, err := Open(context.Background(), f.dialer, store, "t1", Setup{Cols: 90, Rows: 30})
	if err == nil {
		_ = term.Kill()
		t.Fatal("Open succeeded with every dial refused")
	}
	if n := dc.calls.Load(); n != 3 {
		t.Fatalf("dials = %d, want 3", n)
	}
	if store.Status() != connstate.StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", store.Status())
	}
}

func TestOpenStopsRetryingOnCancel(t *testing.T) {
	f := newFixture(t)
	dc := controlDials(f.dialer)
	dc.failing.Store(100)
	store := connstate.NewStore(connstate.Policy{
		BaseDelay:   time.Second,
		MaxDelay:    time.Second,
		MaxAttempts: 10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := Open(ctx, f.dialer, store, "t1", Setup{Cols: 90, Rows: 30}); err == nil {
		t.Fatal("Open succeeded with every dial refused")
	}
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Fatalf("Open returned after %v, want it to stop when ctx is done", elapsed)
	}
	if n := dc.calls.Load(); n != 1 {
		t.Fatalf("dials = %d, want 1", n)
	}
}

func TestForcedReconnectDuringAttemptKeepsNewSocket(t *testing.T) {
	f := newFixture(t)
	dc := controlDials(f.dialer)
	store := newTestStore()
	term := openTerminal(t, f, store)
	sid := term.SessionID()

	dc.delay.Store(int64(300 * time.Millisecond))
	before := dc.calls.Load()
	f.srv.Drop(sid)
	waitFor(t, 2*time.Second, "resume dial", func() bool { return dc.calls.Load() > before })
	store.RequestReconnect("app visible")
	store.RequestReconnect("network online")

	waitFor(t, 3*time.Second, "resume", func() bool {
		return term.Connected() && resumes(f.srv, sid) >= 1
	})
	time.Sleep(400 * time.Millisecond)
	if n := resumes(f.srv, sid); n != 1 {
		t.Fatalf("resumes = %d, want 1", n)
	}
	if n := dc.calls.Load() - before; n != 1 {
		t.Fatalf("dials after drop = %d, want 1", n)
	}
	if !term.Connected() || store.Status() != connstate.StatusConnected {
		t.Fatalf("connected = %v, status = %s", term.Connected(), store.Status())
	}
}

func TestTerminalWaitsWhileOffline(t *testing.T) {
	f := newFixture(t)
	store := newTestStore()
	term := openTerminal(t, f, store)
	sid := term.SessionID()

	store.Dispatch(connstate.Event{Kind: connstate.EventNetworkOffline})
	f.srv.Drop(sid)

	time.Sleep(150 * time.Millisecond)
	if n := resumes(f.srv, sid); n != 0 {
		t.Fatalf("resumed %d times while offline", n)
	}
	if store.Status() != connstate.StatusOffline {
		t.Fatalf("status = %s, want offline", store.Status())
	}

	store.Dispatch(connstate.Event{Kind: connstate.EventNetworkOnline})
	store.RequestReconnect("network online")
	waitFor(t, 3*time.Second, "resume after online", func() bool {
		return term.Connected() && store.Status() == connstate.StatusConnected
	})
	if n := resumes(f.srv, sid); n != 1 {
		t.Fatalf("resumes = %d, want 1", n)
	}
}

func TestForcedReconnectReplacesLiveSocket(t *testing.T) {
	f := newFixture(t)
	store := newTestStore()
	term := openTerminal(t, f, store)
	sid := term.SessionID()

	store.RequestReconnect("visible")
	waitFor(t, 3*time.Second, "forced resume", func() bool {
		return resumes(f.srv, sid) == 1 && term.Connected() && store.Status() == connstate.StatusConnected
	})
}

func TestReconnectIsNoopWhileConnected(t *testing.T) {
	f := newFixture(t)
	term := openTerminal(t, f, newTestStore())

	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() { errs <- term.Reconnect(context.Background()) }()
	}
	for i := 0; i < 4; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Reconnect: %v", err)
		}
	}
	if n := len(f.srv.Connects()); n != 1 {
		t.Fatalf("connects = %d, want 1 while a socket is live", n)
	}
}

func TestDetachLeavesSessionResumable(t *testing.T) {
	f := newFixture(t)
	store := newTestStore()
	term, err := Open(context.Background(), f.dialer, store, "t1", Setup{Cols: 90, Rows: 30})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sid := term.SessionID()

	term.Detach()
	term.Detach()
	select {
	case <-term.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("terminal still supervising after Detach")
	}
	if err := term.Write([]byte("x")); !errors.Is(err, ErrKilled) {
		t.Fatalf("Write after Detach error = %v, want ErrKilled", err)
	}
	if e, ok := f.cache.Lookup("t1"); !ok || e != sid {
		t.Fatalf("cache entry after Detach = %+v, %v", e, ok)
	}

	waitFor(t, 2*time.Second, "server sees detach", func() bool {
		st, ok := f.srv.Session(sid)
		return ok && !st.Attached
	})
	f.srv.Emit(sid, []byte("meanwhile;"))

	again := openTerminal(t, f, store)
	if again.SessionID() != sid {
		t.Fatalf("reopened session = %q, want %q", again.SessionID(), sid)
	}
	rec := record(again)
	waitFor(t, 2*time.Second, "replay", func() bool { return rec.String() == "meanwhile;" })
}
