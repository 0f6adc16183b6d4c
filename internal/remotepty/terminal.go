package remotepty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/user/termlink/internal/connstate"
	"github.com/user/termlink/internal/terminal"
	"github.com/user/termlink/internal/wire"
)

// StateStore is the part of connstate.Store a Terminal reports to.
type StateStore interface {
	Dispatch(ev connstate.Event) connstate.State
	Status() connstate.Status
	Policy() connstate.Policy
	OnSignal(fn func(connstate.Signal)) (unsubscribe func())
}

// Terminal is a remote PTY that outlives its sockets. Unexpected closes
// are connectivity events: the terminal resumes its session with backoff.
// It exits when the server ends the session, or with code 1 once the retry
// policy is exhausted.
type Terminal struct {
	id     string
	dialer *Dialer
	store  StateStore
	logger *slog.Logger

	emitter terminal.Emitter
	group   singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	lost   chan struct{}
	force  chan struct{}
	done   chan struct{}

	mu          sync.Mutex
	conn        *Conn
	connUnsub   []func()
	setup       Setup
	lastSession string
	killed      bool
	unsubSignal func()
}

var _ terminal.PTY = (*Terminal)(nil)

// Open connects terminalID and keeps it connected. The first connect is
// synchronous and retried with the store's backoff policy; Open fails once
// the store gives up, goes offline, or ctx is done.
func Open(ctx context.Context, d *Dialer, store StateStore, terminalID string, setup Setup) (*Terminal, error) {
	if terminalID == "" {
		return nil, fmt.Errorf("remotepty: terminal id is required")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	t := &Terminal{
		id:     terminalID,
		dialer: d,
		store:  store,
		logger: d.logger.With("terminal_id", terminalID),
		ctx:    runCtx,
		cancel: cancel,
		lost:   make(chan struct{}, 1),
		force:  make(chan struct{}, 1),
		done:   make(chan struct{}),
		setup:  setup,
	}

	dialCtx, stop := context.WithCancel(ctx)
	go func() {
		select {
		case <-runCtx.Done():
			stop()
		case <-dialCtx.Done():
		}
	}()
	err := t.connectFirst(dialCtx)
	stop()
	if err != nil {
		cancel()
		return nil, err
	}

	t.unsubSignal = store.OnSignal(func(sig connstate.Signal) {
		if sig.Kind != connstate.SignalForceReconnect {
			return
		}
		select {
		case t.force <- struct{}{}:
		default:
		}
	})
	go t.run()
	return t, nil
}

// TerminalID returns the client identity.
func (t *Terminal) TerminalID() string { return t.id }

// SessionID returns the current (or last known) server session id.
func (t *Terminal) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn.SessionID()
	}
	return t.lastSession
}

// Kind reports the remote backend.
func (t *Terminal) Kind() terminal.BackendKind { return terminal.BackendRemote }

// OnData subscribes to output from every socket the terminal uses.
func (t *Terminal) OnData(fn func([]byte)) func() { return t.emitter.OnData(fn) }

// OnExit subscribes to the end of the remote session.
func (t *Terminal) OnExit(fn func(terminal.ExitEvent)) func() { return t.emitter.OnExit(fn) }

// Done is closed once the terminal stopped supervising its connection.
func (t *Terminal) Done() <-chan struct{} { return t.done }

// Connected reports whether a socket is live.
func (t *Terminal) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Write sends keystrokes on the live socket. Input is not queued: while
// reconnecting it fails with ErrNotConnected.
func (t *Terminal) Write(data []byte) error {
	c, err := t.current()
	if err != nil {
		return err
	}
	return c.Write(data)
}

// Resize reports a new size. The size is remembered and sent again after
// every resume.
func (t *Terminal) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("%w: resize %dx%d", wire.ErrInvalidMessage, cols, rows)
	}
	t.mu.Lock()
	t.setup.Cols, t.setup.Rows = cols, rows
	t.mu.Unlock()

	c, err := t.current()
	if err != nil {
		return err
	}
	return c.Resize(cols, rows)
}

// connectFirst retries the initial connect until it succeeds or the store
// leaves the connecting states.
func (t *Terminal) connectFirst(ctx context.Context) error {
	b := t.store.Policy().NewBackOff()
	for {
		err := t.attempt(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrKilled) {
			return err
		}
		st := t.store.Dispatch(connstate.Event{Kind: connstate.EventAttemptFailed, Err: err})
		t.logger.Warn("connect attempt failed", "error", err, "attempts", st.ReconnectAttempts)
		if st.Status == connstate.StatusDisconnected || st.Status == connstate.StatusOffline {
			return err
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// Reconnect makes one immediate resume attempt unless a socket is live.
// Concurrent calls share a single attempt.
func (t *Terminal) Reconnect(ctx context.Context) error {
	return t.attempt(ctx)
}

// Kill stops reconnecting, closes the socket and drops the cached
// session. Results of in-flight attempts are discarded. Idempotent.
func (t *Terminal) Kill() error {
	t.mu.Lock()
	if t.killed {
		t.mu.Unlock()
		return nil
	}
	t.killed = true
	c := t.releaseLocked()
	unsubSignal := t.unsubSignal
	t.mu.Unlock()

	t.emitter.Silence()
	t.cancel()
	if unsubSignal != nil {
		unsubSignal()
	}
	if c != nil {
		return c.Kill()
	}
	t.dialer.Forget(t.id)
	return nil
}

// Detach stops supervising and drops the socket but leaves the server
// session and its cache entry alone, so a later Open of the same terminal
// id resumes it. Writes fail with ErrKilled afterwards.
func (t *Terminal) Detach() {
	t.mu.Lock()
	if t.killed {
		t.mu.Unlock()
		return
	}
	t.killed = true
	c := t.releaseLocked()
	unsubSignal := t.unsubSignal
	t.mu.Unlock()

	t.emitter.Silence()
	t.cancel()
	if unsubSignal != nil {
		unsubSignal()
	}
	if c != nil {
		c.detach()
	}
}

func (t *Terminal) current() (*Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.killed {
		return nil, ErrKilled
	}
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	return t.conn, nil
}

// attempt dials and adopts a socket. At most one attempt per terminal is
// in flight; a live socket makes it a no-op.
func (t *Terminal) attempt(ctx context.Context) error {
	_, err, _ := t.group.Do(t.id, func() (any, error) {
		t.mu.Lock()
		if t.killed {
			t.mu.Unlock()
			return nil, ErrKilled
		}
		if t.conn != nil {
			t.mu.Unlock()
			return nil, nil
		}
		setup := t.setup
		t.mu.Unlock()

		conn, err := t.dialer.Dial(ctx, t.id, setup)
		if err != nil {
			return nil, err
		}
		if !t.adopt(conn) {
			_ = conn.Kill()
			return nil, ErrKilled
		}
		return nil, nil
	})
	return err
}

func (t *Terminal) adopt(conn *Conn) bool {
	t.mu.Lock()
	if t.killed {
		t.mu.Unlock()
		return false
	}
	t.conn = conn
	t.lastSession = conn.SessionID()
	t.connUnsub = []func(){
		conn.OnData(t.emitter.EmitData),
		conn.OnExit(func(ev terminal.ExitEvent) { t.onConnExit(conn, ev) }),
	}
	t.mu.Unlock()

	conn.Start()
	t.store.Dispatch(connstate.Event{Kind: connstate.EventConnected})
	t.logger.Info("remote terminal connected", "session_id", conn.SessionID())
	return true
}

// releaseLocked detaches the current socket's subscriptions and returns it.
func (t *Terminal) releaseLocked() *Conn {
	c := t.conn
	t.conn = nil
	for _, unsub := range t.connUnsub {
		unsub()
	}
	t.connUnsub = nil
	return c
}

func (t *Terminal) onConnExit(conn *Conn, ev terminal.ExitEvent) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.lastSession = conn.SessionID()
	t.releaseLocked()
	t.mu.Unlock()

	if ev.Code == 0 {
		t.emitter.EmitExit(ev)
		t.cancel()
		return
	}

	t.store.Dispatch(connstate.Event{Kind: connstate.EventConnectionLost, Err: ev.Err})
	select {
	case t.lost <- struct{}{}:
	default:
	}
}

// run supervises the connection until the session ends or the terminal is
// killed.
func (t *Terminal) run() {
	defer close(t.done)
	defer func() {
		t.mu.Lock()
		unsub := t.unsubSignal
		t.mu.Unlock()
		if unsub != nil {
			unsub()
		}
	}()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.lost:
		case <-t.force:
			t.dropSocket()
		}
		if !t.reconnect() {
			return
		}
	}
}

// dropSocket abandons a live socket without ending the session.
func (t *Terminal) dropSocket() {
	t.mu.Lock()
	c := t.releaseLocked()
	t.mu.Unlock()
	if c != nil {
		t.logger.Info("forced reconnect, dropping socket", "session_id", c.SessionID())
		c.detach()
	}
}

// reconnect retries with backoff until a socket is adopted. It parks while
// the store is offline and restarts immediately on a forced reconnect. Once
// the store gives up the terminal exits.
func (t *Terminal) reconnect() bool {
	b := t.store.Policy().NewBackOff()
	var lastErr error
	for {
		if t.ctx.Err() != nil {
			return false
		}
		switch t.store.Status() {
		case connstate.StatusOffline:
			t.logger.Debug("reconnect parked while offline")
			if !t.waitForce() {
				return false
			}
			b.Reset()
			continue
		case connstate.StatusDisconnected:
			t.giveUp(lastErr)
			return false
		}

		err := t.attempt(t.ctx)
		if err == nil {
			// Requests that arrived during the attempt are satisfied by it.
			t.clearForce()
			return true
		}
		if t.ctx.Err() != nil {
			return false
		}
		lastErr = err
		t.store.Dispatch(connstate.Event{Kind: connstate.EventAttemptFailed, Err: err})
		t.logger.Warn("reconnect attempt failed", "error", err)

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			t.giveUp(err)
			return false
		}
		timer := time.NewTimer(delay)
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return false
		case <-t.force:
			timer.Stop()
			b.Reset()
		case <-timer.C:
		}
	}
}

// giveUp reports a non-zero exit and stops supervising. The cache entry is
// kept, so opening the same terminal id again resumes the session.
func (t *Terminal) giveUp(err error) {
	exitErr := ErrReconnectExhausted
	if err != nil {
		exitErr = fmt.Errorf("%w: %w", ErrReconnectExhausted, err)
	}
	t.logger.Warn("giving up on remote terminal", "session_id", t.SessionID(), "error", err)
	t.emitter.EmitExit(terminal.ExitEvent{Code: 1, Err: exitErr})
	t.cancel()
}

func (t *Terminal) waitForce() bool {
	select {
	case <-t.ctx.Done():
		return false
	case <-t.force:
		return true
	}
}

func (t *Terminal) clearForce() {
	select {
	case <-t.force:
	default:
	}
}
