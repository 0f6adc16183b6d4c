package remotepty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/termlink/internal/terminal"
	"github.com/user/termlink/internal/wire"
)

// Conn is one live socket to a remote session. It implements terminal.PTY;
// its exit is the close of the socket.
type Conn struct {
	terminalID   string
	ws           *websocket.Conn
	dialer       *Dialer
	logger       *slog.Logger
	writeTimeout time.Duration

	emitter terminal.Emitter
	early   [][]byte
	done    chan struct{}

	mu        sync.Mutex
	sessionID string
	cols      int
	rows      int
	closed    bool

	startOnce sync.Once
	killOnce  sync.Once
}

var _ terminal.PTY = (*Conn)(nil)

func (d *Dialer) newConn(ws *websocket.Conn, terminalID, sessionID string, early [][]byte, cols, rows int) *Conn {
	c := &Conn{
		terminalID:   terminalID,
		ws:           ws,
		dialer:       d,
		logger:       d.logger.With("terminal_id", terminalID),
		writeTimeout: d.cfg.WriteTimeout,
		early:        early,
		done:         make(chan struct{}),
		cols:         cols,
		rows:         rows,
	}
	c.setSession(sessionID)
	return c
}

// Start launches the read loop. Subscribe before calling it; output that
// arrived during the handshake is delivered first.
func (c *Conn) Start() {
	c.startOnce.Do(func() { go c.readLoop() })
}

// Done is closed when the read loop has stopped.
func (c *Conn) Done() <-chan struct{} { return c.done }

// readLoop is the only reader of the socket, so delivery follows socket order.
func (c *Conn) readLoop() {
	defer close(c.done)

	for _, p := range c.early {
		c.emitter.EmitData(p)
	}
	c.early = nil

	for {
		typ, data, err := c.ws.Read(context.Background())
		if err != nil {
			c.finish(err)
			return
		}
		switch msg := wire.Parse(typ, data).(type) {
		case wire.RawOutput:
			c.emitter.EmitData(msg.Data)
		case wire.Control:
			switch msg.Kind {
			case wire.ControlSession:
				c.setSession(msg.Session.SessionID)
			case wire.ControlReplay:
				c.emitter.EmitData(msg.Replay)
			case wire.ControlError:
				c.logger.Warn("remote terminal error", "session_id", c.SessionID(), "message", msg.Error)
			default:
				c.logger.Debug("ignoring unknown control message", "type", msg.Type)
			}
		}
	}
}

// finish turns the socket close into the exit event: a normal closure is
// a finished session (code 0), anything else is code 1.
func (c *Conn) finish(err error) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	if c.emitter.Exited() {
		return
	}

	ev := terminal.ExitEvent{Code: 1, Err: err}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		ev = terminal.ExitEvent{Code: 0}
		c.dialer.Forget(c.terminalID)
		c.logger.Info("remote session ended", "session_id", c.SessionID())
	} else {
		c.logger.Info("remote socket closed", "session_id", c.SessionID(), "error", err)
	}
	c.emitter.EmitExit(ev)
}

// setSession records the socket's session id and refreshes the cache entry.
// The id is fixed for the life of the socket; a different id is ignored.
func (c *Conn) setSession(sessionID string) {
	if sessionID == "" {
		return
	}
	c.mu.Lock()
	current := c.sessionID
	if current == "" {
		c.sessionID = sessionID
	}
	c.mu.Unlock()
	if current != "" && current != sessionID {
		c.logger.Warn("ignoring session id change on a live socket", "session_id", current, "announced", sessionID)
		return
	}
	c.dialer.remember(c.terminalID, sessionID)
}

// TerminalID returns the client identity.
func (c *Conn) TerminalID() string { return c.terminalID }

// SessionID returns the server-issued session id.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Kind reports the remote backend.
func (c *Conn) Kind() terminal.BackendKind { return terminal.BackendRemote }

// OnData subscribes to output.
func (c *Conn) OnData(fn func([]byte)) func() { return c.emitter.OnData(fn) }

// OnExit subscribes to the socket close.
func (c *Conn) OnExit(fn func(terminal.ExitEvent)) func() { return c.emitter.OnExit(fn) }

// Size returns the last size sent to the server.
func (c *Conn) Size() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cols, c.rows
}

// Write sends keystrokes. Delivery is not acknowledged.
func (c *Conn) Write(data []byte) error {
	msg, err := wire.EncodeInput(data)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// Resize reports a new viewport size.
func (c *Conn) Resize(cols, rows int) error {
	msg, err := wire.EncodeResize(cols, rows)
	if err != nil {
		return err
	}
	if err := c.send(msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.cols, c.rows = cols, rows
	c.mu.Unlock()
	return nil
}

func (c *Conn) send(msg []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

// Kill closes the socket and drops the cached session. No callback fires
// afterwards. Repeated calls are no-ops.
func (c *Conn) Kill() error {
	c.killOnce.Do(func() {
		c.emitter.Silence()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		if err := c.ws.Close(websocket.StatusNormalClosure, "killed"); err != nil && !isClosed(err) {
			c.logger.Debug("close after kill", "error", err)
		}
		c.dialer.Forget(c.terminalID)
	})
	return nil
}

// detach drops the socket without ending the session, so it can be
// resumed later. Subscribers hear nothing.
func (c *Conn) detach() {
	c.killOnce.Do(func() {
		c.emitter.Silence()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.ws.CloseNow()
	})
}

func isClosed(err error) bool {
	var ce websocket.CloseError
	return errors.As(err, &ce) || errors.Is(err, context.Canceled)
}
