// Package remotepty is the client side of the remote terminal socket. A
// Dialer opens one socket per terminal, resuming a cached session when it
// can; a Conn is one live socket; a Terminal keeps a remote session alive
// across sockets.
package remotepty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/termlink/internal/sessioncache"
	"github.com/user/termlink/internal/wire"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second

	defaultCols = 80
	defaultRows = 24
	readLimit   = 4 << 20
)

// Config configures a Dialer.
type Config struct {
	// BaseURL is the backend address, e.g. "https://host:8765". http(s)
	// is mapped to ws(s).
	BaseURL string

	// Token returns the current auth token. It is called on every connect
	// so rotated tokens are picked up.
	Token func() string

	// Cache persists terminal -> session ids. Nil disables resume.
	Cache *sessioncache.Cache

	// ConnectTimeout bounds handshake plus session confirmation (default 10s).
	ConnectTimeout time.Duration

	// WriteTimeout bounds each outbound frame (default 5s).
	WriteTimeout time.Duration

	// HTTPClient is used for the websocket handshake. Nil uses the default.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Setup is the terminal geometry and working directory sent on connect.
type Setup struct {
	Cols int
	Rows int
	Cwd  string
}

func (s Setup) size() (int, int) {
	cols, rows := s.Cols, s.Rows
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}
	return cols, rows
}

type dialFunc func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error)

// Dialer opens remote terminal sockets.
type Dialer struct {
	cfg    Config
	dial   dialFunc
	logger *slog.Logger
}

// NewDialer returns a Dialer for cfg.
func NewDialer(cfg Config) *Dialer {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{cfg: cfg, dial: websocket.Dial, logger: logger}
}

// Dial connects terminalID. A cached session younger than the cache TTL is
// resumed; if the server rejects the resume the entry is dropped and
// exactly one fresh connect follows. The returned Conn is not started.
func (d *Dialer) Dial(ctx context.Context, terminalID string, setup Setup) (*Conn, error) {
	if d.cfg.Cache != nil {
		if sessionID, ok := d.cfg.Cache.Lookup(terminalID); ok {
			conn, err := d.Resume(ctx, terminalID, sessionID, setup)
			if err == nil {
				return conn, nil
			}
			if !errors.Is(err, ErrResumeRejected) {
				return nil, err
			}
			d.logger.Info("session resume rejected, starting fresh",
				"terminal_id", terminalID, "session_id", sessionID, "error", err)
			d.Forget(terminalID)
		}
	}
	return d.Fresh(ctx, terminalID, setup)
}

// Fresh opens a new session for terminalID and sends setup.
func (d *Dialer) Fresh(ctx context.Context, terminalID string, setup Setup) (*Conn, error) {
	u, err := wire.FreshURL(d.cfg.BaseURL, terminalID, d.token())
	if err != nil {
		return nil, err
	}
	cols, rows := setup.size()
	hello, err := wire.EncodeSetup(cols, rows, setup.Cwd)
	if err != nil {
		return nil, err
	}

	ws, info, early, err := d.open(ctx, u, hello, false)
	if err != nil {
		return nil, err
	}
	d.logger.Info("remote session created", "terminal_id", terminalID, "session_id", info.SessionID)
	return d.newConn(ws, terminalID, info.SessionID, early, cols, rows), nil
}

// Resume reattaches to sessionID and reports the current size.
func (d *Dialer) Resume(ctx context.Context, terminalID, sessionID string, setup Setup) (*Conn, error) {
	u, err := wire.ResumeURL(d.cfg.BaseURL, terminalID, sessionID, d.token())
	if err != nil {
		return nil, err
	}

	ws, info, early, err := d.open(ctx, u, nil, true)
	if err != nil {
		return nil, err
	}
	cols, rows := setup.size()
	conn := d.newConn(ws, terminalID, info.SessionID, early, cols, rows)
	if err := conn.Resize(cols, rows); err != nil {
		conn.detach()
		return nil, fmt.Errorf("remotepty: resize after resume: %w", err)
	}
	d.logger.Info("remote session resumed", "terminal_id", terminalID, "session_id", info.SessionID)
	return conn, nil
}

// Forget drops the cached session for terminalID.
func (d *Dialer) Forget(terminalID string) {
	if d.cfg.Cache == nil {
		return
	}
	if err := d.cfg.Cache.Remove(terminalID); err != nil {
		d.logger.Warn("failed to remove cached session", "terminal_id", terminalID, "error", err)
	}
}

func (d *Dialer) remember(terminalID, sessionID string) {
	if d.cfg.Cache == nil || sessionID == "" {
		return
	}
	if err := d.cfg.Cache.Save(terminalID, sessionID); err != nil {
		d.logger.Warn("failed to cache session", "terminal_id", terminalID, "session_id", sessionID, "error", err)
	}
}

func (d *Dialer) token() string {
	if d.cfg.Token == nil {
		return ""
	}
	return d.cfg.Token()
}

// open performs the handshake, sends hello when set and reads until the
// server confirms a session. Output that arrives first is returned so the
// Conn can deliver it ahead of everything else.
func (d *Dialer) open(ctx context.Context, u string, hello []byte, resume bool) (*websocket.Conn, wire.SessionInfo, [][]byte, error) {
	bounded, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	ws, _, err := d.dial(bounded, u, &websocket.DialOptions{HTTPClient: d.cfg.HTTPClient})
	if err != nil {
		return nil, wire.SessionInfo{}, nil, d.connectErr(ctx, bounded, "dial", err)
	}
	ws.SetReadLimit(readLimit)

	if hello != nil {
		if err := ws.Write(bounded, websocket.MessageText, hello); err != nil {
			ws.CloseNow()
			return nil, wire.SessionInfo{}, nil, d.connectErr(ctx, bounded, "send setup", err)
		}
	}

	var early [][]byte
	for {
		typ, data, err := ws.Read(bounded)
		if err != nil {
			ws.CloseNow()
			return nil, wire.SessionInfo{}, nil, d.connectErr(ctx, bounded, "await session", err)
		}
		switch msg := wire.Parse(typ, data).(type) {
		case wire.RawOutput:
			early = append(early, msg.Data)
		case wire.Control:
			switch msg.Kind {
			case wire.ControlSession:
				return ws, msg.Session, early, nil
			case wire.ControlReplay:
				early = append(early, msg.Replay)
			case wire.ControlError:
				ws.CloseNow()
				if resume {
					return nil, wire.SessionInfo{}, nil, fmt.Errorf("%w: %s", ErrResumeRejected, msg.Error)
				}
				return nil, wire.SessionInfo{}, nil, fmt.Errorf("remotepty: server error: %s", msg.Error)
			default:
				d.logger.Debug("ignoring unknown control message", "type", msg.Type)
			}
		}
	}
}

func (d *Dialer) connectErr(parent, bounded context.Context, step string, err error) error {
	if parent.Err() == nil && errors.Is(bounded.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s (%s): %w", ErrConnectTimeout, d.cfg.ConnectTimeout, step, err)
	}
	return fmt.Errorf("remotepty: %s: %w", step, err)
}
