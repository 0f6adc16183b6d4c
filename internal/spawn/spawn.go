// Package spawn picks the PTY backend for a new terminal. The choice is
// made once, at creation; callers only ever see terminal.PTY.
package spawn

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/user/termlink/internal/pty"
	"github.com/user/termlink/internal/remotepty"
	"github.com/user/termlink/internal/terminal"
)

// Spawner creates terminals on whichever backends are configured.
type Spawner struct {
	// Local runs commands on this machine. Nil disables the local backend.
	Local *pty.Manager
	// Remote and Store together enable the remote backend.
	Remote *remotepty.Dialer
	Store  remotepty.StateStore

	Logger *slog.Logger
}

func (s *Spawner) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// RemoteAvailable reports whether remote terminals can be created.
func (s *Spawner) RemoteAvailable() bool { return s.Remote != nil && s.Store != nil }

// LocalAvailable reports whether local terminals can be created.
func (s *Spawner) LocalAvailable() bool { return s.Local != nil }

// SpawnTerminal creates a terminal of opts.Kind. An empty kind prefers
// the remote backend. It returns (nil, nil) when the requested backend is
// not configured. An empty terminalID gets a generated one.
func (s *Spawner) SpawnTerminal(ctx context.Context, terminalID string, opts terminal.Options, cols, rows int) (terminal.PTY, error) {
	if terminalID == "" {
		terminalID = uuid.NewString()
	}

	kind := opts.Kind
	if kind == "" {
		kind = terminal.BackendLocal
		if s.RemoteAvailable() {
			kind = terminal.BackendRemote
		}
	}

	switch kind {
	case terminal.BackendLocal:
		if !s.LocalAvailable() {
			s.logger().Debug("local backend not configured", "terminal_id", terminalID)
			return nil, nil
		}
		sess, err := s.Local.Spawn(terminalID, opts, cols, rows)
		if err != nil {
			return nil, err
		}
		return sess, nil

	case terminal.BackendRemote:
		if !s.RemoteAvailable() {
			s.logger().Debug("remote backend not configured", "terminal_id", terminalID)
			return nil, nil
		}
		term, err := remotepty.Open(ctx, s.Remote, s.Store, terminalID, remotepty.Setup{
			Cols: cols,
			Rows: rows,
			Cwd:  opts.Cwd,
		})
		if err != nil {
			return nil, err
		}
		return term, nil

	default:
		return nil, fmt.Errorf("spawn: unknown backend kind %q", kind)
	}
}
