package pty

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/user/termlink/internal/terminal"
)

// Manager tracks all active local PTY sessions by terminal id.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewManager creates a new, empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Spawn starts opts.Command in a new PTY of cols x rows and registers it
// under terminalID. It returns an error if a live session with the same id
// already exists.
func (m *Manager) Spawn(terminalID string, opts terminal.Options, cols, rows int) (*Session, error) {
	if terminalID == "" {
		return nil, fmt.Errorf("pty: terminal id is required")
	}
	argv, err := parseCommand(opts.Command)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.sessions[terminalID]; exists && !existing.IsClosed() {
		return nil, fmt.Errorf("pty: session %q already exists", terminalID)
	}

	sess, err := newSession(terminalID, argv, opts.Cwd, opts.Env, cols, rows)
	if err != nil {
		return nil, err
	}
	m.sessions[terminalID] = sess

	sess.OnExit(func(ev terminal.ExitEvent) {
		m.logger.Info("local terminal exited", "terminal_id", terminalID, "code", ev.Code)
		m.forget(terminalID, sess)
	})
	sess.start()

	m.logger.Info("local terminal spawned", "terminal_id", terminalID, "argv", argv, "cols", cols, "rows", rows)
	return sess, nil
}

// GetSession returns the session with the given id, or an error if not found.
func (m *Manager) GetSession(terminalID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[terminalID]
	if !ok {
		return nil, fmt.Errorf("pty: session %q not found", terminalID)
	}
	return sess, nil
}

// Kill removes the session from the manager and kills it.
func (m *Manager) Kill(terminalID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[terminalID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("pty: session %q not found", terminalID)
	}
	delete(m.sessions, terminalID)
	m.mu.Unlock()

	return sess.Kill()
}

// ListSessions returns metadata for every tracked session, sorted by id.
func (m *Manager) ListSessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, sess := range m.sessions {
		infos = append(infos, sess.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].TerminalID < infos[j].TerminalID })
	return infos
}

// Close kills and removes all sessions.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sess := range m.sessions {
		_ = sess.Kill()
		delete(m.sessions, id)
	}
}

func (m *Manager) forget(terminalID string, sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[terminalID] == sess {
		delete(m.sessions, terminalID)
	}
}
