package pty

import (
	"errors"
	"time"
)

var ErrSessionClosed = errors.New("pty: session is closed")

// SessionInfo is a read-only snapshot of session metadata returned by Manager.ListSessions.
type SessionInfo struct {
	TerminalID string
	Command    []string
	Active     bool
	Cols       int
	Rows       int
	CreatedAt  time.Time
}
