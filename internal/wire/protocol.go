// Package wire implements the remote PTY socket protocol: outbound control
// messages, the inbound control/raw-output parser and socket addresses.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	TypeSetup   = "setup"
	TypeInput   = "input"
	TypeResize  = "resize"
	TypeSession = "session"
	TypeReplay  = "replay"
	TypeError   = "error"
)

var ErrInvalidMessage = errors.New("wire: invalid message")

// SetupMessage is sent once on a fresh connect.
type SetupMessage struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
	Cwd  string `json:"cwd,omitempty"`
}

// InputMessage carries keystrokes.
type InputMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// ResizeMessage reports a viewport change.
type ResizeMessage struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// SessionInfo is the payload of a session message.
type SessionInfo struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// EncodeSetup marshals a setup message.
func EncodeSetup(cols, rows int, cwd string) ([]byte, error) {
	if cols <= 0 || rows <= 0 {
		return nil, fmt.Errorf("%w: setup size %dx%d", ErrInvalidMessage, cols, rows)
	}
	return json.Marshal(SetupMessage{Type: TypeSetup, Cols: cols, Rows: rows, Cwd: cwd})
}

// EncodeInput marshals an input message.
func EncodeInput(data []byte) ([]byte, error) {
	return json.Marshal(InputMessage{Type: TypeInput, Data: string(data)})
}

// EncodeResize marshals a resize message.
func EncodeResize(cols, rows int) ([]byte, error) {
	if cols <= 0 || rows <= 0 {
		return nil, fmt.Errorf("%w: resize %dx%d", ErrInvalidMessage, cols, rows)
	}
	return json.Marshal(ResizeMessage{Type: TypeResize, Cols: cols, Rows: rows})
}

// FreshURL returns {base}/ws/pty/{terminalID}?token=...
func FreshURL(base, terminalID, token string) (string, error) {
	return buildURL(base, token, "ws", "pty", terminalID)
}

// ResumeURL returns {base}/ws/pty/{terminalID}/reconnect/{sessionID}?token=...
func ResumeURL(base, terminalID, sessionID, token string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", fmt.Errorf("%w: empty session id", ErrInvalidMessage)
	}
	return buildURL(base, token, "ws", "pty", terminalID, "reconnect", sessionID)
}

func buildURL(base, token string, segments ...string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url %q has no host", base)
	}
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		if strings.TrimSpace(s) == "" {
			return "", fmt.Errorf("%w: empty path segment", ErrInvalidMessage)
		}
		escaped = append(escaped, url.PathEscape(s))
	}
	u = u.JoinPath(escaped...)
	q := url.Values{}
	q.Set("token", token)
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// isJSONObject reports whether data looks like a JSON object before the
// full decode is attempted.
func isJSONObject(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 1 && trimmed[0] == '{'
}
