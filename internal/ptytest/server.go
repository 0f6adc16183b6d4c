// Package ptytest provides an in-process PTY backend that speaks the remote
// terminal socket protocol. It exists for tests: sessions are plain records,
// input is echoed back as output and the test drives drops, expiry and
// session end explicitly.
package ptytest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/user/termlink/internal/wire"
)

const setupTimeout = 5 * time.Second

// Connect records one socket connection attempt accepted by the server.
type Connect struct {
	TerminalID string
	SessionID  string
	Resume     bool
}

// SessionState is a snapshot of one server-side session.
type SessionState struct {
	ID         string
	TerminalID string
	Cwd        string
	Cols       int
	Rows       int
	Attached   bool
	Inputs     []string
	Resizes    [][2]int
	Pending    []byte
}

type session struct {
	id         string
	terminalID string
	cwd        string
	cols, rows int
	inputs     []string
	resizes    [][2]int

	conn    *websocket.Conn
	pending []byte
}

// Server is a fake remote PTY backend.
type Server struct {
	Token string
	// Echo writes every input message back as raw output.
	Echo bool

	mu       sync.Mutex
	sessions map[string]*session
	connects []Connect
	accepted chan Connect

	mux    *http.ServeMux
	http   *httptest.Server
	logger *slog.Logger
}

// NewServer starts a fake backend on a loopback listener.
func NewServer(token string) *Server {
	s := &Server{
		Token:    token,
		Echo:     true,
		sessions: make(map[string]*session),
		accepted: make(chan Connect, 64),
		logger:   slog.Default().With("component", "ptytest"),
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /ws/pty/{terminal}", s.handleFresh)
	s.mux.HandleFunc("GET /ws/pty/{terminal}/reconnect/{session}", s.handleResume)
	s.http = httptest.NewServer(s.mux)
	return s
}

// URL is the http base address; clients map it to ws.
func (s *Server) URL() string { return s.http.URL }

// Close stops the listener and drops every attached socket.
func (s *Server) Close() {
	s.mu.Lock()
	var conns []*websocket.Conn
	for _, sess := range s.sessions {
		if sess.conn != nil {
			conns = append(conns, sess.conn)
			sess.conn = nil
		}
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.CloseNow()
	}
	s.http.CloseClientConnections()
	s.http.Close()
}

// Connects returns every accepted connection in order.
func (s *Server) Connects() []Connect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Connect(nil), s.connects...)
}

// Accepted delivers each accepted connection as it happens.
func (s *Server) Accepted() <-chan Connect { return s.accepted }

// Seed registers a detached session so a client can resume it. pending is
// replayed on the first resume.
func (s *Server) Seed(terminalID, sessionID string, pending []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = &session{
		id:         sessionID,
		terminalID: terminalID,
		cols:       80,
		rows:       24,
		pending:    append([]byte(nil), pending...),
	}
}

// Session returns a snapshot of the session with the given id.
func (s *Server) Session(sessionID string) (SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return SessionState{}, false
	}
	return SessionState{
		ID:         sess.id,
		TerminalID: sess.terminalID,
		Cwd:        sess.cwd,
		Cols:       sess.cols,
		Rows:       sess.rows,
		Attached:   sess.conn != nil,
		Inputs:     append([]string(nil), sess.inputs...),
		Resizes:    append([][2]int(nil), sess.resizes...),
		Pending:    append([]byte(nil), sess.pending...),
	}, true
}

// SessionFor returns the id of the newest session for terminalID.
func (s *Server) SessionFor(terminalID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.connects) - 1; i >= 0; i-- {
		c := s.connects[i]
		if c.TerminalID != terminalID || c.SessionID == "" {
			continue
		}
		if _, ok := s.sessions[c.SessionID]; ok {
			return c.SessionID, true
		}
	}
	return "", false
}

// Emit produces output for a session. Output for a detached session is
// buffered and replayed on resume.
func (s *Server) Emit(sessionID string, data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	s.emitLocked(sess, data)
	return true
}

// SendRaw writes a frame verbatim to the attached socket of a session.
func (s *Server) SendRaw(sessionID string, typ websocket.MessageType, data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.conn == nil {
		return false
	}
	return s.writeLocked(sess, typ, data) == nil
}

// Drop closes the session's socket abnormally. The session survives and
// can be resumed.
func (s *Server) Drop(sessionID string) bool {
	return s.closeConn(sessionID, websocket.StatusInternalError, "dropped", false)
}

// End terminates the session: its socket closes normally and it can no
// longer be resumed.
func (s *Server) End(sessionID string) bool {
	return s.closeConn(sessionID, websocket.StatusNormalClosure, "", true)
}

// Expire forgets a session without touching its socket, so a later resume
// is rejected.
func (s *Server) Expire(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *Server) closeConn(sessionID string, code websocket.StatusCode, reason string, forget bool) bool {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	conn := sess.conn
	sess.conn = nil
	if forget {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()

	if conn != nil {
		conn.Close(code, reason)
	}
	return true
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if token == "" || token != s.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	if !s.authorized(w, r) {
		return nil, false
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept error", "error", err)
		return nil, false
	}
	conn.SetReadLimit(1 << 20)
	return conn, true
}

func (s *Server) record(c Connect) {
	s.connects = append(s.connects, c)
	select {
	case s.accepted <- c:
	default:
	}
}

func (s *Server) handleFresh(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.accept(w, r)
	if !ok {
		return
	}
	terminalID := r.PathValue("terminal")
	ctx := r.Context()

	readCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	typ, data, err := conn.Read(readCtx)
	cancel()
	if err != nil {
		conn.CloseNow()
		return
	}
	var setup wire.SetupMessage
	if typ != websocket.MessageText || json.Unmarshal(data, &setup) != nil || setup.Type != wire.TypeSetup {
		s.writeError(ctx, conn, "expected setup")
		return
	}

	sess := &session{
		id:         uuid.NewString(),
		terminalID: terminalID,
		cwd:        setup.Cwd,
		cols:       setup.Cols,
		rows:       setup.Rows,
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	sess.conn = conn
	err = s.writeSessionLocked(sess)
	s.record(Connect{TerminalID: terminalID, SessionID: sess.id})
	s.mu.Unlock()
	if err != nil {
		s.detach(sess, conn)
		return
	}

	s.serve(ctx, sess, conn)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.accept(w, r)
	if !ok {
		return
	}
	terminalID := r.PathValue("terminal")
	sessionID := r.PathValue("session")
	ctx := r.Context()

	s.mu.Lock()
	sess, found := s.sessions[sessionID]
	if !found || sess.terminalID != terminalID {
		s.record(Connect{TerminalID: terminalID, Resume: true})
		s.mu.Unlock()
		s.writeError(ctx, conn, "session not found")
		return
	}
	previous := sess.conn
	sess.conn = conn
	err := s.writeSessionLocked(sess)
	if err == nil && len(sess.pending) > 0 {
		var replay []byte
		replay, err = json.Marshal(map[string]string{"type": wire.TypeReplay, "data": string(sess.pending)})
		if err == nil {
			err = s.writeLocked(sess, websocket.MessageText, replay)
		}
		sess.pending = nil
	}
	s.record(Connect{TerminalID: terminalID, SessionID: sessionID, Resume: true})
	s.mu.Unlock()

	if previous != nil {
		previous.Close(websocket.StatusGoingAway, "replaced")
	}
	if err != nil {
		s.detach(sess, conn)
		return
	}

	s.serve(ctx, sess, conn)
}

// serve is the read pump for one attached socket.
func (s *Server) serve(ctx context.Context, sess *session, conn *websocket.Conn) {
	defer s.detach(sess, conn)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
			Data string `json:"data"`
			Cols int    `json:"cols"`
			Rows int    `json:"rows"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		s.mu.Lock()
		switch msg.Type {
		case wire.TypeInput:
			sess.inputs = append(sess.inputs, msg.Data)
			if s.Echo {
				s.emitLocked(sess, []byte(msg.Data))
			}
		case wire.TypeResize:
			if msg.Cols > 0 && msg.Rows > 0 {
				sess.cols, sess.rows = msg.Cols, msg.Rows
				sess.resizes = append(sess.resizes, [2]int{msg.Cols, msg.Rows})
			}
		}
		s.mu.Unlock()
	}
}

func (s *Server) detach(sess *session, conn *websocket.Conn) {
	s.mu.Lock()
	if sess.conn == conn {
		sess.conn = nil
	}
	s.mu.Unlock()
	conn.CloseNow()
}

func (s *Server) emitLocked(sess *session, data []byte) {
	if sess.conn == nil {
		sess.pending = append(sess.pending, data...)
		return
	}
	if err := s.writeLocked(sess, websocket.MessageText, data); err != nil {
		sess.pending = append(sess.pending, data...)
	}
}

func (s *Server) writeSessionLocked(sess *session) error {
	msg, err := json.Marshal(struct {
		Type string           `json:"type"`
		Data wire.SessionInfo `json:"data"`
	}{wire.TypeSession, wire.SessionInfo{SessionID: sess.id, TerminalID: sess.terminalID}})
	if err != nil {
		return err
	}
	return s.writeLocked(sess, websocket.MessageText, msg)
}

func (s *Server) writeLocked(sess *session, typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return sess.conn.Write(ctx, typ, data)
}

func (s *Server) writeError(ctx context.Context, conn *websocket.Conn, message string) {
	msg, _ := json.Marshal(map[string]string{"type": wire.TypeError, "data": message})
	writeCtx, cancel := context.WithTimeout(ctx, time.Second)
	_ = conn.Write(writeCtx, websocket.MessageText, msg)
	cancel()
	conn.Close(websocket.StatusPolicyViolation, message)
}
