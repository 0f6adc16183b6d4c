package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"

	"github.com/user/termlink/internal/terminal"
)

const (
	defaultCols = 120
	defaultRows = 30

	// drainTimeout bounds how long exit waits for the final reads.
	drainTimeout = 500 * time.Millisecond
)

// Session wraps a child process running inside a PTY. It implements
// terminal.PTY for the local backend.
type Session struct {
	terminalID string
	argv       []string
	createdAt  time.Time

	cmd  *exec.Cmd
	ptmx *os.File

	emitter    terminal.Emitter
	scrollback *ringBuf
	readDone   chan struct{}
	exited     chan struct{}

	mu        sync.Mutex
	cols      uint16
	rows      uint16
	closed    bool
	exitCode  int
	closeOnce sync.Once
}

var _ terminal.PTY = (*Session)(nil)

// newSession spawns argv inside a new PTY of the given size. The pumps do
// not start until start is called, so subscribers can attach first.
func newSession(terminalID string, argv []string, workDir string, env []string, cols, rows int) (*Session, error) {
	if len(argv) == 0 {
		return nil, errors.New("pty: argv must not be empty")
	}
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, fmt.Errorf("pty: start %q: %w", argv[0], err)
	}

	return &Session{
		terminalID: terminalID,
		argv:       argv,
		createdAt:  time.Now(),
		cmd:        cmd,
		ptmx:       ptmx,
		scrollback: newRingBuf(scrollbackSize),
		readDone:   make(chan struct{}),
		exited:     make(chan struct{}),
		cols:       uint16(cols),
		rows:       uint16(rows),
	}, nil
}

func (s *Session) start() {
	go s.readPump()
	go s.waitExit()
}

// readPump reads data from the PTY fd and emits it to data subscribers.
// It runs until the PTY is closed or any read error occurs.
func (s *Session) readPump() {
	defer close(s.readDone)
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.scrollback.Write(chunk)
			s.emitter.EmitData(chunk)
		}
		if err != nil {
			return
		}
	}
}

// waitExit waits for the child process, lets the read pump drain and then
// reports the exit code. A killed session reports nothing.
func (s *Session) waitExit() {
	waitErr := s.cmd.Wait()

	select {
	case <-s.readDone:
	case <-time.After(drainTimeout):
	}

	code := 0
	if s.cmd.ProcessState != nil {
		code = s.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		code = -1
	}

	s.mu.Lock()
	s.closed = true
	s.exitCode = code
	s.mu.Unlock()

	_ = s.ptmx.Close()
	s.emitter.EmitExit(terminal.ExitEvent{Code: code, Err: waitErr})
	close(s.exited)
}

// TerminalID returns the client identity the session was spawned under.
func (s *Session) TerminalID() string { return s.terminalID }

// SessionID is always empty; local sessions have no remote identity.
func (s *Session) SessionID() string { return "" }

// Kind reports the local backend.
func (s *Session) Kind() terminal.BackendKind { return terminal.BackendLocal }

// OnData subscribes to output.
func (s *Session) OnData(fn func([]byte)) func() { return s.emitter.OnData(fn) }

// OnExit subscribes to process exit.
func (s *Session) OnExit(fn func(terminal.ExitEvent)) func() { return s.emitter.OnExit(fn) }

// Scrollback returns recent output, oldest first.
func (s *Session) Scrollback() []byte { return s.scrollback.Bytes() }

// Done is closed once the process has exited and been reaped.
func (s *Session) Done() <-chan struct{} { return s.exited }

// Write sends data to the PTY (and therefore to the child process's stdin).
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	_, err := s.ptmx.Write(data)
	return err
}

// Resize changes the PTY window size.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("pty: invalid size %dx%d", cols, rows)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	if err := creackpty.Setsize(s.ptmx, &creackpty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	}); err != nil {
		return err
	}

	s.cols = uint16(cols)
	s.rows = uint16(rows)
	return nil
}

// Kill terminates the child process (SIGTERM) and closes the PTY fd.
// Subscribers receive nothing afterwards. Calling Kill again is a no-op.
func (s *Session) Kill() error {
	var err error
	s.closeOnce.Do(func() {
		s.emitter.Silence()

		s.mu.Lock()
		alreadyExited := s.closed
		s.closed = true
		s.mu.Unlock()
		if alreadyExited {
			return
		}

		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
		}

		if cerr := s.ptmx.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) {
			err = cerr
		}
	})
	return err
}

// IsClosed reports whether the session has exited or been killed.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		TerminalID: s.terminalID,
		Command:    append([]string(nil), s.argv...),
		Active:     !s.closed,
		Cols:       int(s.cols),
		Rows:       int(s.rows),
		CreatedAt:  s.createdAt,
	}
}
