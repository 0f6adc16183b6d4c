// Package terminal defines the backend-agnostic PTY contract shared by the
// local process backend and the remote socket transport.
package terminal

import (
	"sync"

	"github.com/user/termlink/internal/observer"
)

// BackendKind is fixed when a terminal is created.
type BackendKind string

const (
	BackendLocal  BackendKind = "local"
	BackendRemote BackendKind = "remote"
)

// ExitEvent reports the end of a terminal's process.
type ExitEvent struct {
	Code int
	Err  error
}

// PTY is what renderers talk to. Callers only branch on the backend kind
// at creation time.
type PTY interface {
	TerminalID() string
	SessionID() string
	Kind() BackendKind
	Write(data []byte) error
	OnData(fn func([]byte)) (unsubscribe func())
	OnExit(fn func(ExitEvent)) (unsubscribe func())
	Resize(cols, rows int) error
	Kill() error
}

// Options select and configure a backend.
type Options struct {
	Kind    BackendKind
	Command string
	Cwd     string
	Env     []string
}

// holdLimit caps output held for a terminal nobody has subscribed to yet.
const holdLimit = 1 << 20

// Emitter fans out data and exit notifications. Exit fires at most once.
// Output emitted before the first data subscriber is held and handed to
// that subscriber, and an exit that already happened is reported to late
// exit subscribers.
type Emitter struct {
	data observer.List[[]byte]
	exit observer.List[ExitEvent]

	mu       sync.Mutex
	exited   bool
	exitEv   *ExitEvent
	attached bool
	held     [][]byte
	heldSize int
}

// OnData registers a data subscriber. Subscribers must not subscribe
// from inside a callback.
func (e *Emitter) OnData(fn func([]byte)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	unsub := e.data.Add(fn)
	if !e.attached {
		e.attached = true
		for _, p := range e.held {
			fn(p)
		}
		e.held, e.heldSize = nil, 0
	}
	return unsub
}

// OnExit registers an exit subscriber.
func (e *Emitter) OnExit(fn func(ExitEvent)) func() {
	e.mu.Lock()
	if e.exitEv != nil {
		ev := *e.exitEv
		e.mu.Unlock()
		fn(ev)
		return func() {}
	}
	defer e.mu.Unlock()
	return e.exit.Add(fn)
}

// EmitData delivers p to every data subscriber, unless exit already fired.
func (e *Emitter) EmitData(p []byte) {
	if len(p) == 0 {
		return
	}
	e.mu.Lock()
	if e.exited {
		e.mu.Unlock()
		return
	}
	if !e.attached {
		e.hold(p)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.data.Notify(p)
}

func (e *Emitter) hold(p []byte) {
	e.held = append(e.held, append([]byte(nil), p...))
	e.heldSize += len(p)
	for e.heldSize > holdLimit && len(e.held) > 1 {
		e.heldSize -= len(e.held[0])
		e.held = e.held[1:]
	}
}

// EmitExit delivers ev once and reports whether it was delivered.
func (e *Emitter) EmitExit(ev ExitEvent) bool {
	e.mu.Lock()
	if e.exited {
		e.mu.Unlock()
		return false
	}
	e.exited = true
	e.exitEv = &ev
	e.mu.Unlock()
	e.exit.Notify(ev)
	return true
}

// Silence marks the emitter exited without notifying anyone. Used by kill,
// after which no callback may fire.
func (e *Emitter) Silence() {
	e.mu.Lock()
	e.exited = true
	e.held, e.heldSize = nil, 0
	e.mu.Unlock()
}

// Exited reports whether exit fired or the emitter was silenced.
func (e *Emitter) Exited() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exited
}
