package pty

import (
	"testing"
	"time"

	"github.com/user/termlink/internal/terminal"
)

func TestManagerSpawnAndKill(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	if _, err := m.Spawn("s1", terminal.Options{Command: "sleep 10"}, 80, 24); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	infos := m.ListSessions()
	if len(infos) != 1 {
		t.Fatalf("expected 1 session, got %d", len(infos))
	}
	if infos[0].TerminalID != "s1" || !infos[0].Active {
		t.Errorf("info = %+v", infos[0])
	}
	if len(infos[0].Command) != 2 || infos[0].Command[0] != "sleep" {
		t.Errorf("command = %v", infos[0].Command)
	}

	if err := m.Kill("s1"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if n := len(m.ListSessions()); n != 0 {
		t.Fatalf("expected 0 sessions after kill, got %d", n)
	}
	if err := m.Kill("s1"); err == nil {
		t.Fatal("Kill of unknown session error = nil")
	}
}

func TestManagerDuplicateSession(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	if _, err := m.Spawn("dup", terminal.Options{Command: "sleep 10"}, 0, 0); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := m.Spawn("dup", terminal.Options{Command: "sleep 10"}, 0, 0); err == nil {
		t.Fatal("expected error when spawning duplicate session, got nil")
	}
}

func TestManagerGetSession(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	if _, err := m.GetSession("nope"); err == nil {
		t.Fatal("expected error for nonexistent session, got nil")
	}

	created, err := m.Spawn("g1", terminal.Options{Command: "sleep 10"}, 0, 0)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	got, err := m.GetSession("g1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got != created {
		t.Error("GetSession returned a different session")
	}
}

func TestManagerForgetsExitedSessions(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	s, err := m.Spawn("short", terminal.Options{Command: "true"}, 0, 0)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
	if _, err := m.GetSession("short"); err == nil {
		t.Fatal("exited session still tracked")
	}
}

func TestManagerRejectsEmptyID(t *testing.T) {
	m := NewManager(nil)
	if _, err := m.Spawn("", terminal.Options{}, 0, 0); err == nil {
		t.Fatal("Spawn with empty id error = nil")
	}
}
