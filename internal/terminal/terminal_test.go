package terminal

import "testing"

func TestEmitterMultipleSubscribers(t *testing.T) {
	var e Emitter
	var a, b []string
	unsubA := e.OnData(func(p []byte) { a = append(a, string(p)) })
	e.OnData(func(p []byte) { b = append(b, string(p)) })

	e.EmitData([]byte("one"))
	unsubA()
	e.EmitData([]byte("two"))
	e.EmitData(nil)

	if len(a) != 1 || a[0] != "one" {
		t.Fatalf("a = %v", a)
	}
	if len(b) != 2 || b[1] != "two" {
		t.Fatalf("b = %v", b)
	}
}

func TestEmitterExitOnce(t *testing.T) {
	var e Emitter
	var codes []int
	e.OnExit(func(ev ExitEvent) { codes = append(codes, ev.Code) })

	if !e.EmitExit(ExitEvent{Code: 1}) {
		t.Fatal("first EmitExit should deliver")
	}
	if e.EmitExit(ExitEvent{Code: 0}) {
		t.Fatal("second EmitExit should not deliver")
	}
	if len(codes) != 1 || codes[0] != 1 {
		t.Fatalf("codes = %v", codes)
	}

	got := 0
	e.OnData(func([]byte) { got++ })
	e.EmitData([]byte("late"))
	if got != 0 {
		t.Fatal("data delivered after exit")
	}
}

func TestEmitterSilence(t *testing.T) {
	var e Emitter
	fired := false
	e.OnExit(func(ExitEvent) { fired = true })
	e.Silence()
	if e.EmitExit(ExitEvent{}) || fired {
		t.Fatal("exit delivered after Silence")
	}
	if !e.Exited() {
		t.Fatal("Exited() = false after Silence")
	}
}

func TestEmitterHoldsOutputForFirstSubscriber(t *testing.T) {
	var e Emitter
	e.EmitData([]byte("a"))
	e.EmitData([]byte("b"))

	var first, second []string
	e.OnData(func(p []byte) { first = append(first, string(p)) })
	e.OnData(func(p []byte) { second = append(second, string(p)) })
	e.EmitData([]byte("c"))

	if len(first) != 3 || first[0] != "a" || first[1] != "b" || first[2] != "c" {
		t.Fatalf("first = %v, want held output then live", first)
	}
	if len(second) != 1 || second[0] != "c" {
		t.Fatalf("second = %v, want live output only", second)
	}
}

func TestEmitterLateExitSubscriber(t *testing.T) {
	var e Emitter
	e.EmitExit(ExitEvent{Code: 7})

	got := -1
	unsub := e.OnExit(func(ev ExitEvent) { got = ev.Code })
	unsub()
	if got != 7 {
		t.Fatalf("late subscriber got %d, want 7", got)
	}

	var silenced Emitter
	silenced.Silence()
	fired := false
	silenced.OnExit(func(ExitEvent) { fired = true })
	if fired {
		t.Fatal("late subscriber notified after Silence")
	}
}
