package offlinequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/user/termlink/internal/connstate"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	fail  func(a Action) error
}

func (f *fakeExecutor) Execute(_ context.Context, a Action) error {
	f.mu.Lock()
	f.calls = append(f.calls, a.Kind)
	f.mu.Unlock()
	if f.fail != nil {
		return f.fail(a)
	}
	return nil
}

func (f *fakeExecutor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestQueue(exec Executor, opts ...Option) *Queue {
	base := []Option{WithMaxAttempts(3), WithRetryDelay(time.Millisecond)}
	return New(exec, append(base, opts...)...)
}

func TestDrainPartialFailureKeepsOrder(t *testing.T) {
	const n, bad = 5, 2
	exec := &fakeExecutor{fail: func(a Action) error {
		if a.Kind == fmt.Sprintf("a%d", bad) {
			return errors.New("server said no")
		}
		return nil
	}}
	q := newTestQueue(exec)
	for i := 0; i < n; i++ {
		if _, err := q.Enqueue(fmt.Sprintf("a%d", i), map[string]int{"i": i}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	res := q.Drain(context.Background())
	if res.Synced != n-1 || res.Failed != 1 {
		t.Fatalf("Drain() = %+v, want %d synced and 1 failed", res, n-1)
	}
	want := []string{"a0", "a1", "a2", "a2", "a2", "a3", "a4"}
	got := exec.Calls()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
	failed := q.Failed()
	if len(failed) != 1 || failed[0].Kind != "a2" || failed[0].Attempts != 3 || failed[0].LastError == "" {
		t.Fatalf("Failed() = %+v", failed)
	}
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	exec := &fakeExecutor{fail: func(Action) error {
		return backoff.Permanent(errors.New("bad request"))
	}}
	q := newTestQueue(exec)
	q.Enqueue("rename", nil)

	res := q.Drain(context.Background())
	if res.Failed != 1 || len(exec.Calls()) != 1 {
		t.Fatalf("Drain() = %+v after %d calls, want one failed after one call", res, len(exec.Calls()))
	}
}

func TestQueuedWhileOfflineDrainsOnConnect(t *testing.T) {
	store := connstate.NewStore(connstate.DefaultPolicy())
	exec := &fakeExecutor{}
	q := newTestQueue(exec)

	drained := make(chan SyncResult, 4)
	q.OnDrained(func(r SyncResult) { drained <- r })
	stop := q.Watch(context.Background(), store)
	defer stop()

	store.Dispatch(connstate.Event{Kind: connstate.EventNetworkOffline})
	for _, kind := range []string{"first", "second"} {
		queued, err := q.Submit(context.Background(), kind, nil)
		if err != nil || !queued {
			t.Fatalf("Submit(%s) = %v, %v; want queued", kind, queued, err)
		}
	}
	if len(exec.Calls()) != 0 {
		t.Fatalf("executed while offline: %v", exec.Calls())
	}

	store.Dispatch(connstate.Event{Kind: connstate.EventNetworkOnline})
	store.Dispatch(connstate.Event{Kind: connstate.EventConnected})

	select {
	case res := <-drained:
		if res.Synced != 2 || res.Failed != 0 {
			t.Fatalf("drain = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queue not drained after connect")
	}
	if got := exec.Calls(); len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("calls = %v, want first then second", got)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
}

func TestSubmitWhileConnectedExecutesDirectly(t *testing.T) {
	store := connstate.NewStore(connstate.DefaultPolicy())
	store.Dispatch(connstate.Event{Kind: connstate.EventConnected})
	exec := &fakeExecutor{}
	q := newTestQueue(exec)
	defer q.Watch(context.Background(), store)()

	queued, err := q.Submit(context.Background(), "close", map[string]string{"id": "w1"})
	if err != nil || queued {
		t.Fatalf("Submit = %v, %v; want executed", queued, err)
	}
	if len(exec.Calls()) != 1 || q.Len() != 0 {
		t.Fatalf("calls = %v, Len() = %d", exec.Calls(), q.Len())
	}

	exec.fail = func(Action) error { return errors.New("503") }
	queued, err = q.Submit(context.Background(), "close", nil)
	if err != nil || !queued {
		t.Fatalf("Submit after failure = %v, %v; want queued", queued, err)
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
}

func TestSubmitQueuesBehindPendingActions(t *testing.T) {
	store := connstate.NewStore(connstate.DefaultPolicy())
	exec := &fakeExecutor{}
	q := newTestQueue(exec)
	if _, err := q.Enqueue("first", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	store.Dispatch(connstate.Event{Kind: connstate.EventConnected})
	defer q.Watch(context.Background(), store)()

	queued, err := q.Submit(context.Background(), "second", nil)
	if err != nil || !queued {
		t.Fatalf("Submit = %v, %v; want queued behind the pending action", queued, err)
	}
	q.Drain(context.Background())

	if got := exec.Calls(); fmt.Sprint(got) != fmt.Sprint([]string{"first", "second"}) {
		t.Fatalf("calls = %v, want [first second]", got)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
}

func TestSubmitDuringDrainIsQueued(t *testing.T) {
	store := connstate.NewStore(connstate.DefaultPolicy())
	store.Dispatch(connstate.Event{Kind: connstate.EventConnected})
	started := make(chan struct{})
	release := make(chan struct{})
	exec := &fakeExecutor{fail: func(a Action) error {
		if a.Kind == "slow" {
			close(started)
			<-release
		}
		return nil
	}}
	q := newTestQueue(exec)
	defer q.Watch(context.Background(), store)()
	q.Enqueue("slow", nil)

	done := make(chan SyncResult, 1)
	go func() { done <- q.Drain(context.Background()) }()
	<-started

	queued, err := q.Submit(context.Background(), "next", nil)
	if err != nil || !queued {
		t.Fatalf("Submit during drain = %v, %v; want queued", queued, err)
	}
	close(release)
	<-done
	q.Drain(context.Background())

	if got := exec.Calls(); fmt.Sprint(got) != fmt.Sprint([]string{"slow", "next"}) {
		t.Fatalf("calls = %v, want [slow next]", got)
	}
}

func TestDrainSkipsActionDiscardedWhileRunning(t *testing.T) {
	var q *Queue
	exec := &fakeExecutor{fail: func(a Action) error {
		if err := q.Discard(a.ID); err != nil {
			t.Errorf("Discard: %v", err)
		}
		return errors.New("down")
	}}
	q = newTestQueue(exec, WithMaxAttempts(1))
	q.Enqueue("gone", nil)

	res := q.Drain(context.Background())
	if res.Failed != 0 || res.Synced != 0 {
		t.Fatalf("Drain() = %+v, want the discarded action uncounted", res)
	}
	if q.Len() != 0 || q.FailedLen() != 0 {
		t.Fatalf("Len = %d, FailedLen = %d, want both empty", q.Len(), q.FailedLen())
	}
}

func TestRetryFailedAndDiscard(t *testing.T) {
	exec := &fakeExecutor{fail: func(Action) error { return errors.New("down") }}
	q := newTestQueue(exec, WithMaxAttempts(1))
	a, _ := q.Enqueue("a", nil)
	b, _ := q.Enqueue("b", nil)
	q.Drain(context.Background())
	if q.FailedLen() != 2 {
		t.Fatalf("FailedLen() = %d, want 2", q.FailedLen())
	}

	if err := q.RetryFailed(a.ID); err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if p := q.Pending(); len(p) != 1 || p[0].ID != a.ID || p[0].Attempts != 0 {
		t.Fatalf("Pending() = %+v", p)
	}
	if err := q.Discard(b.ID); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if err := q.Discard(b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Discard error = %v, want ErrNotFound", err)
	}
	if err := q.RetryFailed("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RetryFailed(nope) error = %v, want ErrNotFound", err)
	}

	exec.fail = nil
	if res := q.Drain(context.Background()); res.Synced != 1 {
		t.Fatalf("Drain() = %+v", res)
	}
	if q.Len() != 0 || q.FailedLen() != 0 {
		t.Fatalf("Len = %d, FailedLen = %d", q.Len(), q.FailedLen())
	}
}

func TestDrainStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := &fakeExecutor{fail: func(Action) error {
		cancel()
		return errors.New("interrupted")
	}}
	q := newTestQueue(exec)
	q.Enqueue("a", nil)
	q.Enqueue("b", nil)

	res := q.Drain(ctx)
	if res.Synced != 0 || res.Failed != 0 {
		t.Fatalf("Drain() = %+v, want nothing settled", res)
	}
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want both actions still pending", q.Len())
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := newTestQueue(&fakeExecutor{})
	if _, err := q.Enqueue("", nil); err == nil {
		t.Fatal("Enqueue with empty kind error = nil")
	}
	if _, err := q.Enqueue("x", make(chan int)); err == nil {
		t.Fatal("Enqueue with unencodable payload error = nil")
	}
	a, err := q.Enqueue("x", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if string(a.Payload) != "null" || a.ID == "" || a.EnqueuedAt.IsZero() {
		t.Fatalf("action = %+v", a)
	}
}
