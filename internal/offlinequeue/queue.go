// Package offlinequeue defers server writes made while the connection is
// down and replays them, in order, once it is back.
package offlinequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/user/termlink/internal/connstate"
	"github.com/user/termlink/internal/observer"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 500 * time.Millisecond
	maxRetryDelay      = 10 * time.Second
	persistTimeout     = 5 * time.Second
)

// ErrNotFound is returned when an action id is in neither list.
var ErrNotFound = errors.New("offlinequeue: action not found")

// Action is one deferred write.
type Action struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
}

// SyncResult counts the outcome of one drain.
type SyncResult struct {
	Synced int
	Failed int
}

// Executor performs an action against the server. Wrap an error with
// backoff.Permanent to skip the remaining retries.
type Executor interface {
	Execute(ctx context.Context, a Action) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, a Action) error

func (f ExecutorFunc) Execute(ctx context.Context, a Action) error { return f(ctx, a) }

// Persister stores both lists so queued work survives restarts.
type Persister interface {
	Load(ctx context.Context) (pending, failed []Action, err error)
	Save(ctx context.Context, pending, failed []Action) error
}

// StateSource is the connection state the queue follows.
type StateSource interface {
	Status() connstate.Status
	Subscribe(fn func(connstate.State)) (unsubscribe func())
}

type Option func(*Queue)

// WithMaxAttempts sets how often one action is tried per drain.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the first delay between attempts; it doubles after
// every failure.
func WithRetryDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.retryDelay = d
		}
	}
}

func WithPersister(p Persister) Option {
	return func(q *Queue) { q.persister = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// Queue holds a FIFO pending list and a failed list.
type Queue struct {
	exec        Executor
	persister   Persister
	logger      *slog.Logger
	maxAttempts int
	retryDelay  time.Duration
	now         func() time.Time

	drainMu sync.Mutex
	drained observer.List[SyncResult]

	mu      sync.Mutex
	pending []Action
	failed  []Action
	status  func() connstate.Status
}

// New returns an empty queue that executes actions with exec.
func New(exec Executor, opts ...Option) *Queue {
	q := &Queue{
		exec:        exec,
		logger:      slog.Default(),
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Restore replaces the in-memory lists with the persisted ones.
func (q *Queue) Restore(ctx context.Context) error {
	if q.persister == nil {
		return nil
	}
	pending, failed, err := q.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}
	q.mu.Lock()
	q.pending = pending
	q.failed = failed
	q.mu.Unlock()
	q.logger.Info("offline queue restored", "pending", len(pending), "failed", len(failed))
	return nil
}

// Enqueue appends an action to the pending list.
func (q *Queue) Enqueue(kind string, payload any) (Action, error) {
	if kind == "" {
		return Action{}, fmt.Errorf("offlinequeue: action kind is required")
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return Action{}, err
	}
	a := Action{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: q.now().UTC(),
	}
	q.mu.Lock()
	q.pending = append(q.pending, a)
	n := len(q.pending)
	q.mu.Unlock()

	q.logger.Info("action queued", "action_id", a.ID, "kind", kind, "pending", n)
	q.persist()
	return a, nil
}

// Submit executes the action right away while connected and nothing is
// pending or draining. Otherwise, or when the direct attempt fails, it is
// queued behind the older actions and a drain is started if connected.
// queued reports which happened.
func (q *Queue) Submit(ctx context.Context, kind string, payload any) (queued bool, err error) {
	if kind == "" {
		return false, fmt.Errorf("offlinequeue: action kind is required")
	}
	if q.connected() && q.drainMu.TryLock() {
		if q.Len() == 0 {
			raw, err := encodePayload(payload)
			if err != nil {
				q.drainMu.Unlock()
				return false, err
			}
			a := Action{ID: uuid.NewString(), Kind: kind, Payload: raw, EnqueuedAt: q.now().UTC(), Attempts: 1}
			execErr := q.exec.Execute(ctx, a)
			q.drainMu.Unlock()
			if execErr == nil {
				return false, nil
			}
			q.logger.Warn("direct action failed, queueing", "kind", kind, "error", execErr)
			if _, err := q.Enqueue(kind, payload); err != nil {
				return false, err
			}
			return true, nil
		}
		q.drainMu.Unlock()
	}
	if _, err := q.Enqueue(kind, payload); err != nil {
		return false, err
	}
	if q.connected() {
		go q.Drain(context.WithoutCancel(ctx))
	}
	return true, nil
}

// Drain executes pending actions in order. Each action gets up to the
// configured attempts with backoff; an action that still fails moves to the
// failed list and the rest continue. Concurrent calls run one at a time.
func (q *Queue) Drain(ctx context.Context) SyncResult {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var res SyncResult
	for ctx.Err() == nil {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			break
		}
		a := q.pending[0]
		q.mu.Unlock()

		attempts, err := q.execute(ctx, a)
		if err != nil && ctx.Err() != nil {
			break
		}

		a.Attempts += attempts
		q.mu.Lock()
		_, stillPending := q.removeLocked(&q.pending, a.ID)
		if stillPending && err != nil {
			a.LastError = err.Error()
			q.failed = append(q.failed, a)
		}
		q.mu.Unlock()

		if !stillPending {
			q.logger.Info("queued action discarded while running", "action_id", a.ID, "kind", a.Kind)
			continue
		}
		if err != nil {
			res.Failed++
			q.logger.Warn("queued action failed", "action_id", a.ID, "kind", a.Kind, "attempts", a.Attempts, "error", err)
		} else {
			res.Synced++
		}
		q.persist()
	}

	if res.Synced > 0 || res.Failed > 0 {
		q.logger.Info("offline queue drained", "synced", res.Synced, "failed", res.Failed)
	}
	q.drained.Notify(res)
	return res
}

// OnDrained registers fn to run after every drain.
func (q *Queue) OnDrained(fn func(SyncResult)) (unsubscribe func()) {
	return q.drained.Add(fn)
}

// Watch drains the queue whenever src moves into connected from any other
// status. Only one drain runs at a time. Submit consults src from now on.
func (q *Queue) Watch(ctx context.Context, src StateSource) (stop func()) {
	var mu sync.Mutex
	last := src.Status()

	q.mu.Lock()
	q.status = src.Status
	q.mu.Unlock()

	return src.Subscribe(func(st connstate.State) {
		mu.Lock()
		prev := last
		last = st.Status
		mu.Unlock()

		if st.Status != connstate.StatusConnected || prev == connstate.StatusConnected {
			return
		}
		go q.Drain(ctx)
	})
}

// Pending returns a copy of the pending list.
func (q *Queue) Pending() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Action(nil), q.pending...)
}

// Failed returns a copy of the failed list.
func (q *Queue) Failed() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Action(nil), q.failed...)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) FailedLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.failed)
}

// RetryFailed moves a failed action back to the end of the pending list.
func (q *Queue) RetryFailed(id string) error {
	q.mu.Lock()
	a, ok := q.removeLocked(&q.failed, id)
	if ok {
		a.Attempts = 0
		a.LastError = ""
		q.pending = append(q.pending, a)
	}
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	q.persist()
	return nil
}

// Discard drops an action from either list.
func (q *Queue) Discard(id string) error {
	q.mu.Lock()
	_, ok := q.removeLocked(&q.pending, id)
	if !ok {
		_, ok = q.removeLocked(&q.failed, id)
	}
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	q.persist()
	return nil
}

func (q *Queue) connected() bool {
	q.mu.Lock()
	status := q.status
	q.mu.Unlock()
	return status != nil && status() == connstate.StatusConnected
}

// execute runs one action with retries and returns the attempts made.
func (q *Queue) execute(ctx context.Context, a Action) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.retryDelay
	b.MaxInterval = maxRetryDelay
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := 0
	op := func() error {
		attempts++
		return q.exec.Execute(ctx, a)
	}
	notify := func(err error, next time.Duration) {
		q.logger.Debug("queued action attempt failed", "action_id", a.ID, "attempt", attempts, "retry_in", next, "error", err)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(q.maxAttempts-1)), ctx)
	err := backoff.RetryNotify(op, policy, notify)
	return attempts, err
}

func (q *Queue) removeLocked(list *[]Action, id string) (Action, bool) {
	for i, a := range *list {
		if a.ID == id {
			*list = append((*list)[:i:i], (*list)[i+1:]...)
			return a, true
		}
	}
	return Action{}, false
}

func (q *Queue) persist() {
	if q.persister == nil {
		return
	}
	pending, failed := q.Pending(), q.Failed()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := q.persister.Save(ctx, pending, failed); err != nil {
		q.logger.Error("failed to persist offline queue", "error", err)
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("offlinequeue: payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("offlinequeue: encode payload: %w", err)
		}
		return raw, nil
	}
}
