package db

import (
	"context"
	"database/sql"
	"fmt"
)

// ActionRepo persists the offline action queue. The queue is small, so the
// whole pending and failed lists are written as one snapshot.
type ActionRepo struct {
	db *sql.DB
}

func NewActionRepo(db *sql.DB) *ActionRepo {
	return &ActionRepo{db: db}
}

// Replace stores actions as the complete queue contents, in order.
func (r *ActionRepo) Replace(ctx context.Context, actions []QueuedAction) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start queue transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queued_actions`); err != nil {
		return fmt.Errorf("failed to clear queued actions: %w", err)
	}
	for i, a := range actions {
		if a.ID == "" {
			return fmt.Errorf("queued action at position %d has no id", i)
		}
		state := a.State
		if state == "" {
			state = ActionStatePending
		}
		payload := string(a.Payload)
		if payload == "" {
			payload = "null"
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO queued_actions (id, seq, kind, payload, state, attempts, last_error, enqueued_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, a.ID, i, a.Kind, payload, state, a.Attempts, a.LastError, formatTimestamp(a.EnqueuedAt)); err != nil {
			return fmt.Errorf("failed to store queued action %q: %w", a.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queued actions: %w", err)
	}
	return nil
}

// List returns stored actions in queue order. An empty state matches all.
func (r *ActionRepo) List(ctx context.Context, state string) ([]QueuedAction, error) {
	query := `SELECT id, kind, payload, state, attempts, last_error, enqueued_at FROM queued_actions`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY seq ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued actions: %w", err)
	}
	defer rows.Close()

	actions := []QueuedAction{}
	for rows.Next() {
		var a QueuedAction
		var payload, enqueuedAtRaw string
		if err := rows.Scan(&a.ID, &a.Kind, &payload, &a.State, &a.Attempts, &a.LastError, &enqueuedAtRaw); err != nil {
			return nil, fmt.Errorf("failed to scan queued action: %w", err)
		}
		a.Payload = []byte(payload)
		a.EnqueuedAt, err = parseTimestamp(enqueuedAtRaw)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating queued actions: %w", err)
	}
	return actions, nil
}
