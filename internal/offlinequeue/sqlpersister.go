package offlinequeue

import (
	"context"

	"github.com/user/termlink/internal/db"
)

// SQLPersister stores the queue in the sqlite queued_actions table.
type SQLPersister struct {
	repo *db.ActionRepo
}

func NewSQLPersister(repo *db.ActionRepo) *SQLPersister {
	return &SQLPersister{repo: repo}
}

func (p *SQLPersister) Load(ctx context.Context) ([]Action, []Action, error) {
	stored, err := p.repo.List(ctx, "")
	if err != nil {
		return nil, nil, err
	}
	var pending, failed []Action
	for _, s := range stored {
		a := Action{
			ID:         s.ID,
			Kind:       s.Kind,
			Payload:    s.Payload,
			EnqueuedAt: s.EnqueuedAt,
			Attempts:   s.Attempts,
			LastError:  s.LastError,
		}
		if s.State == db.ActionStateFailed {
			failed = append(failed, a)
		} else {
			pending = append(pending, a)
		}
	}
	return pending, failed, nil
}

func (p *SQLPersister) Save(ctx context.Context, pending, failed []Action) error {
	all := make([]db.QueuedAction, 0, len(pending)+len(failed))
	for _, a := range pending {
		all = append(all, toStored(a, db.ActionStatePending))
	}
	for _, a := range failed {
		all = append(all, toStored(a, db.ActionStateFailed))
	}
	return p.repo.Replace(ctx, all)
}

func toStored(a Action, state string) db.QueuedAction {
	return db.QueuedAction{
		ID:         a.ID,
		Kind:       a.Kind,
		Payload:    a.Payload,
		State:      state,
		Attempts:   a.Attempts,
		LastError:  a.LastError,
		EnqueuedAt: a.EnqueuedAt,
	}
}
