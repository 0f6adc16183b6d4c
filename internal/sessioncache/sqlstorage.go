package sessioncache

import (
	"context"
	"time"

	"github.com/user/termlink/internal/db"
)

const sqlStorageTimeout = 5 * time.Second

// SQLStorage adapts the sqlite kv table to Storage.
type SQLStorage struct {
	repo *db.KVRepo
}

// NewSQLStorage returns Storage backed by repo.
func NewSQLStorage(repo *db.KVRepo) *SQLStorage {
	return &SQLStorage{repo: repo}
}

func (s *SQLStorage) Get(key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqlStorageTimeout)
	defer cancel()
	return s.repo.Get(ctx, key)
}

func (s *SQLStorage) Set(key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqlStorageTimeout)
	defer cancel()
	return s.repo.Set(ctx, key, value)
}

func (s *SQLStorage) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqlStorageTimeout)
	defer cancel()
	return s.repo.Delete(ctx, key)
}
