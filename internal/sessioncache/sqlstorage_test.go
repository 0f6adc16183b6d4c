package sessioncache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/user/termlink/internal/db"
)

func TestSQLStorageBackedCache(t *testing.T) {
	database, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	storage := NewSQLStorage(db.NewKVRepo(database.SQL()))
	c, _ := newTestCache(t, storage)

	if err := c.Save("t1", "abc"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got, ok := c.Lookup("t1"); !ok || got != "abc" {
		t.Fatalf("Lookup = %q, %v", got, ok)
	}

	if err := storage.Set(StorageKey, []byte("\x00corrupt")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := c.Lookup("t1"); ok {
		t.Fatal("corrupted sqlite value should miss")
	}

	if err := c.Remove("t1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
}
