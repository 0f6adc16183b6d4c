// Package sessioncache remembers, per terminal, the last remote session id
// so a reconnecting client can resume instead of starting over.
package sessioncache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// TTL matches the server's retention window for detached sessions.
// Resuming after it has passed would target a discarded session.
const TTL = 10 * time.Minute

// StorageKey is the key the whole record is stored under.
const StorageKey = "termlink.pty-sessions"

// Storage is a client-local key/value store.
type Storage interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// Entry is one persisted record.
type Entry struct {
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

// Time returns the entry timestamp.
func (e Entry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Cache maps terminal ids to their last known remote session.
type Cache struct {
	storage Storage
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a cache over storage.
func New(storage Storage, opts ...Option) *Cache {
	c := &Cache{
		storage: storage,
		ttl:     TTL,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the cached session id for terminalID. Expired entries
// read as absent and are removed.
func (c *Cache) Lookup(terminalID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record := c.load()
	entry, ok := record[terminalID]
	if !ok {
		return "", false
	}
	if c.expired(entry) {
		delete(record, terminalID)
		c.logger.Debug("session cache entry expired", "terminal_id", terminalID, "session_id", entry.SessionID)
		c.store(record)
		return "", false
	}
	return entry.SessionID, true
}

// Save upserts terminalID -> sessionID with the current time.
func (c *Cache) Save(terminalID, sessionID string) error {
	if terminalID == "" || sessionID == "" {
		return fmt.Errorf("session cache: terminal id and session id are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	record := c.load()
	record[terminalID] = Entry{SessionID: sessionID, Timestamp: c.now().UnixMilli()}
	return c.store(record)
}

// Remove deletes the entry for terminalID.
func (c *Cache) Remove(terminalID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	record := c.load()
	if _, ok := record[terminalID]; !ok {
		return nil
	}
	delete(record, terminalID)
	return c.store(record)
}

// EntryInfo is a listing row.
type EntryInfo struct {
	TerminalID string
	Entry
	Expired bool
}

// Entries lists every stored entry, including expired ones, sorted by
// terminal id.
func (c *Cache) Entries() []EntryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	record := c.load()
	out := make([]EntryInfo, 0, len(record))
	for id, e := range record {
		out = append(out, EntryInfo{TerminalID: id, Entry: e, Expired: c.expired(e)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TerminalID < out[j].TerminalID })
	return out
}

// Purge removes every expired entry and returns how many were removed.
func (c *Cache) Purge() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record := c.load()
	removed := 0
	for id, e := range record {
		if c.expired(e) {
			delete(record, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, c.store(record)
}

// Clear drops the whole record.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storage.Delete(StorageKey)
}

func (c *Cache) expired(e Entry) bool {
	return c.now().Sub(e.Time()) > c.ttl
}

// load never fails: unreadable or corrupt content is a cache miss.
func (c *Cache) load() map[string]Entry {
	record := make(map[string]Entry)
	raw, ok, err := c.storage.Get(StorageKey)
	if err != nil {
		c.logger.Warn("session cache read failed", "error", err)
		return record
	}
	if !ok || len(raw) == 0 {
		return record
	}
	if err := json.Unmarshal(raw, &record); err != nil {
		c.logger.Warn("session cache corrupted, ignoring", "error", err)
		return make(map[string]Entry)
	}
	for id, e := range record {
		if e.SessionID == "" {
			delete(record, id)
		}
	}
	return record
}

func (c *Cache) store(record map[string]Entry) error {
	if len(record) == 0 {
		if err := c.storage.Delete(StorageKey); err != nil {
			c.logger.Warn("session cache delete failed", "error", err)
			return err
		}
		return nil
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode session cache: %w", err)
	}
	if err := c.storage.Set(StorageKey, raw); err != nil {
		c.logger.Warn("session cache write failed", "error", err)
		return err
	}
	return nil
}
