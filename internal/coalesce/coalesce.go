// Package coalesce batches bursts of per-key updates into one flush per
// interval.
package coalesce

import (
	"sync"
	"time"
)

// Coalescer merges values added under the same key until the key's timer
// fires, then hands the merged value to the flush callback.
type Coalescer[T any] struct {
	mu       sync.Mutex
	pending  map[string]*pendingValue[T]
	interval time.Duration
	merge    func(prev, next T) T
	onFlush  func(key string, v T)
}

type pendingValue[T any] struct {
	value T
	timer *time.Timer
}

// New returns a Coalescer. A nil merge keeps the latest value.
func New[T any](interval time.Duration, merge func(prev, next T) T, onFlush func(key string, v T)) *Coalescer[T] {
	if merge == nil {
		merge = func(_, next T) T { return next }
	}
	return &Coalescer[T]{
		pending:  make(map[string]*pendingValue[T]),
		interval: interval,
		merge:    merge,
		onFlush:  onFlush,
	}
}

// Add records v under key. The first Add for a key starts its timer.
func (c *Coalescer[T]) Add(key string, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, exists := c.pending[key]
	if !exists {
		p = &pendingValue[T]{value: v}
		c.pending[key] = p
		p.timer = time.AfterFunc(c.interval, func() {
			c.flushKey(key)
		})
		return
	}
	p.value = c.merge(p.value, v)
}

func (c *Coalescer[T]) flushKey(key string) {
	c.mu.Lock()
	p, exists := c.pending[key]
	if !exists {
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	c.mu.Unlock()

	p.timer.Stop()
	if c.onFlush != nil {
		c.onFlush(key, p.value)
	}
}

// FlushAll flushes every pending key now.
func (c *Coalescer[T]) FlushAll() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.pending))
	for k := range c.pending {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	for _, k := range keys {
		c.flushKey(k)
	}
}

// Stop drops pending values without flushing them.
func (c *Coalescer[T]) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, k)
	}
}
