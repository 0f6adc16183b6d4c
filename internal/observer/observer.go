// Package observer provides a small callback registry with stable,
// token-based unsubscribe handles.
package observer

import "sync"

// List holds subscribers for values of type T. Subscribers are invoked in
// registration order, outside the list's lock.
type List[T any] struct {
	mu     sync.Mutex
	next   uint64
	tokens []uint64
	subs   map[uint64]func(T)
}

// Add registers fn and returns a function that removes it. The returned
// function is safe to call more than once.
func (l *List[T]) Add(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	if l.subs == nil {
		l.subs = make(map[uint64]func(T))
	}
	l.next++
	token := l.next
	l.subs[token] = fn
	l.tokens = append(l.tokens, token)
	l.mu.Unlock()

	return func() { l.remove(token) }
}

func (l *List[T]) remove(token uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[token]; !ok {
		return
	}
	delete(l.subs, token)
	for i, t := range l.tokens {
		if t == token {
			l.tokens = append(l.tokens[:i], l.tokens[i+1:]...)
			break
		}
	}
}

// Notify calls every current subscriber with v.
func (l *List[T]) Notify(v T) {
	for _, fn := range l.snapshot() {
		fn(v)
	}
}

// Len reports the number of registered subscribers.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tokens)
}

// Clear removes every subscriber.
func (l *List[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = nil
	l.subs = nil
}

func (l *List[T]) snapshot() []func(T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fns := make([]func(T), 0, len(l.tokens))
	for _, t := range l.tokens {
		fns = append(fns, l.subs[t])
	}
	return fns
}
