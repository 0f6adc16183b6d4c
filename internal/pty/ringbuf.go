package pty

import "sync"

const scrollbackSize = 256 * 1024

// ringBuf is a fixed-size circular buffer for recent terminal output.
type ringBuf struct {
	mu   sync.Mutex
	data []byte
	pos  int
	full bool
	cap  int
}

func newRingBuf(capacity int) *ringBuf {
	return &ringBuf{data: make([]byte, capacity), cap: capacity}
}

// Write appends p to the ring buffer, overwriting oldest data when full.
func (r *ringBuf) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(p) >= r.cap {
		copy(r.data, p[len(p)-r.cap:])
		r.pos = 0
		r.full = true
		return
	}
	for _, b := range p {
		r.data[r.pos] = b
		r.pos = (r.pos + 1) % r.cap
		if r.pos == 0 {
			r.full = true
		}
	}
}

// Bytes returns a copy of the buffered data in chronological order.
func (r *ringBuf) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]byte(nil), r.data[:r.pos]...)
	}
	result := make([]byte, r.cap)
	copy(result, r.data[r.pos:])
	copy(result[r.cap-r.pos:], r.data[:r.pos])
	return result
}
