package audit

import "sync"

// Ring keeps the most recent records up to a fixed capacity. It is safe for
// concurrent use.
type Ring struct {
	mu    sync.RWMutex
	buf   []Record
	next  int
	count int
}

// NewRing returns a ring holding at most capacity records (minimum 1).
func NewRing(capacity int) *Ring {
	return &Ring{buf: make([]Record, max(capacity, 1))}
}

// Add stores r, overwriting the oldest record when full.
func (r *Ring) Add(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	r.count = min(r.count+1, len(r.buf))
}

// Recent returns up to n records, newest first.
func (r *Ring) Recent(n int) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n = min(n, r.count)
	if n <= 0 {
		return nil
	}
	out := make([]Record, n)
	size := len(r.buf)
	for i := range out {
		out[i] = r.buf[(r.next-1-i+size)%size]
	}
	return out
}

// Len reports how many records are held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap reports the ring capacity.
func (r *Ring) Cap() int { return len(r.buf) }
