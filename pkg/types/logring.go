package types

import "sync"

// DefaultLogRingCapacity bounds the recent-log buffer kept per master action.
const DefaultLogRingCapacity = 1000

// LogRing is a fixed-capacity ring buffer of log records. Oldest entries are
// dropped once the capacity is reached.
type LogRing struct {
	mu    sync.Mutex
	cap   int
	items []LogRecord
	start int
}

// NewLogRing creates a ring buffer with the given capacity
func NewLogRing(capacity int) *LogRing {
	if capacity <= 0 {
		capacity = DefaultLogRingCapacity
	}
	return &LogRing{cap: capacity}
}

// Append adds a record, evicting the oldest one when full
func (r *LogRing) Append(rec LogRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.items) < r.cap {
		r.items = append(r.items, rec)
		return
	}
	r.items[r.start] = rec
	r.start = (r.start + 1) % r.cap
}

// Snapshot returns the records in insertion order
func (r *LogRing) Snapshot() []LogRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]LogRecord, 0, len(r.items))
	out = append(out, r.items[r.start:]...)
	out = append(out, r.items[:r.start]...)
	return out
}

// Len returns the number of buffered records
func (r *LogRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
