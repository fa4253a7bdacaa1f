// Package eventlog implements the bounded, deduplicated visit log.
package eventlog

import (
	"carbonscope/internal/records"
)

// DefaultCapacity bounds the log when no explicit capacity is configured.
const DefaultCapacity = 10000

// AppendResult reports the outcome of an append.
type AppendResult int

const (
	Accepted AppendResult = iota
	Duplicate
)

func (r AppendResult) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "accepted"
}

// EvictFunc observes capacity evictions for diagnostics. Eviction is a pure
// capacity action and never touches aggregate state.
type EvictFunc func(rec records.VisitRecord)

// Log is an append-only, capacity-bounded visit log with FIFO eviction and
// id-based deduplication. It is not safe for concurrent use on its own; the
// ingest coordinator serializes all access together with the aggregate index.
type Log struct {
	capacity int
	entries  []records.VisitRecord
	seen     map[string]struct{}
	onEvict  EvictFunc
}

// New creates a log holding at most capacity records. Non-positive
// capacities fall back to DefaultCapacity.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		capacity: capacity,
		seen:     make(map[string]struct{}),
	}
}

// OnEvict registers a callback invoked for every evicted record.
func (l *Log) OnEvict(fn EvictFunc) {
	l.onEvict = fn
}

// Append adds a record unless its id was seen before. A duplicate is a
// normal idempotent outcome, not an error: collectors deliver at least once.
func (l *Log) Append(rec records.VisitRecord) AppendResult {
	if _, dup := l.seen[rec.ID]; dup {
		return Duplicate
	}

	l.entries = append(l.entries, rec)
	l.seen[rec.ID] = struct{}{}

	for len(l.entries) > l.capacity {
		oldest := l.entries[0]
		l.entries = l.entries[1:]
		delete(l.seen, oldest.ID)
		if l.onEvict != nil {
			l.onEvict(oldest)
		}
	}

	return Accepted
}

// Contains reports whether a record with the given id is retained.
func (l *Log) Contains(id string) bool {
	_, ok := l.seen[id]
	return ok
}

// Len returns the number of retained records.
func (l *Log) Len() int {
	return len(l.entries)
}

// Capacity returns the configured bound.
func (l *Log) Capacity() int {
	return l.capacity
}

// Snapshot returns the retained records in insertion order. The returned
// slice is a copy and safe to hold across later appends.
func (l *Log) Snapshot() []records.VisitRecord {
	out := make([]records.VisitRecord, len(l.entries))
	copy(out, l.entries)
	return out
}

// Reset drops every retained record. Used by the explicit reset-all
// operation only.
func (l *Log) Reset() {
	l.entries = nil
	l.seen = make(map[string]struct{})
}
