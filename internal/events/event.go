// Package events implements the event store and co-occurrence index: the
// per-context ring buffer of scored co-occurrence events and the symmetric
// pair-score matrix derived from them.
//
// A sync.RWMutex guards each structure: writers hold it exclusively,
// readers take the shared lock.
//
// © 2025 nvecd authors. MIT License.
package events

import "errors"

// ErrInvalidArgument is returned when ctx or item_id is empty.
var ErrInvalidArgument = errors.New("events: ctx and item_id must be non-empty")

// Event is an immutable fact: an item scored at a point in time within a
// context.
type Event struct {
	ItemID    string
	Score     int64
	Timestamp int64 // seconds since epoch
}

// Statistics is a point-in-time snapshot of store counters.
type Statistics struct {
	ActiveContexts int
	TotalEvents    uint64
	DedupedEvents  uint64
	StoredEvents   uint64
	MemoryBytes    int64
}
