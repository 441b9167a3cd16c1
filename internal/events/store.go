package events

import (
	"sync"
	"sync/atomic"

	"github.com/nvecd/nvecd/internal/dedup"
	"github.com/nvecd/nvecd/internal/ringbuffer"
)

// Clock returns the current wall-clock time in seconds since epoch. It is a
// package variable so tests can substitute a deterministic clock.
var Clock = func() int64 { return nowSeconds() }

// Store holds one ring buffer of Events per context, deduplicating streaming
// inserts via internal/dedup.DedupCache.
type Store struct {
	mu sync.RWMutex

	bufferSize int
	contexts   map[string]*ringbuffer.RingBuffer[Event]

	dedup *dedup.DedupCache

	totalEvents   atomic.Uint64
	dedupedEvents atomic.Uint64
	storedEvents  atomic.Uint64
}

// NewStore constructs an event store. bufferSize is events.ctx_buffer_size;
// dedupCacheSize/dedupWindowSec are events.dedup_cache_size /
// events.dedup_window_sec (0 disables dedup).
func NewStore(bufferSize, dedupCacheSize int, dedupWindowSec int64) *Store {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Store{
		bufferSize: bufferSize,
		contexts:   make(map[string]*ringbuffer.RingBuffer[Event]),
		dedup:      dedup.NewDedupCache(dedupCacheSize, dedupWindowSec),
	}
}

// AddEvent records (ctx, itemID, score) at the current wall-clock time.
// Streaming duplicates (same ctx/item/score within the dedup window) only
// advance the deduped counter and otherwise leave the store untouched. The
// returned Event and stored flag let callers feed downstream indexes only
// for events that actually landed.
func (s *Store) AddEvent(ctx, itemID string, score int64) (Event, bool, error) {
	if ctx == "" || itemID == "" {
		return Event{}, false, ErrInvalidArgument
	}

	now := Clock()
	key := dedupKey(ctx, itemID, score)

	if s.dedup.IsDuplicate(key, now) {
		s.dedupedEvents.Add(1)
		s.totalEvents.Add(1)
		return Event{}, false, nil
	}
	s.dedup.Insert(key, now)

	ev := Event{ItemID: itemID, Score: score, Timestamp: now}
	s.mu.Lock()
	rb, ok := s.contexts[ctx]
	if !ok {
		rb = ringbuffer.New[Event](s.bufferSize)
		s.contexts[ctx] = rb
	}
	rb.Push(ev)
	s.mu.Unlock()

	s.storedEvents.Add(1)
	s.totalEvents.Add(1)
	return ev, true, nil
}

// GetEvents returns a consistent snapshot of ctx's event history, oldest
// first. Returns nil for an unknown context.
func (s *Store) GetEvents(ctx string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rb, ok := s.contexts[ctx]
	if !ok {
		return nil
	}
	return rb.GetAll()
}

// Clear resets all contexts, the dedup cache, and the counters.
func (s *Store) Clear() {
	s.mu.Lock()
	s.contexts = make(map[string]*ringbuffer.RingBuffer[Event])
	s.mu.Unlock()
	s.dedup.Clear()
	s.totalEvents.Store(0)
	s.dedupedEvents.Store(0)
	s.storedEvents.Store(0)
}

// Statistics returns a point-in-time snapshot of store counters.
func (s *Store) Statistics() Statistics {
	s.mu.RLock()
	active := len(s.contexts)
	var mem int64
	for ctx, rb := range s.contexts {
		mem += int64(len(ctx)) + int64(rb.Size())*eventMemoryBytes
	}
	s.mu.RUnlock()

	return Statistics{
		ActiveContexts: active,
		TotalEvents:    s.totalEvents.Load(),
		DedupedEvents:  s.dedupedEvents.Load(),
		StoredEvents:   s.storedEvents.Load(),
		MemoryBytes:    mem,
	}
}

// eventMemoryBytes approximates the per-event footprint from semantic
// quantities (item id string capacity amortized elsewhere, score + timestamp
// as two int64 fields), not from sizeof() of the Event struct's container.
const eventMemoryBytes = 16

func dedupKey(ctx, itemID string, score int64) string {
	// cheap, allocation-light composite key; collisions across the 3 fields
	// are astronomically unlikely for the separator chosen and are in any
	// case bounded by `ctx`/`itemID` never containing the separator in
	// practice (protocol tokens are whitespace-split upstream).
	return ctx + "\x00" + itemID + "\x00" + itoa(score)
}
