package events

import "github.com/nvecd/nvecd/internal/ringbuffer"

// DumpContexts returns a deep copy of every context's event history, used
// by the snapshot writer. Events are oldest-first.
func (s *Store) DumpContexts() map[string][]Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]Event, len(s.contexts))
	for ctx, rb := range s.contexts {
		out[ctx] = rb.GetAll()
	}
	return out
}

// Counters returns the lifetime counters for the snapshot writer.
func (s *Store) Counters() (total, deduped, stored uint64) {
	return s.totalEvents.Load(), s.dedupedEvents.Load(), s.storedEvents.Load()
}

// Restore replaces the store's contents with a loaded snapshot. The dedup
// cache is not persisted; it restarts empty, which only means a brief
// post-restore window where duplicates are re-admitted.
func (s *Store) Restore(contexts map[string][]Event, total, deduped, stored uint64) {
	s.mu.Lock()
	s.contexts = make(map[string]*ringbuffer.RingBuffer[Event], len(contexts))
	for ctx, evs := range contexts {
		rb := ringbuffer.New[Event](s.bufferSize)
		for _, ev := range evs {
			rb.Push(ev)
		}
		s.contexts[ctx] = rb
	}
	s.mu.Unlock()
	s.totalEvents.Store(total)
	s.dedupedEvents.Store(deduped)
	s.storedEvents.Store(stored)
}

// DumpMatrix returns a deep copy of the co-occurrence matrix for the
// snapshot writer.
func (c *CoOccurrenceIndex) DumpMatrix() map[string]map[string]float32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]map[string]float32, len(c.matrix))
	for id, row := range c.matrix {
		cp := make(map[string]float32, len(row))
		for other, score := range row {
			cp[other] = score
		}
		out[id] = cp
	}
	return out
}

// RestoreMatrix replaces the matrix with a loaded snapshot. The caller
// hands over ownership of m.
func (c *CoOccurrenceIndex) RestoreMatrix(m map[string]map[string]float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m == nil {
		m = make(map[string]map[string]float32)
	}
	c.matrix = m
}
