package events

import (
	"sort"
	"sync"
)

// Pair is one neighbor result from CoOccurrenceIndex.GetSimilar.
type Pair struct {
	ItemID string
	Score  float32
}

// CoOccurrenceStatistics is a point-in-time snapshot of matrix size.
type CoOccurrenceStatistics struct {
	TrackedIDs  int
	CoPairs     int64
	MemoryBytes int64
}

// CoOccurrenceIndex is a symmetric item_id -> item_id -> score matrix, built
// from batches of events sharing one context and decayed in place over time.
type CoOccurrenceIndex struct {
	mu     sync.RWMutex
	matrix map[string]map[string]float32
}

// NewCoOccurrenceIndex constructs an empty index.
func NewCoOccurrenceIndex() *CoOccurrenceIndex {
	return &CoOccurrenceIndex{matrix: make(map[string]map[string]float32)}
}

// UpdateFromEvents adds score(a)*score(b) to both M[a][b] and M[b][a] for
// every unordered pair of distinct item ids in one batch of events from a
// single context.
func (c *CoOccurrenceIndex) UpdateFromEvents(events []Event) {
	if len(events) < 2 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < len(events); i++ {
		for j := i + 1; j < len(events); j++ {
			a, b := events[i].ItemID, events[j].ItemID
			if a == b {
				continue
			}
			contrib := float32(events[i].Score) * float32(events[j].Score)
			c.addLocked(a, b, contrib)
			c.addLocked(b, a, contrib)
		}
	}
}

// UpdateIncremental adds the pair contributions of one newly ingested event
// against the existing events of its context, so per-event ingestion keeps
// the matrix consistent with batch ingestion without recounting old pairs.
func (c *CoOccurrenceIndex) UpdateIncremental(ev Event, history []Event) {
	if len(history) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range history {
		if h.ItemID == ev.ItemID {
			continue
		}
		contrib := float32(ev.Score) * float32(h.Score)
		c.addLocked(ev.ItemID, h.ItemID, contrib)
		c.addLocked(h.ItemID, ev.ItemID, contrib)
	}
}

func (c *CoOccurrenceIndex) addLocked(a, b string, delta float32) {
	row, ok := c.matrix[a]
	if !ok {
		row = make(map[string]float32)
		c.matrix[a] = row
	}
	row[b] += delta
}

// GetSimilar returns up to k neighbors of itemID with positive score, sorted
// score descending. k <= 0 returns an empty slice.
func (c *CoOccurrenceIndex) GetSimilar(itemID string, k int) []Pair {
	if k <= 0 {
		return []Pair{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	row := c.matrix[itemID]
	out := make([]Pair, 0, len(row))
	for other, score := range row {
		if score > 0 {
			out = append(out, Pair{ItemID: other, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ItemID < out[j].ItemID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// GetScore returns M[a][b], or 0 if absent.
func (c *CoOccurrenceIndex) GetScore(a, b string) float32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.matrix[a][b]
}

// ApplyDecay multiplies every entry by alpha in place. A no-op outside
// (0,1].
func (c *CoOccurrenceIndex) ApplyDecay(alpha float32) {
	if alpha <= 0 || alpha > 1 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, row := range c.matrix {
		for other, score := range row {
			row[other] = score * alpha
		}
	}
}

// Clear empties the matrix.
func (c *CoOccurrenceIndex) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.matrix = make(map[string]map[string]float32)
}

// GetAllItems returns every tracked item id in unspecified order.
func (c *CoOccurrenceIndex) GetAllItems() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.matrix))
	for id := range c.matrix {
		out = append(out, id)
	}
	return out
}

// GetItemCount returns the number of tracked item ids.
func (c *CoOccurrenceIndex) GetItemCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.matrix)
}

// MemoryUsage estimates bytes used: id strings plus f32 entries plus a
// per-map bookkeeping constant, computed from semantic quantities rather
// than unsafe.Sizeof of the map header.
func (c *CoOccurrenceIndex) MemoryUsage() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.memoryUsageLocked()
}

const (
	perEntryOverheadBytes = 16 // map bucket + float32 slot, approximated
	perRowOverheadBytes   = 24
)

func (c *CoOccurrenceIndex) memoryUsageLocked() int64 {
	var total int64
	for id, row := range c.matrix {
		total += int64(len(id)) + perRowOverheadBytes
		for other := range row {
			total += int64(len(other)) + perEntryOverheadBytes
		}
	}
	return total
}

// Statistics returns a point-in-time snapshot.
func (c *CoOccurrenceIndex) Statistics() CoOccurrenceStatistics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var pairs int64
	for _, row := range c.matrix {
		pairs += int64(len(row))
	}
	return CoOccurrenceStatistics{
		TrackedIDs:  len(c.matrix),
		CoPairs:     pairs / 2,
		MemoryBytes: c.memoryUsageLocked(),
	}
}
