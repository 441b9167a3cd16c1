// Package cachestore implements the similarity cache: a memory-bounded LRU
// of compressed query results keyed by the 128-bit query fingerprint, with
// two-phase invalidation (atomic-flag marking now, batched erasure later).
//
// The LRU is a doubly linked list threaded through the entries plus a map
// for O(1) lookup, MRU at the head.
//
// © 2025 nvecd authors. MIT License.
package cachestore

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nvecd/nvecd/internal/compress"
	"github.com/nvecd/nvecd/internal/metrics"
	"github.com/nvecd/nvecd/internal/querykey"
	"github.com/nvecd/nvecd/internal/similarity"
)

// Metadata describes a cached entry for invalidation purposes: the logical
// scope it belongs to and the set of tags whose mutation invalidates it.
type Metadata struct {
	Scope string
	Tags  []string
}

// Statistics is a copyable point-in-time snapshot of cache counters.
type Statistics struct {
	TotalQueries           uint64
	CacheHits              uint64
	CacheMisses            uint64
	CacheMissesInvalidated uint64
	CacheMissesNotFound    uint64
	InvalidationsImmediate uint64
	InvalidationsDeferred  uint64
	InvalidationsBatches   uint64
	CurrentEntries         int
	CurrentMemoryBytes     int64
	Evictions              uint64
	TotalCacheHitTimeMs    float64
	TotalCacheMissTimeMs   float64
	TotalQuerySavedTimeMs  float64
}

// EvictionCallback is invoked for every entry removed by eviction, erasure,
// Clear, or ClearScope, so external indexes can drop their tracking. LRU
// eviction calls it under the cache's exclusive lock; the other paths call
// it after releasing the lock. It must not call back into the cache.
type EvictionCallback func(key querykey.Key)

type entry struct {
	key          querykey.Key
	payload      []byte // compressed (or raw when compression is off)
	compressed   bool
	originalSize int // uncompressed byte count, needed by the decompressor
	resultCount  int
	queryCostMs  float64

	scope string
	tags  []string

	createdAt    time.Time
	lastAccessed atomic.Int64 // unix nanos
	accessCount  atomic.Uint64
	invalidated  atomic.Bool

	memory int64

	prev, next *entry
}

// Cache is the similarity cache. All exported methods are safe for
// concurrent use.
type Cache struct {
	maxMemory      int64
	minQueryCostMs atomic.Uint64 // float64 bits; runtime-mutable
	ttl            atomic.Int64  // nanoseconds; 0 = no expiry
	compression    bool
	enabled        atomic.Bool

	mu      sync.RWMutex
	entries map[querykey.Key]*entry
	head    *entry // MRU
	tail    *entry // LRU
	memory  int64

	evictCb EvictionCallback

	totalQueries           atomic.Uint64
	hits                   atomic.Uint64
	misses                 atomic.Uint64
	missesInvalidated      atomic.Uint64
	missesNotFound         atomic.Uint64
	invalidationsImmediate atomic.Uint64
	invalidationsDeferred  atomic.Uint64
	invalidationsBatches   atomic.Uint64
	evictions              atomic.Uint64

	timingMu    sync.Mutex
	hitTimeMs   float64
	missTimeMs  float64
	savedTimeMs float64

	sink metrics.Sink
}

// Options bundles the cache.* knobs.
type Options struct {
	MaxMemoryBytes     int64
	MinQueryCostMs     float64
	TTLSeconds         int
	CompressionEnabled bool
	Metrics            metrics.Sink
}

// New constructs an empty, enabled cache.
func New(opts Options) *Cache {
	c := &Cache{
		maxMemory:   opts.MaxMemoryBytes,
		compression: opts.CompressionEnabled,
		entries:     make(map[querykey.Key]*entry),
		sink:        opts.Metrics,
	}
	if c.sink == nil {
		c.sink = metrics.Noop()
	}
	c.minQueryCostMs.Store(floatBits(opts.MinQueryCostMs))
	c.ttl.Store(int64(opts.TTLSeconds) * int64(time.Second))
	c.enabled.Store(true)
	return c
}

// SetEnabled toggles the cache at runtime (CACHE ENABLE|DISABLE and the
// cache.enabled runtime variable). A disabled cache misses every lookup and
// rejects every insert but keeps its contents.
func (c *Cache) SetEnabled(on bool) { c.enabled.Store(on) }

// Enabled reports the runtime toggle.
func (c *Cache) Enabled() bool { return c.enabled.Load() }

// SetMinQueryCostMs updates the insert admission threshold at runtime.
func (c *Cache) SetMinQueryCostMs(v float64) { c.minQueryCostMs.Store(floatBits(v)) }

// SetTTLSeconds updates the entry time-to-live at runtime. 0 disables expiry.
func (c *Cache) SetTTLSeconds(sec int) { c.ttl.Store(int64(sec) * int64(time.Second)) }

// SetEvictionCallback registers fn; pass nil to clear.
func (c *Cache) SetEvictionCallback(fn EvictionCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictCb = fn
}

// Insert admits results under key if the query was expensive enough, the
// entry fits the memory budget after eviction, and the key is not already
// present. Returns false in every rejection case.
func (c *Cache) Insert(key querykey.Key, results []similarity.Result, meta Metadata, queryCostMs float64) bool {
	if !c.enabled.Load() {
		return false
	}
	if queryCostMs < floatFromBits(c.minQueryCostMs.Load()) {
		return false
	}

	payload, originalSize, isCompressed, err := c.encode(results)
	if err != nil {
		// Compression failure is swallowed; the query result is simply not
		// cached.
		return false
	}

	e := &entry{
		key:          key,
		payload:      payload,
		compressed:   isCompressed,
		originalSize: originalSize,
		resultCount:  len(results),
		queryCostMs:  queryCostMs,
		scope:        meta.Scope,
		tags:         append([]string(nil), meta.Tags...),
		createdAt:    time.Now(),
	}
	e.lastAccessed.Store(e.createdAt.UnixNano())
	e.memory = e.memoryUsage()

	if e.memory > c.maxMemory {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		return false // no replacement
	}

	for c.memory+e.memory > c.maxMemory {
		if !c.evictLRULocked() {
			return false
		}
	}

	c.entries[key] = e
	c.pushFrontLocked(e)
	c.memory += e.memory
	c.sink.SetCacheMemoryBytes(c.memory)
	return true
}

// Lookup returns the cached results for key, or nil/false on a miss. Misses
// are distinguished in statistics between "not found" and "invalidated".
func (c *Cache) Lookup(key querykey.Key) ([]similarity.Result, bool) {
	if !c.enabled.Load() {
		return nil, false
	}
	start := time.Now()
	c.totalQueries.Add(1)

	c.mu.RLock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.RUnlock()
		c.recordMiss(start, false)
		return nil, false
	}
	if e.invalidated.Load() {
		c.mu.RUnlock()
		c.recordMiss(start, true)
		return nil, false
	}
	if ttl := c.ttl.Load(); ttl > 0 && time.Since(e.createdAt) > time.Duration(ttl) {
		// Expired: mark it invalidated so later lookups miss at once; count as
		// an invalidated miss. The entry stays in memory until it is evicted
		// or erased.
		e.invalidated.Store(true)
		c.invalidationsImmediate.Add(1)
		c.mu.RUnlock()
		c.recordMiss(start, true)
		return nil, false
	}
	payload := e.payload
	isCompressed := e.compressed
	originalSize := e.originalSize
	createdAt := e.createdAt
	savedMs := e.queryCostMs
	c.mu.RUnlock()

	results, err := c.decode(payload, isCompressed, originalSize)
	if err != nil {
		// Corrupt payload is a plain miss.
		c.recordMiss(start, false)
		return nil, false
	}

	// Upgrade to the write lock only to touch the LRU position. The upgrade
	// is racy by construction; entry identity (creation timestamp) detects a
	// concurrent erase+reinsert under the same key, in which case the touch
	// is skipped.
	c.mu.Lock()
	if cur, still := c.entries[key]; still && cur.createdAt.Equal(createdAt) {
		c.moveToFrontLocked(cur)
		cur.lastAccessed.Store(time.Now().UnixNano())
		cur.accessCount.Add(1)
	}
	c.mu.Unlock()

	c.hits.Add(1)
	c.sink.IncCacheHit()
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	c.timingMu.Lock()
	c.hitTimeMs += elapsed
	c.savedTimeMs += savedMs
	c.timingMu.Unlock()
	return results, true
}

// MarkInvalidated sets the entry's invalidated flag (phase 1 of two-phase
// invalidation). No LRU movement, no memory accounting change; subsequent
// lookups miss immediately.
func (c *Cache) MarkInvalidated(key querykey.Key) {
	c.mu.RLock()
	e, ok := c.entries[key]
	if ok {
		e.invalidated.Store(true)
	}
	c.mu.RUnlock()
	if ok {
		c.invalidationsImmediate.Add(1)
	}
}

// Erase removes key outright (phase 2), freeing its memory and firing the
// eviction callback.
func (c *Cache) Erase(key querykey.Key) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	c.removeLocked(e)
	cb := c.evictCb
	c.mu.Unlock()

	c.invalidationsDeferred.Add(1)
	if cb != nil {
		cb(key)
	}
	return true
}

// Clear drops every entry and resets memory accounting. Counters are kept;
// they are lifetime statistics.
func (c *Cache) Clear() {
	c.mu.Lock()
	keys := make([]querykey.Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.entries = make(map[querykey.Key]*entry)
	c.head, c.tail = nil, nil
	c.memory = 0
	cb := c.evictCb
	c.mu.Unlock()

	c.sink.SetCacheMemoryBytes(0)
	if cb != nil {
		for _, k := range keys {
			cb(k)
		}
	}
}

// ClearScope erases every entry whose metadata scope equals scope, scoping
// invalidation to one logical grouping.
func (c *Cache) ClearScope(scope string) int {
	c.mu.Lock()
	var victims []*entry
	for _, e := range c.entries {
		if e.scope == scope {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		c.removeLocked(e)
	}
	cb := c.evictCb
	c.mu.Unlock()

	if cb != nil {
		for _, e := range victims {
			cb(e.key)
		}
	}
	return len(victims)
}

// AddBatch increments the processed-batch counter (owned here so the
// statistics snapshot is complete in one place).
func (c *Cache) AddBatch() { c.invalidationsBatches.Add(1) }

// GetStatistics returns a copyable snapshot of all counters.
func (c *Cache) GetStatistics() Statistics {
	c.mu.RLock()
	entries := len(c.entries)
	mem := c.memory
	c.mu.RUnlock()

	c.timingMu.Lock()
	hitMs, missMs, savedMs := c.hitTimeMs, c.missTimeMs, c.savedTimeMs
	c.timingMu.Unlock()

	return Statistics{
		TotalQueries:           c.totalQueries.Load(),
		CacheHits:              c.hits.Load(),
		CacheMisses:            c.misses.Load(),
		CacheMissesInvalidated: c.missesInvalidated.Load(),
		CacheMissesNotFound:    c.missesNotFound.Load(),
		InvalidationsImmediate: c.invalidationsImmediate.Load(),
		InvalidationsDeferred:  c.invalidationsDeferred.Load(),
		InvalidationsBatches:   c.invalidationsBatches.Load(),
		CurrentEntries:         entries,
		CurrentMemoryBytes:     mem,
		Evictions:              c.evictions.Load(),
		TotalCacheHitTimeMs:    hitMs,
		TotalCacheMissTimeMs:   missMs,
		TotalQuerySavedTimeMs:  savedMs,
	}
}

func (c *Cache) recordMiss(start time.Time, invalidated bool) {
	c.misses.Add(1)
	if invalidated {
		c.missesInvalidated.Add(1)
	} else {
		c.missesNotFound.Add(1)
	}
	c.sink.IncCacheMiss()
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	c.timingMu.Lock()
	c.missTimeMs += elapsed
	c.timingMu.Unlock()
}

func (c *Cache) encode(results []similarity.Result) (payload []byte, originalSize int, isCompressed bool, err error) {
	if c.compression {
		payload, originalSize, err = compress.Compress(results)
		return payload, originalSize, true, err
	}
	raw := compress.Encode(results)
	return raw, len(raw), false, nil
}

func (c *Cache) decode(payload []byte, isCompressed bool, originalSize int) ([]similarity.Result, error) {
	if isCompressed {
		return compress.Decompress(payload, originalSize)
	}
	return compress.Decode(payload)
}

// evictLRULocked removes the tail entry. Returns false when there is
// nothing left to evict.
func (c *Cache) evictLRULocked() bool {
	victim := c.tail
	if victim == nil {
		return false
	}
	c.removeLocked(victim)
	c.evictions.Add(1)
	c.sink.IncCacheEviction()
	if c.evictCb != nil {
		c.evictCb(victim.key)
	}
	return true
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.unlinkLocked(e)
	c.memory -= e.memory
	c.sink.SetCacheMemoryBytes(c.memory)
}

func (c *Cache) pushFrontLocked(e *entry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache) unlinkLocked(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *Cache) moveToFrontLocked(e *entry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushFrontLocked(e)
}

// entryOverheadBytes is the accounted fixed cost of one entry: key (16),
// bookkeeping fields, and two list pointers. A semantic estimate, not a
// sizeof() of the Go struct.
const entryOverheadBytes = 96

func (e *entry) memoryUsage() int64 {
	mem := int64(entryOverheadBytes) + int64(len(e.payload)) + int64(len(e.scope))
	for _, t := range e.tags {
		mem += int64(len(t))
	}
	return mem
}

func floatBits(f float64) uint64 { return math.Float64bits(f) }

func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }
