// Two-phase invalidation: the Manager keeps the scope/tag reverse index
// over cached entries; the Queue marks affected entries immediately on a
// mutation and erases them later in deduplicated batches on a background
// goroutine.
//
// © 2025 nvecd authors. MIT License.
package cachestore

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nvecd/nvecd/internal/querykey"
)

// Manager is the reverse index scope -> tag -> set of cache keys. Every
// cached entry's tags are registered here on insert and dropped via the
// cache's eviction callback, keeping the index and the entry metadata in
// lockstep.
type Manager struct {
	mu    sync.RWMutex
	index map[string]map[string]map[querykey.Key]struct{}
	byKey map[querykey.Key]Metadata
}

// NewManager constructs an empty reverse index.
func NewManager() *Manager {
	return &Manager{
		index: make(map[string]map[string]map[querykey.Key]struct{}),
		byKey: make(map[querykey.Key]Metadata),
	}
}

// Register records key under every tag of meta. Call after a successful
// cache insert.
func (m *Manager) Register(key querykey.Key, meta Metadata) {
	m.mu.Lock()
	defer m.mu.Unlock()

	scopeIdx, ok := m.index[meta.Scope]
	if !ok {
		scopeIdx = make(map[string]map[querykey.Key]struct{})
		m.index[meta.Scope] = scopeIdx
	}
	for _, tag := range meta.Tags {
		keys, ok := scopeIdx[tag]
		if !ok {
			keys = make(map[querykey.Key]struct{})
			scopeIdx[tag] = keys
		}
		keys[key] = struct{}{}
	}
	m.byKey[key] = Metadata{Scope: meta.Scope, Tags: append([]string(nil), meta.Tags...)}
}

// Forget drops key from the index. Wired as the cache's eviction callback.
func (m *Manager) Forget(key querykey.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.byKey[key]
	if !ok {
		return
	}
	delete(m.byKey, key)

	scopeIdx, ok := m.index[meta.Scope]
	if !ok {
		return
	}
	for _, tag := range meta.Tags {
		if keys, ok := scopeIdx[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(scopeIdx, tag)
			}
		}
	}
	if len(scopeIdx) == 0 {
		delete(m.index, meta.Scope)
	}
}

// KeysForTags collects every key referenced by any of tags within scope.
func (m *Manager) KeysForTags(scope string, tags []string) []querykey.Key {
	m.mu.RLock()
	defer m.mu.RUnlock()

	scopeIdx, ok := m.index[scope]
	if !ok {
		return nil
	}
	seen := make(map[querykey.Key]struct{})
	for _, tag := range tags {
		for k := range scopeIdx[tag] {
			seen[k] = struct{}{}
		}
	}
	out := make([]querykey.Key, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out
}

// TrackedKeys returns the number of keys currently indexed.
func (m *Manager) TrackedKeys() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byKey)
}

// Clear empties the index.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = make(map[string]map[string]map[querykey.Key]struct{})
	m.byKey = make(map[querykey.Key]Metadata)
}

// Tokenize splits mutation content into tags: whitespace-separated tokens.
// The symmetric difference of old and new token sets is the tag delta a
// mutation invalidates by.
func Tokenize(content string) []string {
	return strings.Fields(content)
}

func tagDelta(oldContent, newContent string) []string {
	oldSet := make(map[string]struct{})
	for _, t := range Tokenize(oldContent) {
		oldSet[t] = struct{}{}
	}
	newSet := make(map[string]struct{})
	for _, t := range Tokenize(newContent) {
		newSet[t] = struct{}{}
	}
	var delta []string
	for t := range oldSet {
		if _, both := newSet[t]; !both {
			delta = append(delta, t)
		}
	}
	for t := range newSet {
		if _, both := oldSet[t]; !both {
			delta = append(delta, t)
		}
	}
	return delta
}

type pendingEntry struct {
	scope     string
	key       querykey.Key
	firstSeen time.Time
}

// QueueOptions configures batch drain behavior.
type QueueOptions struct {
	BatchSize int
	MaxDelay  time.Duration
	Logger    *zap.Logger
}

// Queue decouples mutation hot paths from the cost of erasing matching
// cache entries. Enqueue marks entries invalidated immediately (phase 1)
// and defers erasure to the worker (phase 2). When the worker is not
// running, both phases run synchronously so mutation still propagates.
type Queue struct {
	cache *Cache
	mgr   *Manager

	batchSize int
	maxDelay  time.Duration
	log       *zap.Logger

	mu      sync.Mutex
	pending map[string]pendingEntry // composite scope+key -> first-seen

	running atomic.Bool
	notify  chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewQueue wires a queue to its cache and reverse index. Start must be
// called to enable asynchronous draining.
func NewQueue(cache *Cache, mgr *Manager, opts QueueOptions) *Queue {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Queue{
		cache:     cache,
		mgr:       mgr,
		batchSize: opts.BatchSize,
		maxDelay:  opts.MaxDelay,
		log:       opts.Logger,
		pending:   make(map[string]pendingEntry),
		notify:    make(chan struct{}, 1),
	}
}

// Enqueue applies two-phase invalidation for a mutation in scope whose
// content changed from oldContent to newContent.
func (q *Queue) Enqueue(scope, oldContent, newContent string) {
	delta := tagDelta(oldContent, newContent)
	if len(delta) == 0 {
		return
	}
	keys := q.mgr.KeysForTags(scope, delta)
	if len(keys) == 0 {
		return
	}

	// Phase 1: immediate marking. Lookups for these keys miss from here on.
	for _, k := range keys {
		q.cache.MarkInvalidated(k)
	}

	if !q.running.Load() {
		// No worker: erase synchronously so mutation still propagates.
		for _, k := range keys {
			q.cache.Erase(k)
		}
		q.cache.AddBatch()
		return
	}

	// Phase 2: record for deferred erasure. Re-enqueueing the same key
	// refreshes its timestamp, deduplicating naturally.
	now := time.Now()
	q.mu.Lock()
	for _, k := range keys {
		q.pending[compositeKey(scope, k)] = pendingEntry{scope: scope, key: k, firstSeen: now}
	}
	n := len(q.pending)
	q.mu.Unlock()

	if n >= q.batchSize {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
}

// Start launches the background worker. Idempotent.
func (q *Queue) Start() {
	if !q.running.CompareAndSwap(false, true) {
		return
	}
	q.done = make(chan struct{})
	q.wg.Add(1)
	go q.workerLoop()
}

// Stop signals the worker, joins it, then drains any remaining pending
// entries synchronously. Idempotent.
func (q *Queue) Stop() {
	if !q.running.CompareAndSwap(true, false) {
		return
	}
	close(q.done)
	q.wg.Wait()
	q.processBatch()
}

// PendingCount reports how many deferred erasures are queued.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) workerLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.maxDelay)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		case <-ticker.C:
		}
		// Re-check shutdown after every wakeup; Stop drains what is left.
		if !q.running.Load() {
			return
		}
		if q.shouldDrain() {
			q.processBatch()
		}
	}
}

func (q *Queue) shouldDrain() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return false
	}
	if len(q.pending) >= q.batchSize {
		return true
	}
	for _, p := range q.pending {
		if time.Since(p.firstSeen) >= q.maxDelay {
			return true
		}
	}
	return false
}

// processBatch atomically takes the pending map and erases each key.
func (q *Queue) processBatch() {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.pending
	q.pending = make(map[string]pendingEntry)
	q.mu.Unlock()

	erased := 0
	for composite, p := range batch {
		if _, _, ok := parseCompositeKey(composite); !ok {
			q.log.Warn("invalidation queue: skipping invalid composite key",
				zap.String("key", composite))
			continue
		}
		if q.cache.Erase(p.key) {
			erased++
		}
	}
	q.cache.AddBatch()
	q.log.Debug("invalidation batch processed",
		zap.Int("batch_size", len(batch)), zap.Int("erased", erased))
}

func compositeKey(scope string, k querykey.Key) string {
	return scope + "\x00" + k.String()
}

// parseCompositeKey validates and splits a composite key. Malformed keys
// are skipped by the batch processor rather than failing the batch.
func parseCompositeKey(s string) (scope string, key querykey.Key, ok bool) {
	i := strings.IndexByte(s, 0)
	if i < 0 || len(s)-i-1 != 32 {
		return "", querykey.Key{}, false
	}
	raw, err := hex.DecodeString(s[i+1:])
	if err != nil {
		return "", querykey.Key{}, false
	}
	return s[:i], querykey.Key{
		Hi: binary.BigEndian.Uint64(raw[0:8]),
		Lo: binary.BigEndian.Uint64(raw[8:16]),
	}, true
}
