package cachestore

import (
	"sort"
	"testing"
	"time"

	"github.com/nvecd/nvecd/internal/querykey"
)

func newInvalidationFixture(t *testing.T, opts QueueOptions) (*Cache, *Manager, *Queue) {
	t.Helper()
	c := testCache(1 << 20)
	mgr := NewManager()
	c.SetEvictionCallback(mgr.Forget)
	q := NewQueue(c, mgr, opts)
	return c, mgr, q
}

func cacheInsert(t *testing.T, c *Cache, mgr *Manager, fingerprint, scope string, tags ...string) querykey.Key {
	t.Helper()
	key := querykey.KeyOf(fingerprint)
	meta := Metadata{Scope: scope, Tags: tags}
	if !c.Insert(key, someResults(2), meta, 1) {
		t.Fatalf("insert %q rejected", fingerprint)
	}
	mgr.Register(key, meta)
	return key
}

func TestTagDelta(t *testing.T) {
	got := tagDelta("a b c", "b c d")
	sort.Strings(got)
	want := []string{"a", "d"}
	if len(got) != len(want) {
		t.Fatalf("delta = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delta = %v, want %v", got, want)
		}
	}
	if d := tagDelta("same", "same"); len(d) != 0 {
		t.Errorf("identical content produced delta %v", d)
	}
}

func TestManagerRegisterForget(t *testing.T) {
	mgr := NewManager()
	key := querykey.KeyOf("q")
	mgr.Register(key, Metadata{Scope: "vectors", Tags: []string{"a", "b"}})

	if got := mgr.KeysForTags("vectors", []string{"a"}); len(got) != 1 || got[0] != key {
		t.Fatalf("KeysForTags = %v, want [%v]", got, key)
	}
	if got := mgr.KeysForTags("events", []string{"a"}); len(got) != 0 {
		t.Errorf("wrong scope matched: %v", got)
	}

	mgr.Forget(key)
	if got := mgr.KeysForTags("vectors", []string{"a", "b"}); len(got) != 0 {
		t.Errorf("forgotten key still indexed: %v", got)
	}
	if mgr.TrackedKeys() != 0 {
		t.Errorf("TrackedKeys = %d after Forget, want 0", mgr.TrackedKeys())
	}
}

// Worker stopped: Enqueue must erase synchronously before returning.
func TestEnqueueSynchronousWhenStopped(t *testing.T) {
	c, mgr, q := newInvalidationFixture(t, QueueOptions{BatchSize: 8})
	key := cacheInsert(t, c, mgr, "SIM a 10 vectors", "vectors", "a")

	q.Enqueue("vectors", "", "a")

	if _, ok := c.Lookup(key); ok {
		t.Fatal("entry survived synchronous invalidation")
	}
	if c.GetStatistics().CurrentEntries != 0 {
		t.Error("entry not erased before Enqueue returned")
	}
	if mgr.TrackedKeys() != 0 {
		t.Error("reverse index not cleaned up")
	}
}

// Worker running: marking is synchronous, erasure lands within the drain
// window.
func TestEnqueueTwoPhaseWhenRunning(t *testing.T) {
	c, mgr, q := newInvalidationFixture(t, QueueOptions{BatchSize: 100, MaxDelay: 10 * time.Millisecond})
	q.Start()
	defer q.Stop()

	key := cacheInsert(t, c, mgr, "SIM a 10 vectors", "vectors", "a")
	q.Enqueue("vectors", "", "a")

	// Phase 1 already happened: immediate miss.
	if _, ok := c.Lookup(key); ok {
		t.Fatal("marked entry produced a hit")
	}

	// Phase 2: erased within the drain window.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.GetStatistics().CurrentEntries == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := c.GetStatistics().CurrentEntries; got != 0 {
		t.Fatalf("entry not erased by worker, %d entries remain", got)
	}
	if c.GetStatistics().InvalidationsBatches == 0 {
		t.Error("no batch recorded")
	}
}

func TestEnqueueBatchSizeTriggersDrain(t *testing.T) {
	c, mgr, q := newInvalidationFixture(t, QueueOptions{BatchSize: 2, MaxDelay: time.Hour})
	q.Start()
	defer q.Stop()

	cacheInsert(t, c, mgr, "q1", "vectors", "a")
	cacheInsert(t, c, mgr, "q2", "vectors", "b")

	q.Enqueue("vectors", "", "a")
	q.Enqueue("vectors", "", "b")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.GetStatistics().CurrentEntries == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("batch-size trigger did not drain; %d entries remain", c.GetStatistics().CurrentEntries)
}

func TestEnqueueDeduplicates(t *testing.T) {
	c, mgr, q := newInvalidationFixture(t, QueueOptions{BatchSize: 100, MaxDelay: time.Hour})
	q.Start()
	defer q.Stop()

	cacheInsert(t, c, mgr, "q1", "vectors", "a")
	for i := 0; i < 10; i++ {
		q.Enqueue("vectors", "", "a")
	}
	if got := q.PendingCount(); got != 1 {
		t.Errorf("pending = %d after duplicate enqueues, want 1", got)
	}
}

func TestStopDrainsRemaining(t *testing.T) {
	c, mgr, q := newInvalidationFixture(t, QueueOptions{BatchSize: 100, MaxDelay: time.Hour})
	q.Start()

	cacheInsert(t, c, mgr, "q1", "vectors", "a")
	q.Enqueue("vectors", "", "a")

	q.Stop()
	if got := c.GetStatistics().CurrentEntries; got != 0 {
		t.Fatalf("Stop left %d entries unerased", got)
	}
	// Idempotent.
	q.Stop()
}

func TestParseCompositeKey(t *testing.T) {
	key := querykey.KeyOf("fingerprint")
	scope, parsed, ok := parseCompositeKey(compositeKey("vectors", key))
	if !ok || scope != "vectors" || parsed != key {
		t.Fatalf("round-trip failed: %v %v %v", scope, parsed, ok)
	}
	if _, _, ok := parseCompositeKey("no-separator"); ok {
		t.Error("malformed key accepted")
	}
	if _, _, ok := parseCompositeKey("scope\x00nothex"); ok {
		t.Error("short digest accepted")
	}
}
