package dedup

import "testing"

// IsDuplicate(k,t) iff the last Insert(k,t') with t-t' <= window exists.
func TestDedupWindow(t *testing.T) {
	c := NewDedupCache(8, 60)
	c.Insert("k", 100)

	if !c.IsDuplicate("k", 100) {
		t.Fatal("expected duplicate at t=ts")
	}
	if !c.IsDuplicate("k", 160) {
		t.Fatal("expected duplicate at boundary t=ts+window")
	}
	if c.IsDuplicate("k", 161) {
		t.Fatal("expected not duplicate beyond window")
	}
	if c.IsDuplicate("missing", 100) {
		t.Fatal("expected not duplicate for unseen key")
	}
}

func TestDedupWindowZeroDisables(t *testing.T) {
	c := NewDedupCache(8, 0)
	c.Insert("k", 100)
	if c.IsDuplicate("k", 100) {
		t.Fatal("window=0 must disable dedup")
	}
	if c.Len() != 0 {
		t.Fatal("window=0 must make Insert a no-op")
	}
}

func TestDedupEvictsLRU(t *testing.T) {
	c := NewDedupCache(2, 60)
	c.Insert("a", 1)
	c.Insert("b", 2)
	c.Insert("c", 3) // evicts "a"

	if c.IsDuplicate("a", 1) {
		t.Fatal("expected a to be evicted")
	}
	if !c.IsDuplicate("b", 2) || !c.IsDuplicate("c", 3) {
		t.Fatal("expected b and c to survive")
	}
}

func TestDedupPromotesOnTouch(t *testing.T) {
	c := NewDedupCache(2, 60)
	c.Insert("a", 1)
	c.Insert("b", 2)
	c.Insert("a", 3) // touches a, making b the LRU
	c.Insert("c", 4) // should evict b, not a

	if !c.IsDuplicate("a", 3) {
		t.Fatal("expected a to survive (recently touched)")
	}
	if c.IsDuplicate("b", 2) {
		t.Fatal("expected b to be evicted")
	}
}

func TestStateCacheLastScore(t *testing.T) {
	c := NewStateCache(4)
	if c.IsDuplicateSet("x", 5) {
		t.Fatal("unseen key must not be a duplicate set")
	}
	c.UpdateScore("x", 5)
	if !c.IsDuplicateSet("x", 5) {
		t.Fatal("expected duplicate set after UpdateScore")
	}
	if c.IsDuplicateSet("x", 6) {
		t.Fatal("different score must not be a duplicate")
	}

	c.UpdateScore("x", 6)
	if c.IsDuplicateSet("x", 5) {
		t.Fatal("stale score must not match after an update")
	}
	if !c.IsDuplicateSet("x", 6) {
		t.Fatal("expected duplicate set for the updated score")
	}
}

func TestStateCacheEvictsAtCapacity(t *testing.T) {
	c := NewStateCache(2)
	c.UpdateScore("a", 1)
	c.UpdateScore("b", 2)
	c.UpdateScore("c", 3) // evicts "a"

	if c.IsDuplicateSet("a", 1) {
		t.Fatal("expected a to be evicted")
	}
	if !c.IsDuplicateSet("b", 2) || !c.IsDuplicateSet("c", 3) {
		t.Fatal("expected b and c to survive")
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}

	c.Clear()
	if c.Len() != 0 {
		t.Fatal("expected empty cache after Clear")
	}
}
