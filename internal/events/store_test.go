package events

import "testing"

func withFakeClock(t *testing.T, now *int64) {
	t.Helper()
	orig := Clock
	Clock = func() int64 { return *now }
	t.Cleanup(func() { Clock = orig })
}

// stored + deduped = total at all times.
func TestAddEventDedup(t *testing.T) {
	now := int64(1000)
	withFakeClock(t, &now)

	s := NewStore(16, 64, 60)
	for i := 0; i < 100; i++ {
		if _, _, err := s.AddEvent("u", "x", 10); err != nil {
			t.Fatalf("AddEvent: %v", err)
		}
	}
	stats := s.Statistics()
	if stats.StoredEvents != 1 {
		t.Fatalf("StoredEvents = %d, want 1", stats.StoredEvents)
	}
	if stats.DedupedEvents != 99 {
		t.Fatalf("DedupedEvents = %d, want 99", stats.DedupedEvents)
	}
	if stats.StoredEvents+stats.DedupedEvents != stats.TotalEvents {
		t.Fatalf("stored+deduped != total: %+v", stats)
	}
}

func TestAddEventInvalidArgument(t *testing.T) {
	s := NewStore(16, 64, 60)
	if _, _, err := s.AddEvent("", "x", 1); err == nil {
		t.Fatal("expected error for empty ctx")
	}
	if _, _, err := s.AddEvent("c", "", 1); err == nil {
		t.Fatal("expected error for empty item id")
	}
}

func TestGetEventsOrderAndOverwrite(t *testing.T) {
	now := int64(0)
	withFakeClock(t, &now)

	s := NewStore(2, 64, 0) // window=0 disables dedup
	s.AddEvent("c", "a", 1)
	now++
	s.AddEvent("c", "b", 2)
	now++
	s.AddEvent("c", "d", 3)

	got := s.GetEvents("c")
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ItemID != "b" || got[1].ItemID != "d" {
		t.Fatalf("got %+v, want b then d", got)
	}
}

func TestClearResetsCounters(t *testing.T) {
	now := int64(0)
	withFakeClock(t, &now)
	s := NewStore(4, 64, 0)
	s.AddEvent("c", "a", 1)
	s.Clear()
	stats := s.Statistics()
	if stats.ActiveContexts != 0 || stats.TotalEvents != 0 {
		t.Fatalf("expected reset stats, got %+v", stats)
	}
	if got := s.GetEvents("c"); got != nil {
		t.Fatalf("expected nil events after Clear, got %v", got)
	}
}

// The dedup window is the only suppression: a same-score repeat beyond the
// window is a fresh event and must be stored.
func TestAddEventSameScoreBeyondWindowStored(t *testing.T) {
	now := int64(1000)
	withFakeClock(t, &now)

	s := NewStore(16, 64, 60)
	if _, stored, _ := s.AddEvent("u", "like:x", 100); !stored {
		t.Fatal("first event should store")
	}

	now += 61 // just past the window
	if _, stored, _ := s.AddEvent("u", "like:x", 100); !stored {
		t.Fatal("repeat beyond the dedup window must be stored")
	}

	stats := s.Statistics()
	if stats.StoredEvents != 2 || stats.DedupedEvents != 0 {
		t.Fatalf("stats = %+v, want 2 stored / 0 deduped", stats)
	}
	if got := s.GetEvents("u"); len(got) != 2 {
		t.Fatalf("event history has %d entries, want 2", len(got))
	}
}
