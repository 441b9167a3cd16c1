package pool

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRuns(t *testing.T) {
	p := New(Options{Workers: 2, QueueSize: 4})
	var ran atomic.Int32
	done := make(chan struct{})
	if !p.Submit(func() { ran.Add(1); close(done) }) {
		t.Fatal("Submit refused")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	p.Shutdown(true, time.Second)
	if ran.Load() != 1 {
		t.Fatalf("ran = %d, want 1", ran.Load())
	}
}

func TestBackpressure(t *testing.T) {
	p := New(Options{Workers: 1, QueueSize: 0})
	block := make(chan struct{})
	defer close(block)

	if !p.Submit(func() { <-block }) {
		t.Fatal("first submit refused")
	}
	// Give the dispatcher time to hand the task to the worker; then the
	// zero-length queue refuses the overflow submission.
	time.Sleep(50 * time.Millisecond)
	if !p.Submit(func() { <-block }) {
		t.Fatal("second submit should queue-then-dispatch or occupy the slot")
	}
	time.Sleep(50 * time.Millisecond)
	if p.Submit(func() {}) {
		t.Error("submit should be refused while queue is full and worker busy")
	}
}

func TestGracefulShutdownDrainsQueue(t *testing.T) {
	p := New(Options{Workers: 1, QueueSize: 16})
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		if !p.Submit(func() { ran.Add(1) }) {
			t.Fatalf("submit %d refused", i)
		}
	}
	p.Shutdown(true, 5*time.Second)
	if got := ran.Load(); got != 10 {
		t.Fatalf("ran = %d, want 10 (graceful drain)", got)
	}
	if p.Submit(func() {}) {
		t.Error("submit accepted after shutdown")
	}
}

func TestUngracefulShutdownDropsQueued(t *testing.T) {
	p := New(Options{Workers: 1, QueueSize: 16})
	block := make(chan struct{})
	var ran atomic.Int32

	p.Submit(func() { <-block; ran.Add(1) })
	time.Sleep(50 * time.Millisecond) // let it start
	for i := 0; i < 10; i++ {
		p.Submit(func() { ran.Add(1) })
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(block)
	}()
	p.Shutdown(false, 0)
	// The in-flight task is joined; queued tasks were dropped.
	if got := ran.Load(); got != 1 {
		t.Fatalf("ran = %d, want 1 (queued tasks dropped, in-flight joined)", got)
	}
}

func TestPanicDoesNotKillPool(t *testing.T) {
	p := New(Options{Workers: 1, QueueSize: 4})
	p.Submit(func() { panic("boom") })

	done := make(chan struct{})
	ok := false
	for i := 0; i < 100 && !ok; i++ {
		ok = p.Submit(func() { close(done) })
		if !ok {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if !ok {
		t.Fatal("pool stopped accepting work after a panic")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task after panic never ran")
	}
	p.Shutdown(true, time.Second)
}

func TestShutdownIdempotent(t *testing.T) {
	p := New(Options{Workers: 1, QueueSize: 1})
	p.Shutdown(true, time.Second)
	p.Shutdown(true, time.Second)
}
