package ringbuffer

import "testing"

func TestPushOverwritesOldest(t *testing.T) {
	rb := New[int](3)
	for _, v := range []int{1, 2, 3, 4, 5} {
		rb.Push(v)
	}
	got := rb.GetAll()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("GetAll() = %v, want %v", got, want)
		}
	}
}

func TestSizeAndCapacity(t *testing.T) {
	rb := New[string](4)
	if rb.Capacity() != 4 {
		t.Fatalf("Capacity() = %d, want 4", rb.Capacity())
	}
	rb.Push("a")
	rb.Push("b")
	if rb.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", rb.Size())
	}
}

func TestClear(t *testing.T) {
	rb := New[int](2)
	rb.Push(1)
	rb.Push(2)
	rb.Clear()
	if rb.Size() != 0 {
		t.Fatalf("Size() after Clear = %d, want 0", rb.Size())
	}
	if got := rb.GetAll(); len(got) != 0 {
		t.Fatalf("GetAll() after Clear = %v, want empty", got)
	}
}

// For any input sequence, GetAll equals the tail of length min(|s|, N).
func TestTailProperty(t *testing.T) {
	seq := []int{10, 20, 30, 40, 50, 60, 70}
	for _, n := range []int{1, 2, 3, 5, 10} {
		rb := New[int](n)
		for _, v := range seq {
			rb.Push(v)
		}
		want := seq
		if len(seq) > n {
			want = seq[len(seq)-n:]
		}
		got := rb.GetAll()
		if len(got) != len(want) {
			t.Fatalf("n=%d: len = %d, want %d", n, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("n=%d: GetAll() = %v, want %v", n, got, want)
			}
		}
	}
}
