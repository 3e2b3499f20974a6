package util

import (
	"sort"
	"testing"
)

// TestNewMapHeap tests the creation of an empty queue
func TestNewMapHeap(t *testing.T) {
	mh := NewMapHeap()

	if mh.Len() != 0 {
		t.Errorf("New heap should be empty, but has length %d", mh.Len())
	}
	if _, _, ok := mh.Peek(); ok {
		t.Error("Peek on empty heap should return ok=false")
	}
	if _, _, ok := mh.PopMin(); ok {
		t.Error("PopMin on empty heap should return ok=false")
	}
}

// TestReschedule tests that adding an existing key moves it instead of duplicating it
func TestReschedule(t *testing.T) {
	mh := NewMapHeap()

	mh.AddItem(1, 100)
	mh.AddItem(2, 200)
	mh.AddItem(1, 300)

	if mh.Len() != 2 {
		t.Fatalf("Heap should have 2 items, has %d", mh.Len())
	}
	key, prio, _ := mh.Peek()
	if key != 2 || prio != 200 {
		t.Errorf("Expected (2,200) first, got (%d,%d)", key, prio)
	}
	if p, ok := mh.Priority(1); !ok || p != 300 {
		t.Errorf("Expected key 1 at 300, got %d (ok=%v)", p, ok)
	}

	mh.AddItem(2, 50)
	key, prio, _ = mh.Peek()
	if key != 2 || prio != 50 {
		t.Errorf("Expected (2,50) first, got (%d,%d)", key, prio)
	}
}

// TestRemoveByKey tests cancelling scheduled keys
func TestRemoveByKey(t *testing.T) {
	mh := NewMapHeap()
	mh.AddItem(1, 100)
	mh.AddItem(2, 200)
	mh.AddItem(3, 300)

	prio, ok := mh.RemoveByKey(2)
	if !ok || prio != 200 {
		t.Fatalf("RemoveByKey(2) = (%d,%v), want (200,true)", prio, ok)
	}
	if mh.Contains(2) {
		t.Error("Heap should not contain key 2 after removal")
	}
	if _, ok := mh.RemoveByKey(99); ok {
		t.Error("RemoveByKey should return false for unknown key")
	}
	if mh.Len() != 2 {
		t.Errorf("Heap should have 2 items, has %d", mh.Len())
	}
}

// TestPopOrder tests that entries leave the queue ordered by priority, ties by key
func TestPopOrder(t *testing.T) {
	mh := NewMapHeap()

	input := []struct{ key, prio uint64 }{
		{5, 50}, {3, 30}, {1, 10}, {4, 40}, {2, 20}, {6, 20},
	}
	for _, in := range input {
		mh.AddItem(in.key, in.prio)
	}

	sort.Slice(input, func(i, j int) bool {
		if input[i].prio == input[j].prio {
			return input[i].key < input[j].key
		}
		return input[i].prio < input[j].prio
	})

	for i, want := range input {
		key, prio, ok := mh.PopMin()
		if !ok {
			t.Fatalf("Heap empty after %d pops", i)
		}
		if key != want.key || prio != want.prio {
			t.Errorf("Pop %d: expected (%d,%d), got (%d,%d)", i, want.key, want.prio, key, prio)
		}
	}
	if mh.Len() != 0 || len(mh.byKey) != 0 {
		t.Errorf("Heap should be empty, has %d entries and %d keys", mh.Len(), len(mh.byKey))
	}
}

// BenchmarkScheduleAndFire measures the rescheduling pattern of a periodic timer
func BenchmarkScheduleAndFire(b *testing.B) {
	mh := NewMapHeap()
	for i := uint64(0); i < 1024; i++ {
		mh.AddItem(i, i*10)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key, prio, _ := mh.PopMin()
		mh.AddItem(key, prio+10240)
	}
}
