// Package util
//
// This file provides the deadline queue that backs the dispatcher timers.
//
// The queue combines a binary min-heap with a hash map, so the next due entry
// is available in O(1) and any entry can be rescheduled or cancelled by its key
// in O(log n). Keys are timer ids, priorities are absolute deadlines in unix
// nanoseconds.
//
// The queue is not thread-safe. The dispatcher only touches it while holding
// its own mutex.
//
// Example usage:
//
//	timers := NewMapHeap()
//
//	// schedule timer 7 one second from now
//	timers.AddItem(7, uint64(time.Now().Add(time.Second).UnixNano()))
//
//	// fire everything that is due
//	for {
//	    key, deadline, ok := timers.Peek()
//	    if !ok || deadline > uint64(time.Now().UnixNano()) {
//	        break
//	    }
//	    timers.PopMin()
//	    fire(key)
//	}
package util

import (
	"container/heap"
	"strconv"
)

// entry is one scheduled key inside the heap
type entry struct {
	key      uint64
	priority uint64
	index    int // maintained by the heap package
}

func (e *entry) String() string {
	return "{Key: " + strconv.FormatUint(e.key, 10) + ", Priority: " + strconv.FormatUint(e.priority, 10) + "}"
}

// MapHeap is a min-heap of (key, priority) pairs with O(1) key lookup.
type MapHeap struct {
	entries []*entry
	byKey   map[uint64]*entry
}

// NewMapHeap creates an empty queue
func NewMapHeap() *MapHeap {
	return &MapHeap{
		entries: make([]*entry, 0),
		byKey:   make(map[uint64]*entry),
	}
}

// --------------------------------------------------------------------------
// heap.Interface (not meant to be called directly)
// --------------------------------------------------------------------------

func (mh *MapHeap) Len() int { return len(mh.entries) }

func (mh *MapHeap) Less(i, j int) bool {
	if mh.entries[i].priority == mh.entries[j].priority {
		// equal deadlines fire in scheduling order
		return mh.entries[i].key < mh.entries[j].key
	}
	return mh.entries[i].priority < mh.entries[j].priority
}

func (mh *MapHeap) Swap(i, j int) {
	mh.entries[i], mh.entries[j] = mh.entries[j], mh.entries[i]
	mh.entries[i].index = i
	mh.entries[j].index = j
}

func (mh *MapHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(mh.entries)
	mh.entries = append(mh.entries, e)
	mh.byKey[e.key] = e
}

func (mh *MapHeap) Pop() interface{} {
	old := mh.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	mh.entries = old[:n-1]
	delete(mh.byKey, e.key)
	return e
}

// --------------------------------------------------------------------------
// Queue operations
// --------------------------------------------------------------------------

// AddItem schedules key with the given priority. An existing key is moved to
// the new priority.
func (mh *MapHeap) AddItem(key, priority uint64) {
	if e, exists := mh.byKey[key]; exists {
		e.priority = priority
		heap.Fix(mh, e.index)
		return
	}
	heap.Push(mh, &entry{key: key, priority: priority})
}

// RemoveByKey cancels key and returns the priority it was scheduled with.
func (mh *MapHeap) RemoveByKey(key uint64) (uint64, bool) {
	e, exists := mh.byKey[key]
	if !exists {
		return 0, false
	}
	heap.Remove(mh, e.index)
	return e.priority, true
}

// Peek returns the entry with the lowest priority without removing it.
func (mh *MapHeap) Peek() (key, priority uint64, ok bool) {
	if len(mh.entries) == 0 {
		return 0, 0, false
	}
	return mh.entries[0].key, mh.entries[0].priority, true
}

// PopMin removes and returns the entry with the lowest priority.
func (mh *MapHeap) PopMin() (key, priority uint64, ok bool) {
	if len(mh.entries) == 0 {
		return 0, 0, false
	}
	e := heap.Pop(mh).(*entry)
	return e.key, e.priority, true
}

// Contains checks if key is scheduled
func (mh *MapHeap) Contains(key uint64) bool {
	_, exists := mh.byKey[key]
	return exists
}

// Priority returns the priority key is scheduled with.
func (mh *MapHeap) Priority(key uint64) (uint64, bool) {
	e, exists := mh.byKey[key]
	if !exists {
		return 0, false
	}
	return e.priority, true
}
