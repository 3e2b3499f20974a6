// Package util provides a lock-free Multi-Producer Single-Consumer (MPSC) queue implementation.
//
// Features and Guarantees:
//
//   - Lock-Free writes: producers only use atomic operations, so worker goroutines never
//     contend on a mutex with the I/O goroutine
//   - Unbounded Size: the queue can grow to any size as needed, limited only by available memory
//   - Thread-Safe writes: Allows any number of goroutines to safely Push() concurrently
//   - Single Consumer: exactly one goroutine may call TryPop(), Drain() or Pop(). The consumer
//     polls directly, there is no background goroutine
//   - No Strict FIFO Guarantee: Under concurrent Push() operations, the exact ordering of items
//     is determined by which producer completes its operation first, not by which producer
//     started first. Items pushed by one producer keep their order.
package util

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
)

// ErrQueueClosed is returned by Pop once the queue is closed and fully drained
var ErrQueueClosed = errors.New("queue closed")

// node represents a single element in the queue
type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// MPSC is a lock-free multi-producer single-consumer queue.
// Implementation uses a linked list of nodes with a sentinel head. Producers
// append at the tail with CAS, the consumer advances the head.
type MPSC[T any] struct {
	head   atomic.Pointer[node[T]]
	tail   atomic.Pointer[node[T]]
	size   atomic.Int64
	closed atomic.Bool

	// notify holds at most one pending wakeup for a consumer blocked in Pop
	notify chan struct{}
}

// NewMPSC creates a new, empty queue
func NewMPSC[T any]() *MPSC[T] {
	sentinel := &node[T]{}

	q := &MPSC[T]{
		notify: make(chan struct{}, 1),
	}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	return q
}

// Push adds an item to the queue.
// Returns true if the item was added, or false if the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *MPSC[T]) Push(value T) bool {
	if q.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}
	q.size.Add(1)

	var backoff uint8
	for {
		tailNode := q.tail.Load()

		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				/*
				 Appended. The tail CAS may fail if another producer already
				 helped moving it forward, the tail still converges.
				*/
				q.tail.CompareAndSwap(tailNode, newNode)
				q.signal()
				return true
			}
		} else {
			// another producer appended but did not move the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		/*
		 Exponential backoff under contention:
		  - few retries: spin with Gosched to avoid parking the goroutine
		  - many retries: yield once per round so the winner can finish
		*/
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// TryPop removes the next item without blocking. The second return value is
// false if the queue is currently empty.
//
// Thread-safety: consumer only.
func (q *MPSC[T]) TryPop() (T, bool) {
	var zero T

	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		return zero, false
	}

	value := next.value
	next.value = zero // next becomes the new sentinel, drop the reference
	q.head.Store(next)
	q.size.Add(-1)

	return value, true
}

// Drain pops items and hands them to fn until the queue is empty or limit
// items were processed. A limit <= 0 drains everything that is visible.
// Returns the number of processed items.
//
// Thread-safety: consumer only.
func (q *MPSC[T]) Drain(limit int, fn func(T)) int {
	n := 0
	for limit <= 0 || n < limit {
		value, ok := q.TryPop()
		if !ok {
			break
		}
		fn(value)
		n++
	}
	return n
}

// Pop removes the next item, blocking until one is available, the queue is
// closed and empty (ErrQueueClosed) or ctx is done.
//
// Thread-safety: consumer only.
func (q *MPSC[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		if value, ok := q.TryPop(); ok {
			return value, nil
		}
		if q.closed.Load() {
			// a push may have won the race against Close
			if value, ok := q.TryPop(); ok {
				return value, nil
			}
			return zero, ErrQueueClosed
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len returns the approximate number of queued items
func (q *MPSC[T]) Len() int {
	if n := q.size.Load(); n > 0 {
		return int(n)
	}
	return 0
}

// Close stops accepting new items. Items already queued can still be popped.
func (q *MPSC[T]) Close() {
	if q.closed.CompareAndSwap(false, true) {
		q.signal()
	}
}

// IsClosed reports whether Close was called
func (q *MPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

func (q *MPSC[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
