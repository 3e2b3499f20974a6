// Package util provides small building blocks shared by the proxy core.
//
// The package contains:
//   - mpsc: A lock-free Multi-Producer Single-Consumer (MPSC) queue. Worker goroutines push
//     responses, the I/O goroutine drains them without ever blocking
//   - mapheap: A min-heap with key-based access, used as the deadline queue of the dispatcher timers
//   - pidfile: Writing and removing the pid file of a running proxy
//   - stats: Summary statistics for latency samples collected by the perf tooling
//
// None of the types except MPSC are safe for concurrent use.
package util
