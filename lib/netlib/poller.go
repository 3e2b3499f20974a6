package netlib

import (
	"time"
)

// readyEvent is one readiness report of the poller
type readyEvent struct {
	handle Handle
	ready  Interest
}

// poller is the OS specific readiness backend of the dispatcher
type poller interface {
	// control moves the registration of h from old to next, adding or
	// removing it when one of them is empty
	control(h Handle, old, next Interest) error
	// wait blocks for at most timeout and fills out with ready sockets.
	// Interrupted waits and wakeups return 0 events without error.
	wait(out []readyEvent, timeout time.Duration) (int, error)
	// wake interrupts a concurrent or the next wait
	wake() error
	close() error
}
