// Package netlib is the single threaded, readiness based network layer of the proxy.
//
// A NetLib instance owns three things:
//
//   - a Registry mapping handles to live sockets. Closing a socket removes it from the
//     registry at once, but the descriptor is only closed after the dispatcher stopped
//     using it, so a handle can never be reused while a callback for the old socket runs
//   - a Dispatcher that waits for readiness (epoll on Linux), routes it to the sockets,
//     fires timers and runs loop hooks
//   - the Socket state machines for listening, connecting and connected sockets
//
// Everything except Dispatcher.Wake, Dispatcher.Stop, the timer and registration
// functions runs on the goroutine that drives the loop. Upper layers react to Events
// delivered through a Callback.
//
// Write readiness is observed in one of two modes (see WriteMode):
//
//	rearm: read interest is level-triggered, write interest is armed after a send
//	       would block and dropped again when the socket became writable
//	edge:  every socket is registered edge-triggered for everything once
//
// Both modes require the owner to drain a readable socket until Recv returns
// ErrWouldBlock.
//
// Example:
//
//	lib, _ := netlib.New(netlib.DefaultOptions())
//	_, err := lib.Listen("0.0.0.0", 10600, func(ev netlib.Event, h netlib.Handle) {
//	    if ev == netlib.EventConnect {
//	        _ = lib.SetCallback(h, onConnEvent)
//	    }
//	})
//	_ = lib.Run(ctx, 10*time.Millisecond)
package netlib
