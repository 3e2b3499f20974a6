package server

import (
	"context"

	"github.com/ValentinKolb/dProxy/lib/pdu"
	"github.com/ValentinKolb/dProxy/lib/util"
)

// Response routes a PDU produced on a worker back to a connection.
// A nil PDU asks the event loop to close the connection.
type Response struct {
	ConnID uint32
	PDU    *pdu.PDU
}

// ResponseQueue carries responses from the workers to the event loop.
// Any goroutine may Add, only the event loop drains.
type ResponseQueue struct {
	q    *util.MPSC[Response]
	wake func()
}

// NewResponseQueue creates a queue. wake (optional) is called after every
// successful Add so a sleeping event loop picks the response up right away.
func NewResponseQueue(wake func()) *ResponseQueue {
	return &ResponseQueue{q: util.NewMPSC[Response](), wake: wake}
}

// Add enqueues a response for connection id. It reports false once the
// queue is closed.
func (r *ResponseQueue) Add(id uint32, p *pdu.PDU) bool {
	if !r.q.Push(Response{ConnID: id, PDU: p}) {
		return false
	}
	if r.wake != nil {
		r.wake()
	}
	return true
}

// Drain hands up to limit queued responses to fn, limit <= 0 means all.
// fn runs without any lock held.
func (r *ResponseQueue) Drain(limit int, fn func(Response)) int {
	return r.q.Drain(limit, fn)
}

// Wait blocks until a response is available, the queue is closed or ctx is done
func (r *ResponseQueue) Wait(ctx context.Context) (Response, error) {
	return r.q.Pop(ctx)
}

// Len returns the approximate number of queued responses
func (r *ResponseQueue) Len() int {
	return r.q.Len()
}

// Close rejects further responses. Queued responses can still be drained.
func (r *ResponseQueue) Close() {
	r.q.Close()
}
