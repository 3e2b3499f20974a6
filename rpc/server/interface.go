package server

import (
	"github.com/ValentinKolb/dProxy/lib/pdu"
	"github.com/puzpuzpuz/xsync/v3"
)

// HandlerFunc handles one request PDU on a worker goroutine.
// connID identifies the connection the request arrived on, req is owned by
// the handler. The returned PDU (if any) is sent back on that connection.
// A nil PDU with a nil error sends nothing, a non-nil error closes the
// connection.
type HandlerFunc func(connID uint32, req *pdu.PDU) (*pdu.PDU, error)

// HandlerMap maps command ids to handlers. It is safe for concurrent use, so
// handlers can be registered while the server is running.
type HandlerMap struct {
	m *xsync.MapOf[uint16, HandlerFunc]
}

// NewHandlerMap creates an empty handler table
func NewHandlerMap() *HandlerMap {
	return &HandlerMap{m: xsync.NewMapOf[uint16, HandlerFunc]()}
}

// Register installs fn for commandID and replaces any previous handler
func (h *HandlerMap) Register(commandID uint16, fn HandlerFunc) {
	h.m.Store(commandID, fn)
}

// Unregister removes the handler of commandID
func (h *HandlerMap) Unregister(commandID uint16) {
	h.m.Delete(commandID)
}

// Lookup returns the handler of commandID
func (h *HandlerMap) Lookup(commandID uint16) (HandlerFunc, bool) {
	return h.m.Load(commandID)
}

// Len returns the number of registered handlers
func (h *HandlerMap) Len() int {
	return h.m.Size()
}

// EchoHandler answers every request with a response carrying the same body
func EchoHandler(_ uint32, req *pdu.PDU) (*pdu.PDU, error) {
	return pdu.NewResponse(req, req.Body), nil
}
