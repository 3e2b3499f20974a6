// Package server implements the proxy server: the connection layer that
// sits between client sockets and the request handlers.
//
// One goroutine runs the event loop and owns every socket and connection.
// Complete PDUs are handed to a worker pool together with the correlation
// id of their connection. Handlers never touch a connection, they return a
// response PDU that travels through the response queue, and the event loop
// drains that queue once per iteration and writes each response to the
// connection that still owns the id. Responses for connections that closed
// in the meantime are dropped.
//
// Key Components:
//
//   - Server: listeners, the two connection tables (by socket handle and by
//     correlation id), liveness sweep, shutdown handshake and metrics.
//
//   - ProxyConn: a framed connection with a correlation id. Heartbeats are
//     swallowed, unknown commands are logged and dropped, framing errors
//     close the connection.
//
//   - HandlerMap / HandlerFunc: command id to handler mapping.
//
//   - ResponseQueue: the worker to event loop queue. A nil PDU is the
//     request to close the connection.
//
// Shutdown:
//
//	Shutdown may be called from any goroutine. The loop sends one stop
//	receive PDU to every connection (and to connections accepted later),
//	runs the OnShutdown hooks and stops after ServerConfig.ShutdownGrace so
//	responses that are in flight still reach their clients.
//
// Usage Example:
//
//	s, err := server.NewServer(config)
//	if err != nil {
//	  log.Fatal(err)
//	}
//	s.Handle(0x0201, func(id uint32, req *pdu.PDU) (*pdu.PDU, error) {
//	  return pdu.NewResponse(req, lookup(req.Body)), nil
//	})
//	if err := s.ListenAndServe(ctx); err != nil {
//	  log.Fatal(err)
//	}
package server
