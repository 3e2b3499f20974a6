// Package rpc provides the request/response layer of the proxy on top of the
// event loop in lib/netlib and the framing in lib/pdu.
//
// The package is organized into several subpackages:
//
//   - common: Configuration structures, the named logger factory and command
//     parsing helpers shared by the server, the client and the CLI.
//
//   - server: The proxy server. Accepts connections, dispatches every PDU to the
//     handler registered for its command id on a worker pool, routes the results
//     back by correlation id and runs the shutdown handshake.
//
//   - client: A blocking PDU client that correlates responses by sequence number,
//     used by the CLI and the integration tests.
package rpc
