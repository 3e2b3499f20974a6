// Package cmd implements the command-line interface of dProxy. It provides a
// hierarchical command structure for running the proxy and for talking to a
// running instance as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts the proxy (listeners, event loop, worker pool, metrics endpoint)
//   - pdu: Client commands (send a single PDU, run parallel benchmarks)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// All flags can also be set as environment variables with the DPROXY_ prefix,
// .env and .env.local files in the working directory are loaded on start.
//
// See dproxy -help for a list of all commands.
package cmd
