// Package common holds what the proxy server, the client and the CLI share.
//
// Key Components:
//
//   - ServerConfig: every parameter of the proxy server, with defaults,
//     validation and a printable summary. NetlibOptions derives the network
//     layer options from it.
//
//   - ClientConfig: endpoint, timeout and heartbeat interval of a client.
//
//   - Logger: the text and json logger factories plugged into dragonboat's
//     logger package, and InitLoggers which installs one of them and sets
//     the level of all package loggers.
//
//   - SplitList and ParseCommandIDs: list parsing used by flags and config
//     files.
package common
