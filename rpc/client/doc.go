// Package client implements a blocking PDU client for the proxy.
//
// The client keeps one TCP connection, writes PDUs from any goroutine and
// runs a single reader that routes every inbound PDU either to the Call
// waiting for its sequence number or to the Notifications channel.
//
// Key Components:
//
//   - Dial: connects and starts the reader and the heartbeat loop.
//
//   - Call: sends a request and waits for the response carrying the same
//     sequence number. Sequence number 0 is never used for calls, so
//     unsolicited PDUs (heartbeats, stop receive) are never mistaken for a
//     response.
//
//   - Send: fire and forget.
//
//   - Notifications: unsolicited PDUs other than heartbeats.
//
// Usage Example:
//
//	c, err := client.Dial(common.DefaultClientConfig())
//	if err != nil {
//	  log.Fatal(err)
//	}
//	defer c.Close()
//
//	resp, err := c.Call(ctx, pdu.New(0x0002, 0x0201, body))
//
// Thread Safety:
//
//	Call, Send and Close are safe for concurrent use.
package client
