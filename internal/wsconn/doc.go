// Package wsconn exposes gorilla WebSocket connections as stream.Conn.
//
// The package implements:
//   - Upgrade: server side connections from an HTTP request
//   - Dial: client side connections
//   - Conn: the read and write pumps, close handshake and optional ping/pong
//
// Every connection emits exactly one OnClose. Its code is the one sent by the
// peer, or 1006 when the connection ended without a close frame.
package wsconn
