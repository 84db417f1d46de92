// Package stream adapts a WebSocket-style connection to a duplex stream of
// structured values.
//
// A Bridge owns exactly one Conn. Text frames received on the connection are
// decoded as JSON and handed to the consumer through Read; values given to
// Write are encoded as JSON and sent as text frames. The package implements:
//   - Bridge: the adapter itself, implementing Duplex
//   - Conn / Handler: the capabilities a transport has to offer
//   - CloseError / CloseCoder: close-code aware errors
//
// Close codes follow RFC 6455:
//   - consumer End: 1000 with no reason
//   - undecodable inbound frame: 1003 "Client sent invalid JSON"
//   - consumer Fail: the error's close code, or 1008, with the error text
//
// While keep-alive is enabled the Bridge sends a null frame on every interval
// so that idle intermediaries do not drop the connection.
package stream
