package stream

import (
	"context"
	"net/http"
)

// Handshake is the metadata captured when the connection was established.
type Handshake struct {
	// Headers are the handshake request headers.
	Headers http.Header
	// RemoteAddr is the address of the peer.
	RemoteAddr string
}

// Handler receives the events emitted by a Conn.
type Handler interface {
	// OnMessage is called for every frame received, in receipt order.
	OnMessage(text string)
	// OnClose is called once when the connection is closed by either side.
	OnClose(code int, reason string)
}

// Conn is the transport a Bridge runs on.
//
// Implementations must not call Handler methods synchronously from within
// Send or Close.
type Conn interface {
	// Handshake returns the handshake metadata, or nil if there is none.
	Handshake() *Handshake

	// Subscribe registers h for connection events. The returned function
	// removes the subscription.
	Subscribe(h Handler) (unsubscribe func())

	// Send transmits payload as a text frame without blocking. A nil payload
	// is a liveness probe. done, if non-nil, receives the transmission result.
	Send(payload []byte, done func(error))

	// Close starts the closing handshake with the given code and reason.
	Close(code int, reason string) error
}

// Duplex is a bidirectional stream of JSON-serializable values.
type Duplex interface {
	// Read returns the next value received. It returns io.EOF once the input
	// has ended and every value has been read.
	Read(ctx context.Context) (any, error)

	// Write sends v to the peer.
	Write(v any) error

	// End gracefully ends the stream.
	End() error

	// Fail terminates the stream because of err.
	Fail(err error)
}
