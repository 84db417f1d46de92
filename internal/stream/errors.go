package stream

import "errors"

// WebSocket close codes used by the Bridge.
const (
	CloseNormal          = 1000
	CloseUnsupportedData = 1003
	ClosePolicyViolation = 1008
)

var (
	// ErrMissingHandshake is returned by NewBridge when the connection carries no handshake metadata.
	ErrMissingHandshake = errors.New("connection has no handshake metadata")

	// ErrClosed is returned when writing to a Bridge that is closing or closed.
	ErrClosed = errors.New("bridge closed")

	// ErrInvalidJSON is reported when the peer sends a frame that is not a JSON value.
	ErrInvalidJSON = errors.New("Client sent invalid JSON")
)

// CloseCoder is implemented by errors that carry a WebSocket close code.
type CloseCoder interface {
	CloseCode() int
}

// CloseError is an error with an attached WebSocket close code.
type CloseError struct {
	Code int
	Err  error
}

// NewCloseError wraps err with the given close code.
func NewCloseError(code int, err error) *CloseError {
	return &CloseError{Code: code, Err: err}
}

func (e *CloseError) Error() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *CloseError) Unwrap() error {
	return e.Err
}

// CloseCode returns the close code attached to the error.
func (e *CloseError) CloseCode() int {
	return e.Code
}

// closeCodeOf returns the close code carried by err, or ClosePolicyViolation.
func closeCodeOf(err error) int {
	var coder CloseCoder
	if errors.As(err, &coder) && coder.CloseCode() != 0 {
		return coder.CloseCode()
	}
	return ClosePolicyViolation
}
