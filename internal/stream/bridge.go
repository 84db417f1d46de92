package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"
)

const (
	// DefaultKeepAlive is the keep-alive interval used when Config.KeepAlive is zero.
	DefaultKeepAlive = 30 * time.Second

	// KeepAliveDisabled turns the keep-alive probe off.
	KeepAliveDisabled time.Duration = -1

	// Initial capacity of the inbound value queue.
	inboundQueueCapacity = 16
)

var errTrailingData = errors.New("unexpected data after JSON value")

// Config holds configuration for a Bridge.
type Config struct {
	// KeepAlive is the interval between liveness probes. Zero selects
	// DefaultKeepAlive, KeepAliveDisabled (or any negative value) disables them.
	KeepAlive time.Duration

	// Logger receives the Bridge's log output. Defaults to logr.Discard().
	Logger logr.Logger

	// Debug logs every bridge event at info level instead of V(1).
	Debug bool
}

// keepAliveInterval returns the effective interval and whether probing is enabled.
func (c Config) keepAliveInterval() (time.Duration, bool) {
	switch {
	case c.KeepAlive == 0:
		return DefaultKeepAlive, true
	case c.KeepAlive < 0:
		return 0, false
	default:
		return c.KeepAlive, true
	}
}

type state int

const (
	stateOpen state = iota
	stateClosing
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var _ Duplex = (*Bridge)(nil)

// Bridge carries JSON values between a Conn and a single Duplex consumer.
type Bridge struct {
	conn   Conn
	logger logr.Logger
	debug  bool

	headers    http.Header
	remoteAddr string
	keepAlive  time.Duration

	// mu serializes every event so each one runs to completion.
	mu          sync.Mutex
	state       state
	unsubscribe func()
	inputEnded  bool

	in   *chanx.UnboundedChan[any]
	errs chan error
	done chan struct{}

	// keepAliveStop is nil when keep-alive is disabled.
	keepAliveStop     chan struct{}
	stopKeepAliveOnce sync.Once
}

// NewBridge creates a Bridge that owns conn. The Bridge is open when NewBridge returns.
func NewBridge(conn Conn, cfg Config) (*Bridge, error) {
	handshake := conn.Handshake()
	if handshake == nil {
		return nil, ErrMissingHandshake
	}

	logger := cfg.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	b := &Bridge{
		conn:       conn,
		logger:     logger.WithName("share-stream"),
		debug:      cfg.Debug,
		headers:    handshake.Headers,
		remoteAddr: handshake.RemoteAddr,
		state:      stateOpen,
		in:         chanx.NewUnboundedChan[any](context.Background(), inboundQueueCapacity),
		errs:       make(chan error, 1),
		done:       make(chan struct{}),
	}

	// Hold the lock until construction is complete so that events dispatched
	// by the connection right after Subscribe wait for an initialized Bridge.
	b.mu.Lock()
	defer b.mu.Unlock()

	b.unsubscribe = conn.Subscribe(bridgeHandler{b})

	if interval, ok := cfg.keepAliveInterval(); ok {
		b.keepAlive = interval
		b.keepAliveStop = make(chan struct{})
		go b.keepAliveLoop(time.NewTicker(interval), b.keepAliveStop)
	}

	return b, nil
}

// Headers returns the handshake headers of the connection.
func (b *Bridge) Headers() http.Header {
	return b.headers
}

// RemoteAddr returns the address of the connected peer.
func (b *Bridge) RemoteAddr() string {
	return b.remoteAddr
}

// KeepAlive returns the keep-alive interval, or zero when keep-alive is disabled.
func (b *Bridge) KeepAlive() time.Duration {
	return b.keepAlive
}

// Read returns the next value received from the connection.
// It returns io.EOF once the connection has closed and all values were read.
func (b *Bridge) Read(ctx context.Context) (any, error) {
	select {
	case v, ok := <-b.in.Out:
		if !ok {
			return nil, io.EOF
		}
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Messages returns the channel values are delivered on. It is closed when the input ends.
func (b *Bridge) Messages() <-chan any {
	return b.in.Out
}

// Errors returns the channel recoverable errors are reported on, such as
// undecodable frames. It is closed when the Bridge is closed.
func (b *Bridge) Errors() <-chan error {
	return b.errs
}

// Done is closed once the Bridge has reached its closed state.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Write encodes v as JSON and sends it to the connection. The write is
// acknowledged once the send has been issued; transmission failures are only logged.
func (b *Bridge) Write(v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stateOpen {
		return ErrClosed
	}

	b.conn.Send(frame, b.onSendDone)
	return nil
}

// End gracefully ends the stream, closing the connection with a normal closure.
func (b *Bridge) End() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stateOpen {
		return nil
	}

	b.log("streamEnd")
	b.state = stateClosing
	b.stopKeepAlive()

	if err := b.conn.Close(CloseNormal, ""); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

// Fail terminates the stream because of err. The connection is closed with
// the close code carried by err, or 1008, and the error text as reason.
func (b *Bridge) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failLocked(err)
}

func (b *Bridge) failLocked(err error) {
	if err == nil {
		err = errors.New("stream failed")
	}

	if b.state != stateOpen {
		b.logger.V(1).Info("ignoring error on a bridge that is not open", "state", b.state.String(), "error", err.Error())
		return
	}

	b.log("streamError", "err", err.Error())
	b.state = stateClosing
	b.stopKeepAlive()

	if cerr := b.conn.Close(closeCodeOf(err), err.Error()); cerr != nil {
		b.logger.Error(cerr, "failed to close connection")
	}
}

// onConnMessage handles a frame received on the connection.
func (b *Bridge) onConnMessage(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Input ends only when the connection reports its close. Until then frames
	// still reach the reader, even after End or Fail.
	if b.state == stateClosed {
		b.logger.V(1).Info("dropping frame received after close")
		return
	}

	b.log("wsMessage", "msg", text)

	v, err := decodeFrame(text)
	if err != nil {
		if b.state == stateClosing {
			// The close frame is already on its way.
			b.logger.V(1).Info("ignoring undecodable frame while closing", "error", err.Error())
			return
		}
		b.logger.V(1).Info("received undecodable frame", "error", err.Error())
		cerr := NewCloseError(CloseUnsupportedData, ErrInvalidJSON)
		b.emitError(cerr)
		b.failLocked(cerr)
		return
	}

	b.in.In <- v
}

// onConnClose handles the connection closing. The connection is not closed again.
func (b *Bridge) onConnClose(code int, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateClosed {
		return
	}

	b.stopKeepAlive()
	b.log("wsClose", "code", code, "message", reason)

	b.state = stateClosed
	b.endInput()
	close(b.errs)

	if b.unsubscribe != nil {
		b.unsubscribe()
		b.unsubscribe = nil
	}

	close(b.done)
}

// onSendDone observes the result of a send. It must not take b.mu.
func (b *Bridge) onSendDone(err error) {
	if err != nil {
		b.logger.Error(err, "Failed to send message to a WebSocket")
	}
}

func (b *Bridge) emitError(err error) {
	select {
	case b.errs <- err:
	default:
		b.logger.V(1).Info("dropping error, no reader", "error", err.Error())
	}
}

func (b *Bridge) endInput() {
	if b.inputEnded {
		return
	}
	b.inputEnded = true
	close(b.in.In)
}

func (b *Bridge) keepAliveLoop(ticker *time.Ticker, stop <-chan struct{}) {
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.sendKeepAlive()
		}
	}
}

// sendKeepAlive sends the liveness probe. The state check under the lock
// keeps a tick that races with a close from sending anything.
func (b *Bridge) sendKeepAlive() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stateOpen {
		return
	}

	b.log("keepAlive")
	b.conn.Send(nil, b.onSendDone)
}

func (b *Bridge) stopKeepAlive() {
	if b.keepAliveStop == nil {
		return
	}
	b.stopKeepAliveOnce.Do(func() {
		close(b.keepAliveStop)
	})
}

func (b *Bridge) log(evt string, keysAndValues ...any) {
	keysAndValues = append([]any{"evt", evt}, keysAndValues...)
	if b.debug {
		b.logger.Info("bridge event", keysAndValues...)
		return
	}
	b.logger.V(1).Info("bridge event", keysAndValues...)
}

// decodeFrame parses text as exactly one JSON value. Numbers are kept as json.Number.
func decodeFrame(text string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errTrailingData
	}
	return v, nil
}

// bridgeHandler receives connection events on behalf of a Bridge.
type bridgeHandler struct {
	b *Bridge
}

func (h bridgeHandler) OnMessage(text string) {
	h.b.onConnMessage(text)
}

func (h bridgeHandler) OnClose(code int, reason string) {
	h.b.onConnClose(code, reason)
}
