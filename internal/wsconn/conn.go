package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"github.com/smallnest/chanx"

	"github.com/share-stream/backend/internal/metrics"
	"github.com/share-stream/backend/internal/stream"
)

const (
	// Time allowed to write a message to the peer.
	defaultWriteWait = 10 * time.Second

	// Time allowed for the peer to answer our close frame.
	defaultCloseGrace = 5 * time.Second

	// Maximum message size allowed from peer.
	defaultMaxMessageSize = 64 * 1024

	// Close frames carry at most 125 bytes, two of them are the code.
	maxCloseReasonBytes = 123

	// Initial capacity of the outbound frame queue.
	outboundQueueCapacity = 64
)

var (
	// ErrClosed is reported to send callbacks once the connection is closing.
	ErrClosed = errors.New("connection closed")
)

// Recorder journals the frames of a connection.
type Recorder interface {
	RecordInput(data []byte) error
	RecordOutput(data []byte) error
	RecordClose(code int, reason string) error
	Close() error
}

// Config holds configuration for a Conn.
type Config struct {
	// PingPeriod enables WebSocket pings when positive.
	PingPeriod time.Duration
	// PongWait is how long to wait for a pong once pings are enabled.
	// Defaults to 10/9 of PingPeriod.
	PongWait time.Duration
	// WriteWait bounds every write. Defaults to 10s.
	WriteWait time.Duration
	// CloseGrace is how long the peer has to answer a close frame
	// before the socket is shut. Defaults to 5s.
	CloseGrace time.Duration
	// MaxMessageSize is the read limit. Defaults to 64KiB.
	MaxMessageSize int64
	// Recorder, if set, receives every frame. The Conn closes it.
	Recorder Recorder
	Logger   logr.Logger
}

func (c *Config) setDefaults() {
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = defaultCloseGrace
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.PingPeriod > 0 && c.PongWait <= c.PingPeriod {
		c.PongWait = (c.PingPeriod * 10) / 9
	}
	if c.Logger.GetSink() == nil {
		c.Logger = logr.Discard()
	}
}

type outbound struct {
	payload []byte
	done    func(error)

	// close marks the close frame, always the last item queued.
	close  bool
	code   int
	reason string
}

var _ stream.Conn = (*Conn)(nil)

// Conn is a gorilla WebSocket connection exposed as a stream.Conn.
//
// Frames are read by a single read pump, started by the first Subscribe,
// and written by a single write pump fed through an unbounded queue.
type Conn struct {
	ws        *websocket.Conn
	handshake *stream.Handshake
	cfg       Config
	logger    logr.Logger

	out *chanx.UnboundedChan[outbound]

	mu          sync.Mutex
	handler     stream.Handler
	closing     bool // a close frame was queued or received
	localClose  bool // we sent the first close frame
	closed      bool
	closeCode   int
	closeReason string
	graceTimer  *time.Timer

	readOnce sync.Once
	done     chan struct{}
}

// Upgrade upgrades the HTTP connection to the WebSocket protocol.
func Upgrade(w http.ResponseWriter, r *http.Request, cfg Config) (*Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     currentCheckOrigin(),
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	handshake := &stream.Handshake{
		Headers:    r.Header.Clone(),
		RemoteAddr: r.RemoteAddr,
	}
	return newConn(ws, handshake, cfg), nil
}

// Dial opens a client connection to url.
func Dial(ctx context.Context, url string, header http.Header, cfg Config) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	handshake := &stream.Handshake{
		Headers:    resp.Header.Clone(),
		RemoteAddr: ws.RemoteAddr().String(),
	}
	return newConn(ws, handshake, cfg), nil
}

func newConn(ws *websocket.Conn, handshake *stream.Handshake, cfg Config) *Conn {
	cfg.setDefaults()

	c := &Conn{
		ws:        ws,
		handshake: handshake,
		cfg:       cfg,
		logger:    cfg.Logger.WithValues("remote", handshake.RemoteAddr),
		out:       chanx.NewUnboundedChan[outbound](context.Background(), outboundQueueCapacity),
		done:      make(chan struct{}),
	}

	// Answer a peer initiated close with its own code, as gorilla does by default,
	// and note that the close was not ours.
	ws.SetCloseHandler(func(code int, text string) error {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()

		message := websocket.FormatCloseMessage(code, "")
		_ = ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(c.cfg.WriteWait))
		return nil
	})

	metrics.ConnectionOpened()
	go c.writePump()

	return c
}

// Handshake returns the handshake metadata of the connection.
func (c *Conn) Handshake() *stream.Handshake {
	return c.handshake
}

// Done is closed once the connection is fully closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Subscribe registers h for connection events and starts reading. If the
// connection has already closed, h receives OnClose asynchronously.
func (c *Conn) Subscribe(h stream.Handler) func() {
	c.mu.Lock()
	c.handler = h
	closed, code, reason := c.closed, c.closeCode, c.closeReason
	c.mu.Unlock()

	if closed {
		go h.OnClose(code, reason)
	} else {
		c.startReading()
	}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.handler == h {
			c.handler = nil
		}
	}
}

// Send queues payload as a text frame. A nil payload is written as an empty
// text frame. done is called from the write pump with the write result.
func (c *Conn) Send(payload []byte, done func(error)) {
	c.mu.Lock()
	if c.closing || c.closed {
		c.mu.Unlock()
		if done != nil {
			done(ErrClosed)
		}
		return
	}
	c.out.In <- outbound{payload: payload, done: done}
	c.mu.Unlock()
}

// Close queues a close frame after any pending frames. The socket is shut if
// the peer has not answered within CloseGrace.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closing || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.localClose = true
	c.out.In <- outbound{close: true, code: code, reason: truncateReason(reason)}
	c.mu.Unlock()

	// The reply to our close frame arrives on the read side.
	c.startReading()
	return nil
}

func (c *Conn) startReading() {
	c.readOnce.Do(func() {
		go c.readPump()
	})
}

// readPump dispatches frames to the handler until the connection fails or closes.
func (c *Conn) readPump() {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	if c.cfg.PingPeriod > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		})
	}

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.finish(closeErr.Code, closeErr.Text)
			} else {
				c.finish(websocket.CloseAbnormalClosure, err.Error())
			}
			return
		}

		metrics.ObserveFrame(metrics.DirectionIn)
		if c.cfg.Recorder != nil {
			if err := c.cfg.Recorder.RecordInput(message); err != nil {
				c.logger.Error(err, "failed to record inbound frame")
			}
		}

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h.OnMessage(string(message))
		}
	}
}

// writePump writes queued frames and pings until the connection is closed.
func (c *Conn) writePump() {
	var pings <-chan time.Time
	if c.cfg.PingPeriod > 0 {
		ticker := time.NewTicker(c.cfg.PingPeriod)
		defer ticker.Stop()
		pings = ticker.C
	}

	defer c.drain()

	for {
		select {
		case item, ok := <-c.out.Out:
			if !ok {
				return
			}
			if item.close {
				c.writeClose(item.code, item.reason)
				continue
			}
			err := c.writeFrame(item.payload)
			if item.done != nil {
				item.done(err)
			}
		case <-pings:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.logger.V(1).Info("failed to send ping", "error", err.Error())
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeFrame(payload []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		metrics.ObserveSendFailure()
		return err
	}

	metrics.ObserveFrame(metrics.DirectionOut)
	if c.cfg.Recorder != nil {
		if err := c.cfg.Recorder.RecordOutput(payload); err != nil {
			c.logger.Error(err, "failed to record outbound frame")
		}
	}
	return nil
}

func (c *Conn) writeClose(code int, reason string) {
	message := websocket.FormatCloseMessage(code, reason)
	if err := c.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(c.cfg.WriteWait)); err != nil {
		c.logger.V(1).Info("failed to send close frame", "error", err.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.graceTimer = time.AfterFunc(c.cfg.CloseGrace, func() {
			c.logger.V(1).Info("peer did not answer close frame, shutting socket")
			_ = c.ws.Close()
		})
	}
}

// drain fails the callbacks of frames that were never written.
func (c *Conn) drain() {
	for item := range c.out.Out {
		if item.done != nil {
			item.done(ErrClosed)
		}
	}
}

// finish tears the connection down and emits the single OnClose.
func (c *Conn) finish(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closing = true
	c.closeCode = code
	c.closeReason = reason
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	initiator := metrics.InitiatorRemote
	if c.localClose {
		initiator = metrics.InitiatorLocal
	}
	h := c.handler
	close(c.out.In)
	close(c.done)
	c.mu.Unlock()

	_ = c.ws.Close()
	metrics.ConnectionClosed()
	metrics.ObserveClose(code, initiator)

	if c.cfg.Recorder != nil {
		if err := c.cfg.Recorder.RecordClose(code, reason); err != nil {
			c.logger.Error(err, "failed to record close")
		}
		if err := c.cfg.Recorder.Close(); err != nil {
			c.logger.Error(err, "failed to close recorder")
		}
	}

	c.logger.V(1).Info("connection closed", "code", code, "reason", reason, "initiator", initiator)

	if h != nil {
		h.OnClose(code, reason)
	}
}

// truncateReason cuts reason to the close frame limit on a rune boundary.
func truncateReason(reason string) string {
	if len(reason) <= maxCloseReasonBytes {
		return reason
	}
	cut := maxCloseReasonBytes
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
