package stream

import (
	"net/http"
	"sync"
)

type closeCall struct {
	code   int
	reason string
}

// mockConn is a Conn that records what the Bridge does with it.
type mockConn struct {
	mu           sync.Mutex
	handshake    *Handshake
	handler      Handler
	sent         [][]byte
	closes       []closeCall
	unsubscribed int
	sendErr      error
}

func newMockConn() *mockConn {
	return &mockConn{
		handshake: &Handshake{
			Headers:    http.Header{"Foo": {"bar"}},
			RemoteAddr: "1.1.1.1",
		},
	}
}

func (c *mockConn) Handshake() *Handshake {
	return c.handshake
}

func (c *mockConn) Subscribe(h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.handler = nil
		c.unsubscribed++
	}
}

func (c *mockConn) Send(payload []byte, done func(error)) {
	c.mu.Lock()
	c.sent = append(c.sent, payload)
	err := c.sendErr
	c.mu.Unlock()

	if done != nil {
		done(err)
	}
}

func (c *mockConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes = append(c.closes, closeCall{code: code, reason: reason})
	return nil
}

// emitMessage delivers a frame to the subscribed handler.
func (c *mockConn) emitMessage(text string) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h.OnMessage(text)
	}
}

// emitClose delivers a close event to the subscribed handler.
func (c *mockConn) emitClose(code int, reason string) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h.OnClose(code, reason)
	}
}

func (c *mockConn) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// probes counts the liveness probes sent so far.
func (c *mockConn) probes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, frame := range c.sent {
		if frame == nil {
			n++
		}
	}
	return n
}

func (c *mockConn) closeCalls() []closeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]closeCall(nil), c.closes...)
}

func (c *mockConn) unsubscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribed
}
