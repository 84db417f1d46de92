package engine

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDuplex is an in-memory stream.Duplex.
type fakeDuplex struct {
	in     chan any
	writes chan []byte

	mu        sync.Mutex
	ended     bool
	failed    error
	closeOnce sync.Once
}

func newFakeDuplex() *fakeDuplex {
	return &fakeDuplex{
		in:     make(chan any, 64),
		writes: make(chan []byte, 64),
	}
}

func (d *fakeDuplex) Read(ctx context.Context) (any, error) {
	select {
	case v, ok := <-d.in:
		if !ok {
			return nil, io.EOF
		}
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDuplex) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	d.writes <- b
	return nil
}

func (d *fakeDuplex) End() error {
	d.mu.Lock()
	d.ended = true
	d.mu.Unlock()
	d.closeInput()
	return nil
}

func (d *fakeDuplex) Fail(err error) {
	d.mu.Lock()
	d.failed = err
	d.mu.Unlock()
	d.closeInput()
}

func (d *fakeDuplex) closeInput() {
	d.closeOnce.Do(func() { close(d.in) })
}

// send pushes a request given as JSON text, decoded the way the Bridge does.
func (d *fakeDuplex) send(t *testing.T, text string) {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v any
	require.NoError(t, dec.Decode(&v))
	d.in <- v
}

// next returns the next written message decoded as an object.
func (d *fakeDuplex) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case b := <-d.writes:
		var msg map[string]any
		require.NoError(t, json.Unmarshal(b, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func (d *fakeDuplex) failure() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failed
}

func (d *fakeDuplex) wasEnded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ended
}
