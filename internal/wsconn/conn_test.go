package wsconn

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/share-stream/backend/internal/recorder"
	"github.com/share-stream/backend/internal/stream"
)

type closeEvent struct {
	code   int
	reason string
}

// recordingHandler collects the events of a Conn.
type recordingHandler struct {
	messages chan string
	closes   chan closeEvent
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		messages: make(chan string, 64),
		closes:   make(chan closeEvent, 4),
	}
}

func (h *recordingHandler) OnMessage(text string) {
	h.messages <- text
}

func (h *recordingHandler) OnClose(code int, reason string) {
	h.closes <- closeEvent{code: code, reason: reason}
}

func (h *recordingHandler) nextMessage(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-h.messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return ""
	}
}

func (h *recordingHandler) nextClose(t *testing.T) closeEvent {
	t.Helper()
	select {
	case evt := <-h.closes:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
		return closeEvent{}
	}
}

// newTestServer starts a server upgrading every request with cfg and returns
// a client connection together with the server side Conn.
func newTestServer(t *testing.T, cfg Config) (*websocket.Conn, *Conn) {
	t.Helper()

	conns := make(chan *Conn, 1)
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r, cfg)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		conns <- conn
	}))
	t.Cleanup(s.Close)

	url := "ws" + strings.TrimPrefix(s.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Foo": {"bar"}})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-conns:
		return client, conn
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
		return nil, nil
	}
}

func Test_Upgrade_Handshake(t *testing.T) {
	_, conn := newTestServer(t, Config{})

	handshake := conn.Handshake()
	require.NotNil(t, handshake)
	require.Equal(t, "bar", handshake.Headers.Get("Foo"))
	require.NotEmpty(t, handshake.RemoteAddr)
}

func Test_Conn_InboundFrames(t *testing.T) {
	client, conn := newTestServer(t, Config{})
	h := newRecordingHandler()
	conn.Subscribe(h)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"foo":"bar"}`)))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte(`[1,2]`)))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`Not JSON`)))

	require.Equal(t, `{"foo":"bar"}`, h.nextMessage(t))
	require.Equal(t, `[1,2]`, h.nextMessage(t))
	require.Equal(t, `Not JSON`, h.nextMessage(t))
}

func Test_Conn_Send(t *testing.T) {
	client, conn := newTestServer(t, Config{})
	conn.Subscribe(newRecordingHandler())

	results := make(chan error, 3)
	done := func(err error) { results <- err }

	conn.Send([]byte(`{"a":1}`), done)
	conn.Send(nil, done)
	conn.Send([]byte(`"last"`), done)

	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("send callback not invoked")
		}
	}

	expected := []string{`{"a":1}`, ``, `"last"`}
	for _, want := range expected {
		messageType, data, err := client.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.TextMessage, messageType)
		require.Equal(t, want, string(data))
	}
}

func Test_Conn_LocalClose(t *testing.T) {
	client, conn := newTestServer(t, Config{})
	h := newRecordingHandler()
	conn.Subscribe(h)

	conn.Send([]byte(`"before close"`), nil)
	require.NoError(t, conn.Close(stream.CloseUnsupportedData, "Client sent invalid JSON"))

	// Frames queued before Close are delivered first.
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, `"before close"`, string(data))

	// Reading the close frame makes the client answer it.
	_, _, err = client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, stream.CloseUnsupportedData, closeErr.Code)
	require.Equal(t, "Client sent invalid JSON", closeErr.Text)

	evt := h.nextClose(t)
	require.Equal(t, stream.CloseUnsupportedData, evt.code)

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection should be done")
	}

	// Sends after close are refused.
	refused := make(chan error, 1)
	conn.Send([]byte(`"late"`), func(err error) { refused <- err })
	require.ErrorIs(t, <-refused, ErrClosed)

	// A second close is a no-op.
	require.NoError(t, conn.Close(stream.CloseNormal, ""))
}

func Test_Conn_RemoteClose(t *testing.T) {
	client, conn := newTestServer(t, Config{})
	h := newRecordingHandler()
	conn.Subscribe(h)

	message := websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye")
	require.NoError(t, client.WriteMessage(websocket.CloseMessage, message))

	evt := h.nextClose(t)
	require.Equal(t, closeEvent{code: websocket.CloseGoingAway, reason: "bye"}, evt)

	// Exactly one close event.
	select {
	case extra := <-h.closes:
		t.Fatalf("unexpected second close: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func Test_Conn_AbnormalClose(t *testing.T) {
	client, conn := newTestServer(t, Config{})
	h := newRecordingHandler()
	conn.Subscribe(h)

	// Drop the TCP connection without a close frame.
	require.NoError(t, client.NetConn().Close())

	evt := h.nextClose(t)
	require.Equal(t, websocket.CloseAbnormalClosure, evt.code)
}

func Test_Conn_CloseGrace(t *testing.T) {
	// The client never reads, so it never answers the close frame.
	_, conn := newTestServer(t, Config{CloseGrace: 50 * time.Millisecond})
	h := newRecordingHandler()
	conn.Subscribe(h)

	require.NoError(t, conn.Close(stream.CloseNormal, ""))

	evt := h.nextClose(t)
	require.Equal(t, websocket.CloseAbnormalClosure, evt.code)
}

func Test_Conn_SubscribeAfterClose(t *testing.T) {
	client, conn := newTestServer(t, Config{})
	first := newRecordingHandler()
	unsubscribe := conn.Subscribe(first)

	require.NoError(t, client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Equal(t, websocket.CloseNormalClosure, first.nextClose(t).code)
	unsubscribe()

	late := newRecordingHandler()
	conn.Subscribe(late)
	require.Equal(t, websocket.CloseNormalClosure, late.nextClose(t).code)
}

func Test_Conn_PingPong(t *testing.T) {
	client, conn := newTestServer(t, Config{PingPeriod: 20 * time.Millisecond})
	conn.Subscribe(newRecordingHandler())

	pings := make(chan struct{}, 8)
	client.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return client.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received")
	}
}

func Test_Conn_Recorder(t *testing.T) {
	var buf bytes.Buffer
	rec := recorder.NewWithWriter(&buf)
	require.NoError(t, rec.WriteHeader("test", nil))

	client, conn := newTestServer(t, Config{Recorder: rec})
	h := newRecordingHandler()
	conn.Subscribe(h)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`"in"`)))
	require.Equal(t, `"in"`, h.nextMessage(t))

	sent := make(chan error, 1)
	conn.Send([]byte(`"out"`), func(err error) { sent <- err })
	require.NoError(t, <-sent)

	require.NoError(t, client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")))
	h.nextClose(t)

	_, events, err := recorder.ReadEvents(&buf)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, recorder.Event{Offset: events[0].Offset, Kind: recorder.KindInput, Data: `"in"`}, events[0])
	require.Equal(t, recorder.KindOutput, events[1].Kind)
	require.Equal(t, `"out"`, events[1].Data)
	require.Equal(t, "1000 done", events[2].Data)
}

func Test_Conn_WithBridge(t *testing.T) {
	client, conn := newTestServer(t, Config{})

	bridge, err := stream.NewBridge(conn, stream.Config{KeepAlive: stream.KeepAliveDisabled})
	require.NoError(t, err)
	require.Equal(t, "bar", bridge.Headers().Get("Foo"))

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("Not JSON")))

	_, _, err = client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, stream.CloseUnsupportedData, closeErr.Code)
	require.Equal(t, "Client sent invalid JSON", closeErr.Text)

	select {
	case <-bridge.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("bridge should close once the close handshake completes")
	}
}

func Test_TruncateReason(t *testing.T) {
	short := "boom"
	require.Equal(t, short, truncateReason(short))

	ascii := strings.Repeat("a", 200)
	require.Len(t, truncateReason(ascii), maxCloseReasonBytes)

	// "é" is two bytes, so 123 bytes would split a rune.
	wide := strings.Repeat("é", 100)
	got := truncateReason(wide)
	require.LessOrEqual(t, len(got), maxCloseReasonBytes)
	require.True(t, utf8.ValidString(got))
	require.Len(t, got, 122)
}
