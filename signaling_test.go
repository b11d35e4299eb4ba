package meshcall

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bt-bridge/meshcall/shared"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayStub struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	down     atomic.Bool
	rejected atomic.Int32
	accepted atomic.Int32
	conns    chan *websocket.Conn

	mu       sync.Mutex
	lastPath string
	lastUser string
}

func newRelayStub(t *testing.T) *relayStub {
	t.Helper()
	r := &relayStub{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(chan *websocket.Conn, 16),
	}
	r.srv = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *relayStub) handle(w http.ResponseWriter, req *http.Request) {
	if r.down.Load() {
		r.rejected.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.lastPath = req.URL.Path
	r.lastUser = req.URL.Query().Get("user_id")
	r.mu.Unlock()
	r.accepted.Add(1)
	r.conns <- conn
}

func (r *relayStub) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-r.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("relay got no connection")
		return nil
	}
}

func newTestChannel(t *testing.T, base string, attempts int) *SignalingChannel {
	t.Helper()
	c, err := NewSignalingChannel(SignalingOptions{
		Logger:               shared.NewNopLogger(),
		BaseURL:              base,
		MaxReconnectAttempts: attempts,
		ReconnectDelay:       10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)
	return c
}

func TestSignalingURL(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		expected string
		wantErr  bool
	}{
		{"ws base", "ws://localhost:8080/api", "ws://localhost:8080/api/meeting/m1/ws?user_id=u+1", false},
		{"http maps to ws", "http://relay.local", "ws://relay.local/meeting/m1/ws?user_id=u+1", false},
		{"https maps to wss", "https://relay.local/x/", "wss://relay.local/x/meeting/m1/ws?user_id=u+1", false},
		{"bad scheme", "ftp://relay.local", "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SignalingURL(tt.base, "m1", "u 1")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestSignalingConnectAndReceiveInOrder(t *testing.T) {
	relay := newRelayStub(t)
	c := newTestChannel(t, relay.srv.URL, 5)

	var (
		mu    sync.Mutex
		first []string
		order []string
	)
	c.Subscribe(func(m *Message) {
		mu.Lock()
		defer mu.Unlock()
		first = append(first, string(m.Type()))
		order = append(order, "first")
	})
	c.Subscribe(func(m *Message) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "second")
	})

	require.NoError(t, c.Connect(context.Background(), "m1", "alice"))
	assert.Equal(t, ChannelConnected, c.State())
	server := relay.next(t)

	relay.mu.Lock()
	assert.Equal(t, "/meeting/m1/ws", relay.lastPath)
	assert.Equal(t, "alice", relay.lastUser)
	relay.mu.Unlock()

	frames := []string{
		`{"type":"user_joined","data":{"user_id":"bob"},"from":"bob"}`,
		`{"type":"offer","data":{"sdp":"x"},"from":"bob","to":"alice"}`,
		`{"type":"user_left","data":{"user_id":"bob"},"from":"bob"}`,
	}
	for _, f := range frames {
		require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(f)))
	}
	// malformed frames are dropped without breaking the stream
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"data":1}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(first) == 3
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"user_joined", "offer", "user_left"}, first)
	assert.Equal(t, []string{"first", "second", "first", "second", "first", "second"}, order)
}

func TestSignalingSendStripsSender(t *testing.T) {
	relay := newRelayStub(t)
	c := newTestChannel(t, relay.srv.URL, 5)
	require.NoError(t, c.Connect(context.Background(), "m1", "alice"))
	server := relay.next(t)

	require.NoError(t, c.Send(&Message{From: "spoofed", To: "bob", Payload: &AnswerPayload{SDP: "v=0"}}))

	require.NoError(t, server.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := server.ReadMessage()
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, sonic.Unmarshal(data, &raw))
	assert.Equal(t, "answer", raw["type"])
	assert.Equal(t, "bob", raw["to"])
	assert.NotContains(t, raw, "from")
}

func TestSignalingSendWhileDisconnected(t *testing.T) {
	c := newTestChannel(t, "ws://127.0.0.1:1", -1)
	err := c.Send(&Message{To: "bob", Payload: &OfferPayload{SDP: "v=0"}})
	assert.ErrorIs(t, err, shared.ErrNotConnected)
}

func TestSignalingConnectError(t *testing.T) {
	relay := newRelayStub(t)
	relay.down.Store(true)
	c := newTestChannel(t, relay.srv.URL, -1)

	err := c.Connect(context.Background(), "m1", "alice")
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.URL, "/meeting/m1/ws")
	assert.Equal(t, ChannelDisconnected, c.State())

	assert.ErrorIs(t, c.Connect(context.Background(), "", "alice"), shared.ErrNoMeetingID)
	assert.ErrorIs(t, c.Connect(context.Background(), "m1", ""), shared.ErrNoUserID)
}

func TestSignalingReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	relay := newRelayStub(t)
	c := newTestChannel(t, relay.srv.URL, 5)
	require.NoError(t, c.Connect(context.Background(), "m1", "alice"))
	server := relay.next(t)

	relay.down.Store(true)
	// drop the socket without a close frame
	require.NoError(t, server.Close())

	require.Eventually(t, func() bool {
		return relay.rejected.Load() == 5
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return c.State() == ChannelDisconnected
	}, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(5), relay.rejected.Load())
	assert.Equal(t, 5, c.ReconnectAttempts())
	assert.Equal(t, ChannelDisconnected, c.State())

	relay.down.Store(false)
	require.NoError(t, c.Connect(context.Background(), "m1", "alice"))
	assert.Equal(t, ChannelConnected, c.State())
	assert.Equal(t, 0, c.ReconnectAttempts())
	relay.next(t)
}

func TestSignalingReconnectsAfterAbnormalClose(t *testing.T) {
	relay := newRelayStub(t)
	c := newTestChannel(t, relay.srv.URL, 5)

	got := make(chan *Message, 4)
	c.Subscribe(func(m *Message) { got <- m })

	require.NoError(t, c.Connect(context.Background(), "m1", "alice"))
	require.NoError(t, relay.next(t).Close())

	server := relay.next(t)
	require.Eventually(t, func() bool { return c.State() == ChannelConnected }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.ReconnectAttempts())

	// subscribers survive the reconnect
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"user_left","data":{"user_id":"bob"}}`)))
	select {
	case m := <-got:
		assert.Equal(t, MessageTypeUserLeft, m.Type())
	case <-time.After(5 * time.Second):
		t.Fatal("no message after reconnect")
	}
}

func TestSignalingDisconnectIsTerminal(t *testing.T) {
	relay := newRelayStub(t)
	c := newTestChannel(t, relay.srv.URL, 5)

	received := atomic.Int32{}
	c.Subscribe(func(*Message) { received.Add(1) })
	require.NoError(t, c.Connect(context.Background(), "m1", "alice"))
	server := relay.next(t)

	c.Disconnect()
	assert.Equal(t, ChannelDisconnected, c.State())

	// the relay sees a normal close
	require.NoError(t, server.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := server.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), relay.accepted.Load())
	assert.Equal(t, int32(0), received.Load())
	assert.ErrorIs(t, c.Send(&Message{To: "bob", Payload: &OfferPayload{SDP: "x"}}), shared.ErrNotConnected)
}

func TestSignalingNormalCloseFromRelayDoesNotReconnect(t *testing.T) {
	relay := newRelayStub(t)
	c := newTestChannel(t, relay.srv.URL, 5)
	require.NoError(t, c.Connect(context.Background(), "m1", "alice"))
	server := relay.next(t)

	require.NoError(t, server.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
	))
	require.Eventually(t, func() bool { return c.State() == ChannelDisconnected }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), relay.accepted.Load())
	assert.Equal(t, 0, c.ReconnectAttempts())
}
