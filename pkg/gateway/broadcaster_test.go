package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jasonkneen/claudesky/pkg/stream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authenticatedClient(id string, conn *websocket.Conn) *Client {
	c := NewClient(id, conn, "test")
	c.setAuthenticated()
	return c
}

func readEvent(t *testing.T, conn *websocket.Conn) EventMessage {
	t.Helper()
	var event EventMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func TestEventBroadcaster_Broadcast(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(authenticatedClient("client-1", serverConn))

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	first := broadcaster.Broadcast("session.started", "sess-1", map[string]interface{}{"ok": true})
	second := broadcaster.Broadcast("session.stopped", "sess-1", nil)

	e1 := readEvent(t, clientConn)
	e2 := readEvent(t, clientConn)

	assert.Equal(t, "event", e1.Type)
	assert.Equal(t, "session.started", e1.Event)
	assert.Equal(t, "sess-1", e1.SessionID)
	assert.Equal(t, first, e1.Seq)
	assert.NotZero(t, e1.Timestamp)

	assert.Equal(t, "session.stopped", e2.Event)
	assert.Equal(t, second, e2.Seq)
	assert.Equal(t, e1.Seq+1, e2.Seq)
	assert.Equal(t, second, broadcaster.Seq())
}

func TestEventBroadcaster_SkipsUnauthenticated(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(NewClient("pending", serverConn, "test"))

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	broadcaster.Broadcast("session.started", "", nil)

	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := clientConn.ReadMessage()
	assert.Error(t, err, "nothing delivered before authentication")
}

func TestEventBroadcaster_SessionSink(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(authenticatedClient("client-1", serverConn))
	sink := NewEventBroadcaster(registry, zerolog.Nop()).SessionSink()

	sink(stream.DebugMessage{Text: "booting"})
	sink(stream.SessionInit{SessionID: "sess-42"})
	sink(stream.TextChunk{Text: "hello"})

	debug := readEvent(t, clientConn)
	assert.Equal(t, string(stream.KindDebugMessage), debug.Event)
	assert.Empty(t, debug.SessionID)

	init := readEvent(t, clientConn)
	assert.Equal(t, string(stream.KindSessionInit), init.Event)
	assert.Equal(t, "sess-42", init.SessionID)

	text := readEvent(t, clientConn)
	assert.Equal(t, string(stream.KindTextChunk), text.Event)
	assert.Equal(t, "sess-42", text.SessionID)
	assert.Equal(t, "hello", text.Data.(map[string]interface{})["text"])
}

func websocketConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConnCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errCh <- err
			return
		}
		serverConnCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverConnCh:
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server websocket connection")
	}

	cleanup := func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		srv.Close()
	}

	return serverConn, clientConn, cleanup
}
