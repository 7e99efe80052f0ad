package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/taskpilot/pkg/engine"
	"github.com/harun/taskpilot/pkg/session"
)

func TestEventBroadcaster_OnEvent(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	client := NewClient("client-1", serverConn, "127.0.0.1")
	registry.Add(client)
	go client.writeLoop(time.Second)

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	broadcaster.OnEvent(engine.Event{
		Type:      engine.EventRateLimitWait,
		SessionID: "sess-1",
		Timestamp: time.Now(),
		Wait:      &engine.WaitInfo{Seconds: 5, Attempt: 1, MaxRetries: 3},
	})
	broadcaster.OnEvent(engine.Event{
		Type:      engine.EventExecutionCompleted,
		SessionID: "sess-1",
		Outcome:   session.OutcomeCompleted,
	})

	var first map[string]interface{}
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, clientConn.ReadJSON(&first))

	var second EventMessage
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, clientConn.ReadJSON(&second))

	assert.Equal(t, "event", first["type"])
	assert.Equal(t, "rate_limit_wait", first["event"])
	assert.Equal(t, "sess-1", first["sessionId"])
	data := first["data"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"seconds": 5.0, "attempt": 1.0, "max": 3.0}, data["wait"])

	assert.Equal(t, "execution_completed", second.Event)
	assert.Greater(t, second.Seq, int64(first["seq"].(float64)))
	assert.NotZero(t, second.Timestamp)
}

func TestEventBroadcaster_DropsWhenQueueFull(t *testing.T) {
	serverConn, _, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	client := NewClient("slow", serverConn, "127.0.0.1")
	registry.Add(client)
	// no writer goroutine: the queue fills up

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		for i := 0; i < clientBuffer+10; i++ {
			broadcaster.Broadcast("tick", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}
	assert.Len(t, client.send, clientBuffer)
}

func TestClient_CloseTwice(t *testing.T) {
	serverConn, _, cleanup := websocketConnPair(t)
	defer cleanup()

	client := NewClient("c", serverConn, "127.0.0.1")
	client.Close()
	client.Close()
	assert.False(t, client.Enqueue([]byte("x")))
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
