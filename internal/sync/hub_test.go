package sync_test

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chsync "chapterhub/internal/sync"
)

func Test_Server_Sends_Welcome_Then_Published_Events(t *testing.T) {
	t.Parallel()

	hub := chsync.NewHub(nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := chsync.NewServer(ln.Addr().String(), hub)
	go func() { _ = srv.Serve(t.Context(), ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"type":"welcome"`)

	require.Eventually(t, func() bool { return hub.Stats().TCPClients == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(chsync.EditEvent{Type: chsync.EventLocked, RecordID: "r1", Caller: "alice"})

	line, err = r.ReadString('\n')
	require.NoError(t, err)

	var ev chsync.EditEvent
	require.NoError(t, json.Unmarshal([]byte(line), &ev))
	assert.Equal(t, chsync.EventLocked, ev.Type)
	assert.Equal(t, "r1", ev.RecordID)
	assert.Equal(t, "alice", ev.Caller)
	assert.False(t, ev.At.IsZero(), "publish stamps the event")
}

func Test_WSHandler_Delivers_Events_To_Websocket_Clients(t *testing.T) {
	t.Parallel()

	gin.SetMode(gin.TestMode)
	hub := chsync.NewHub(nil)
	r := gin.New()
	r.GET("/ws", chsync.WSHandler(hub))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"transport":"websocket"`)

	require.Eventually(t, func() bool { return hub.Stats().WSClients == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(chsync.EditEvent{Type: chsync.EventCommitted, RecordID: "r1", Version: 3})

	_, msg, err = ws.ReadMessage()
	require.NoError(t, err)

	var ev chsync.EditEvent
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, chsync.EventCommitted, ev.Type)
	assert.Equal(t, int64(3), ev.Version)
}

func Test_Broadcast_Does_Not_Wait_On_Stalled_Client(t *testing.T) {
	t.Parallel()

	hub := chsync.NewHub(nil)

	stalled, stalledPeer := net.Pipe()
	t.Cleanup(func() { _ = stalledPeer.Close() })
	hub.Add(stalled)
	require.Equal(t, 1, hub.Stats().TCPClients)

	start := time.Now()
	for i := range 200 {
		hub.Publish(chsync.EditEvent{Type: chsync.EventCommitted, RecordID: "r1", Version: int64(i + 1)})
	}
	assert.Less(t, time.Since(start), time.Second, "publishing must not block on an unread connection")

	require.Eventually(t, func() bool { return hub.Stats().TCPClients == 0 }, 2*time.Second, 10*time.Millisecond)

	healthy, healthyPeer := net.Pipe()
	t.Cleanup(func() { _ = healthyPeer.Close() })
	hub.Add(healthy)

	hub.Publish(chsync.EditEvent{Type: chsync.EventLocked, RecordID: "r2"})

	_ = healthyPeer.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(healthyPeer).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"record_id":"r2"`)
}
