package wsocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PingPeriod = time.Hour // keep pings out of the test's way
	h := NewHub(cfg, nil)
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go h.Run(done)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		_ = h.Upgrade(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func TestBroadcastReachesConnectedClient(t *testing.T) {
	h, srv := newTestHub(t)
	conn := dial(t, srv)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.Broadcast(EventState, map[string]int{"co2_ppm": 420}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	require.Equal(t, EventState, env.Kind)
}

func TestDisconnectRemovesClient(t *testing.T) {
	h, srv := newTestHub(t)
	conn := dial(t, srv)

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, time.Millisecond)
}

func TestBroadcastToNoClientsIsANoop(t *testing.T) {
	h, _ := newTestHub(t)
	require.NoError(t, h.Broadcast(EventHealth, map[string]bool{"time_synced": true}))
}
