package ws

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/sketchsync/internal/auth"
	"github.com/manpreetbhatti/sketchsync/internal/protocol"
	"github.com/manpreetbhatti/sketchsync/internal/strokelog"
)

func newTestServer(t *testing.T, hub *Hub, provider auth.Provider) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, provider, w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil returns the first message of type want, skipping others.
func readUntil(t *testing.T, conn *websocket.Conn, want protocol.MessageType) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Type == want {
			return env
		}
	}
}

func write(t *testing.T, conn *websocket.Conn, typ protocol.MessageType, data any) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame(t, typ, data)))
}

func TestServeWsEndToEnd(t *testing.T) {
	log := strokelog.NewMemory()
	hub, _ := newTestHub(t, log)
	srv := newTestServer(t, hub, auth.DemoProvider{})

	a := dial(t, srv, "?user=Ann&session=demo")
	initA := readUntil(t, a, protocol.TypeInit)
	var aInfo protocol.InitData
	require.NoError(t, json.Unmarshal(initA.Data, &aInfo))
	assert.Equal(t, "Ann", aInfo.UserName)
	readUntil(t, a, protocol.TypeSessionJoined)

	b := dial(t, srv, "?user=Bob")
	readUntil(t, b, protocol.TypeInit)
	write(t, b, protocol.TypeJoinSession, protocol.JoinSessionData{SessionID: "demo"})
	readUntil(t, b, protocol.TypeSessionJoined)

	joined := readUntil(t, a, protocol.TypeUserJoined)
	assert.NotEqual(t, aInfo.UserID, joined.UserID)

	write(t, a, protocol.TypeStrokeStart, penStroke)
	stroke := readUntil(t, b, protocol.TypeStrokeStart)
	assert.Equal(t, aInfo.UserID, stroke.UserID)
	assert.Equal(t, int64(1), stroke.Seq)

	require.NoError(t, a.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	readUntil(t, b, protocol.TypeUserLeft)

	require.Eventually(t, func() bool {
		return hub.Stats()["connections"] == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServeWsRequiresAuth(t *testing.T) {
	hub, _ := newTestHub(t, strokelog.NewMemory())
	srv := newTestServer(t, hub, auth.DemoProvider{Required: true})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWsRejectsOversizedFrames(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageBytes = 512
	hub := NewHub(strokelog.NewMemory(), nil, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(hub.Shutdown)
	srv := newTestServer(t, hub, auth.DemoProvider{})

	conn := dial(t, srv, "")
	readUntil(t, conn, protocol.TypeInit)

	big := `{"type":"user_info","data":{"userName":"` + strings.Repeat("x", 1024) + `"}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(big)))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	require.Eventually(t, func() bool {
		return hub.Stats()["connections"] == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServeWsCheckOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.CheckOrigin = func(origin string) bool { return origin == "http://ok.example" }
	hub := NewHub(strokelog.NewMemory(), nil, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(hub.Shutdown)
	srv := newTestServer(t, hub, auth.DemoProvider{})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://ok.example"}})
	require.NoError(t, err)
	conn.Close()
}
