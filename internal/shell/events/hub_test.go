package events

import (
	"context"
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
)

func startHub(t *testing.T, origins ...string) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(origins, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleConnect))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	return websocket.DefaultDialer.Dial(u, header)
}

func TestHub_BroadcastsToSubscribers(t *testing.T) {
	h, srv := startHub(t)

	conn, _, err := dial(t, srv, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.Publish(Event{Type: TypeGateOpened, RunID: "run-1", Payload: map[string]string{"stage": "ApproveUnits"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var evt struct {
		Type    string            `json:"type"`
		RunID   string            `json:"runId"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, TypeGateOpened, evt.Type)
	assert.Equal(t, "run-1", evt.RunID)
	assert.Equal(t, "ApproveUnits", evt.Payload["stage"])
}

func TestHub_UnregistersOnClose(t *testing.T) {
	h, srv := startHub(t)

	conn, _, err := dial(t, srv, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	_, srv := startHub(t, "https://ops.example.com")

	_, resp, err := dial(t, srv, http.Header{"Origin": []string{"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := dial(t, srv, http.Header{"Origin": []string{"https://ops.example.com"}})
	require.NoError(t, err)
	conn.Close()
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	h, _ := startHub(t)

	for i := 0; i < 1000; i++ {
		h.Publish(Event{Type: TypeStageStarted})
	}
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	r.Publish(Event{Type: TypeRunStarted})
	r.Publish(Event{Type: TypeStageCompleted})
	r.Publish(Event{Type: TypeStageCompleted})

	assert.Len(t, r.Events(""), 3)
	assert.Len(t, r.Events(TypeStageCompleted), 2)
	assert.Empty(t, r.Events(TypeGateDecided))
}
