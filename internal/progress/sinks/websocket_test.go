package sinks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sitegauge/sitegauge/internal/progress"
)

func wsTestServer(t *testing.T, sink *WebSocketSink, userID string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sink.Serve(conn, userID)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWebSocketSink_DeliversEventsToOwner(t *testing.T) {
	t.Parallel()

	sink := NewWebSocketSink(zaptest.NewLogger(t))
	defer func() { _ = sink.Close(context.Background()) }()
	srv := wsTestServer(t, sink, "user-1")
	conn := dialWS(t, srv)

	require.Eventually(t, func() bool {
		return sink.ClientCount("user-1") == 1
	}, time.Second, 10*time.Millisecond)

	evt := progress.Event{
		JobID:      "job-1",
		UserID:     "user-1",
		Type:       progress.TypeProgress,
		TS:         time.Now().UTC(),
		Percentage: 42,
		Stage:      "analyzing",
	}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{evt}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var got progress.Event
	require.NoError(t, json.Unmarshal(payload, &got))
	require.Equal(t, "job-1", got.JobID)
	require.Equal(t, 42, got.Percentage)
}

func TestWebSocketSink_IgnoresOtherUsers(t *testing.T) {
	t.Parallel()

	sink := NewWebSocketSink(zaptest.NewLogger(t))
	defer func() { _ = sink.Close(context.Background()) }()
	srv := wsTestServer(t, sink, "user-1")
	conn := dialWS(t, srv)

	require.Eventually(t, func() bool {
		return sink.ClientCount("user-1") == 1
	}, time.Second, 10*time.Millisecond)

	now := time.Now().UTC()
	events := []progress.Event{
		{JobID: "job-9", UserID: "someone-else", Type: progress.TypeProgress, TS: now, Percentage: 10},
		{JobID: "job-1", UserID: "user-1", Type: progress.TypeCompleted, TS: now, Score: 77},
	}
	require.NoError(t, sink.Consume(context.Background(), events))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var got progress.Event
	require.NoError(t, json.Unmarshal(payload, &got))
	require.Equal(t, "job-1", got.JobID)
	require.Equal(t, progress.TypeCompleted, got.Type)
}

func TestWebSocketSink_CloseDisconnectsClients(t *testing.T) {
	t.Parallel()

	sink := NewWebSocketSink(zaptest.NewLogger(t))
	srv := wsTestServer(t, sink, "user-1")
	conn := dialWS(t, srv)

	require.Eventually(t, func() bool {
		return sink.ClientCount("user-1") == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, sink.Close(context.Background()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.Equal(t, 0, sink.ClientCount("user-1"))
}
