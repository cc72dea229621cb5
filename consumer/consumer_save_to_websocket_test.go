package consumer

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTap(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func TestLiveTapTopicFilter(t *testing.T) {
	tap := NewLiveTap(nil)
	defer tap.Close()
	srv := httptest.NewServer(tap)
	defer srv.Close()

	all := dialTap(t, srv, "")
	onlyA := dialTap(t, srv, "?topic=ingest.a")
	require.Eventually(t, func() bool { return tap.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, tap.Process(ctx, routedMessage("one", "ingest.b")))
	require.NoError(t, tap.Process(ctx, routedMessage("two", "ingest.a", "ingest.raw")))

	assert.JSONEq(t, `{"event_id":"one"}`, readText(t, all))
	assert.JSONEq(t, `{"event_id":"two"}`, readText(t, all))
	assert.JSONEq(t, `{"event_id":"two"}`, readText(t, onlyA))
}

func TestLiveTapClientDisconnect(t *testing.T) {
	tap := NewLiveTap(nil)
	defer tap.Close()
	srv := httptest.NewServer(tap)
	defer srv.Close()

	conn := dialTap(t, srv, "")
	require.Eventually(t, func() bool { return tap.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return tap.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestLiveTapProcessAfterClose(t *testing.T) {
	tap := NewLiveTap(nil)
	require.NoError(t, tap.Close())
	require.NoError(t, tap.Close())
	assert.NoError(t, tap.Process(context.Background(), routedMessage("x", "t")))
}
