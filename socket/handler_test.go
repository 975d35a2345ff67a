package socket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/SanteonNL/orca/subscriptionengine/lib/criteria"
	"github.com/SanteonNL/orca/subscriptionengine/subscriptions"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/stretchr/testify/require"
)

func TestHandler(t *testing.T) {
	ctx := context.Background()
	registry := subscriptions.NewMemoryRegistry()
	_, err := registry.Create(ctx, subscriptions.Subscription{
		ID:       "S1",
		Criteria: criteria.MustParse("Observation"),
		Channel:  subscriptions.ChannelSpec{Type: subscriptions.ChannelTypeWebsocket},
		Status:   subscriptions.StatusActive,
	})
	require.NoError(t, err)
	_, err = registry.Create(ctx, subscriptions.Subscription{
		ID:       "hook",
		Criteria: criteria.MustParse("Observation"),
		Channel:  subscriptions.ChannelSpec{Type: subscriptions.ChannelTypeRestHook, Endpoint: "http://example.com"},
		Status:   subscriptions.StatusActive,
	})
	require.NoError(t, err)

	setup := func(t *testing.T) (*subscriptions.SessionTable, string) {
		sessions := subscriptions.NewSessionTable(clock.WallClock)
		mux := http.NewServeMux()
		New(registry, sessions).RegisterHandlers(mux)
		server := httptest.NewServer(mux)
		t.Cleanup(server.Close)
		t.Cleanup(sessions.CloseAll)
		return sessions, "ws" + strings.TrimPrefix(server.URL, "http") + "/websocket"
	}
	dial := func(t *testing.T, url string, protocols ...string) *websocket.Conn {
		dialer := websocket.Dialer{Subprotocols: protocols, HandshakeTimeout: 5 * time.Second}
		conn, _, err := dialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	}
	read := func(t *testing.T, conn *websocket.Conn) string {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		return string(data)
	}
	requireClosed := func(t *testing.T, conn *websocket.Conn) {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, _, err := conn.ReadMessage()
		require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected close, got: %v", err)
	}

	t.Run("bind command", func(t *testing.T) {
		sessions, url := setup(t)
		conn := dial(t, url)

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("bind S1")))

		require.Equal(t, "bound S1", read(t, conn))
		require.Equal(t, 1, sessions.Len())
	})
	t.Run("pings are delivered on the bound session", func(t *testing.T) {
		sessions, url := setup(t)
		conn := dial(t, url)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("bind S1")))
		require.Equal(t, "bound S1", read(t, conn))
		subscription, _ := registry.Get(ctx, "S1")

		result := subscriptions.SocketChannel{Sessions: sessions}.Deliver(ctx, *subscription, subscriptions.MatchedResource{})

		require.Equal(t, subscriptions.Delivered(), result)
		require.Equal(t, "ping S1", read(t, conn))
	})
	t.Run("unknown messages are ignored", func(t *testing.T) {
		_, url := setup(t)
		conn := dial(t, url)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("bind S1")))

		require.Equal(t, "bound S1", read(t, conn))
	})
	t.Run("query parameter", func(t *testing.T) {
		sessions, url := setup(t)
		conn := dial(t, url+"?subscription=S1")

		require.Equal(t, "bound S1", read(t, conn))
		require.Equal(t, 1, sessions.Len())
	})
	t.Run("sub-protocol", func(t *testing.T) {
		_, url := setup(t)
		conn := dial(t, url, "S1")

		require.Equal(t, "S1", conn.Subprotocol())
		require.Equal(t, "bound S1", read(t, conn))
	})
	t.Run("unknown subscription", func(t *testing.T) {
		sessions, url := setup(t)
		conn := dial(t, url)

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("bind S2")))

		require.Equal(t, "ERROR unknown subscription S2", read(t, conn))
		requireClosed(t, conn)
		require.Equal(t, 0, sessions.Len())
	})
	t.Run("subscription without websocket channel", func(t *testing.T) {
		_, url := setup(t)
		conn := dial(t, url+"?subscription=hook")

		require.Equal(t, "ERROR unknown subscription hook", read(t, conn))
		requireClosed(t, conn)
	})
	t.Run("newer session supersedes older one", func(t *testing.T) {
		sessions, url := setup(t)
		first := dial(t, url+"?subscription=S1")
		require.Equal(t, "bound S1", read(t, first))

		second := dial(t, url+"?subscription=S1")
		require.Equal(t, "bound S1", read(t, second))

		requireClosed(t, first)
		require.Equal(t, 1, sessions.Len())
	})
	t.Run("client disconnect unbinds", func(t *testing.T) {
		sessions, url := setup(t)
		conn := dial(t, url+"?subscription=S1")
		require.Equal(t, "bound S1", read(t, conn))

		require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

		require.Eventually(t, func() bool {
			return sessions.Len() == 0
		}, 5*time.Second, 10*time.Millisecond)
	})
}
