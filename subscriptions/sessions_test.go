package subscriptions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
)

func TestSessionTable(t *testing.T) {
	ctx := context.Background()
	newTable := func() *SessionTable {
		return NewSessionTable(testclock.NewClock(time.Now()))
	}

	t.Run("bind acknowledges", func(t *testing.T) {
		table := newTable()
		session := &recordingSession{}

		err := table.Bind(ctx, "S1", session)

		require.NoError(t, err)
		require.Equal(t, []string{"bound S1"}, session.Messages())
		actual, ok := table.Lookup("S1")
		require.True(t, ok)
		require.Same(t, session, actual)
		require.Equal(t, 1, table.Len())
	})
	t.Run("rebind closes the previous session", func(t *testing.T) {
		table := newTable()
		first := &recordingSession{}
		second := &recordingSession{}
		require.NoError(t, table.Bind(ctx, "S1", first))

		require.NoError(t, table.Bind(ctx, "S1", second))

		require.True(t, first.Closed())
		require.False(t, second.Closed())
		actual, _ := table.Lookup("S1")
		require.Same(t, second, actual)
		require.Equal(t, 1, table.Len())
	})
	t.Run("failed acknowledgement closes the session", func(t *testing.T) {
		table := newTable()
		session := &recordingSession{sendErr: errors.New("broken pipe")}

		err := table.Bind(ctx, "S1", session)

		require.EqualError(t, err, "bind session (subscription=S1): broken pipe")
		require.True(t, session.Closed())
		_, ok := table.Lookup("S1")
		require.False(t, ok)
	})
	t.Run("unbind only removes the same session", func(t *testing.T) {
		table := newTable()
		first := &recordingSession{}
		second := &recordingSession{}
		require.NoError(t, table.Bind(ctx, "S1", first))
		require.NoError(t, table.Bind(ctx, "S1", second))

		require.False(t, table.Unbind("S1", first))
		require.True(t, table.Unbind("S1", second))

		_, ok := table.Lookup("S1")
		require.False(t, ok)
	})
	t.Run("close all", func(t *testing.T) {
		table := newTable()
		first := &recordingSession{}
		second := &recordingSession{}
		require.NoError(t, table.Bind(ctx, "S1", first))
		require.NoError(t, table.Bind(ctx, "S2", second))

		table.CloseAll()

		require.True(t, first.Closed())
		require.True(t, second.Closed())
		require.Equal(t, 0, table.Len())
	})
}

func TestSocketChannel_Deliver(t *testing.T) {
	ctx := context.Background()
	subscription := Subscription{ID: "S1", Channel: ChannelSpec{Type: ChannelTypeWebsocket}}
	match := MatchedResource{SubscriptionID: "S1", ResourceType: "Observation", ResourceID: "1"}

	t.Run("no session", func(t *testing.T) {
		channel := SocketChannel{Sessions: NewSessionTable(testclock.NewClock(time.Now()))}

		result := channel.Deliver(ctx, subscription, match)

		require.Equal(t, Skipped("no-session"), result)
	})
	t.Run("ping", func(t *testing.T) {
		channel := SocketChannel{Sessions: NewSessionTable(testclock.NewClock(time.Now()))}
		session := &recordingSession{}
		require.NoError(t, channel.Sessions.Bind(ctx, "S1", session))

		result := channel.Deliver(ctx, subscription, match)

		require.Equal(t, Delivered(), result)
		require.Equal(t, []string{"bound S1", "ping S1"}, session.Messages())
	})
	t.Run("superseded session is not delivered to", func(t *testing.T) {
		channel := SocketChannel{Sessions: NewSessionTable(testclock.NewClock(time.Now()))}
		first := &recordingSession{}
		second := &recordingSession{}
		require.NoError(t, channel.Sessions.Bind(ctx, "S1", first))
		require.NoError(t, channel.Sessions.Bind(ctx, "S1", second))

		result := channel.Deliver(ctx, subscription, match)

		require.Equal(t, Delivered(), result)
		require.Equal(t, []string{"bound S1"}, first.Messages())
		require.Equal(t, []string{"bound S1", "ping S1"}, second.Messages())
	})
	t.Run("send failure evicts the session", func(t *testing.T) {
		channel := SocketChannel{Sessions: NewSessionTable(testclock.NewClock(time.Now()))}
		session := &recordingSession{}
		require.NoError(t, channel.Sessions.Bind(ctx, "S1", session))
		session.sendErr = errors.New("broken pipe")

		result := channel.Deliver(ctx, subscription, match)

		require.Equal(t, Failed("socket send: broken pipe"), result)
		require.True(t, session.Closed())
		_, ok := channel.Sessions.Lookup("S1")
		require.False(t, ok)
	})
}
