package events

import (
	"context"
	"errors"
	"testing"

	"github.com/SanteonNL/orca/subscriptionengine/messaging"
	"github.com/stretchr/testify/require"
)

var _ Type = StringEvent{}

type StringEvent struct {
	Value string
}

func (s StringEvent) Entity() messaging.Entity {
	return messaging.Entity{
		Name: "string-event",
	}
}

func (s StringEvent) Instance() Type {
	return &StringEvent{}
}

func TestInMemoryManager(t *testing.T) {
	t.Run("multiple subscribers", func(t *testing.T) {
		t.Run("both succeed", func(t *testing.T) {
			manager := NewManager(messaging.NewMemoryBroker())
			firstCalled := false
			secondCalled := false
			var capturedEvents []StringEvent
			err := manager.Subscribe(StringEvent{}, func(_ context.Context, event Type) error {
				capturedEvents = append(capturedEvents, *event.(*StringEvent))
				firstCalled = true
				return nil
			})
			require.NoError(t, err)
			err = manager.Subscribe(StringEvent{}, func(_ context.Context, event Type) error {
				capturedEvents = append(capturedEvents, *event.(*StringEvent))
				secondCalled = true
				return nil
			})
			require.NoError(t, err)

			err = manager.Notify(context.Background(), StringEvent{"test"})
			require.NoError(t, err)

			require.True(t, firstCalled)
			require.True(t, secondCalled)
			require.Len(t, capturedEvents, 2)
			require.Equal(t, StringEvent{"test"}, capturedEvents[0])
			require.Equal(t, StringEvent{"test"}, capturedEvents[1])
		})
		t.Run("first fails, second subscriber is still notified", func(t *testing.T) {
			manager := NewManager(messaging.NewMemoryBroker())
			secondCalled := false
			err := manager.Subscribe(StringEvent{}, func(_ context.Context, event Type) error {
				return errors.New("failed")
			})
			require.NoError(t, err)
			err = manager.Subscribe(StringEvent{}, func(_ context.Context, event Type) error {
				secondCalled = true
				return nil
			})
			require.NoError(t, err)

			err = manager.Notify(context.Background(), StringEvent{"test"})
			require.NoError(t, err)

			require.True(t, secondCalled)
		})
	})
	t.Run("no subscribers", func(t *testing.T) {
		t.Run("published to broker", func(t *testing.T) {
			broker := &sentMessages{}
			manager := NewManager(broker)

			err := manager.Notify(context.Background(), StringEvent{"test"})

			require.NoError(t, err)
			require.False(t, manager.HasSubscribers(StringEvent{}))
			require.Len(t, broker.messages, 1)
			require.Equal(t, "string-event", broker.messages[0].entity)
			require.JSONEq(t, `{"Value": "test"}`, string(broker.messages[0].body))
		})
		t.Run("in-process broker without handlers", func(t *testing.T) {
			manager := NewManager(messaging.NewMemoryBroker())

			err := manager.Notify(context.Background(), StringEvent{"test"})

			require.EqualError(t, err, "event send events.StringEvent: no handlers for entity string-event")
		})
	})
}

type sentMessage struct {
	entity string
	body   []byte
}

// sentMessages is a broker that only records sent messages, like a remote broker without local receivers.
type sentMessages struct {
	messages []sentMessage
}

func (s *sentMessages) Close(_ context.Context) error {
	return nil
}

func (s *sentMessages) SendMessage(_ context.Context, entity messaging.Entity, message *messaging.Message) error {
	s.messages = append(s.messages, sentMessage{entity: entity.Name, body: message.Body})
	return nil
}

func (s *sentMessages) Receive(_ messaging.Entity, _ func(context.Context, messaging.Message) error) error {
	return nil
}
