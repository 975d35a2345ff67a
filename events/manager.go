package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/SanteonNL/orca/subscriptionengine/messaging"
)

type Type interface {
	Entity() messaging.Entity
	Instance() Type
}

type Manager interface {
	Subscribe(eventType Type, handler HandleFunc) error
	Notify(ctx context.Context, instance Type) error
	HasSubscribers(eventType Type) bool
}

func NewManager(messageBroker messaging.Broker) *DefaultManager {
	return &DefaultManager{
		messageBroker: messageBroker,
		subscribers:   map[string]bool{},
	}
}

var _ Manager = &DefaultManager{}

type DefaultManager struct {
	messageBroker messaging.Broker
	subscribers   map[string]bool
	mux           sync.RWMutex
}

func (d *DefaultManager) HasSubscribers(eventType Type) bool {
	d.mux.RLock()
	defer d.mux.RUnlock()
	return d.subscribers[eventType.Entity().Name]
}

func (d *DefaultManager) Subscribe(eventType Type, handler HandleFunc) error {
	d.mux.Lock()
	d.subscribers[eventType.Entity().Name] = true
	d.mux.Unlock()
	return d.messageBroker.Receive(eventType.Entity(), func(ctx context.Context, message messaging.Message) error {
		event := eventType.Instance()
		if err := json.Unmarshal(message.Body, event); err != nil {
			return fmt.Errorf("event %T unmarshal: %w", eventType, err)
		}
		err := handler(ctx, event)
		if err != nil {
			return fmt.Errorf("event handler %T: %w", event, err)
		}
		return nil
	})
}

// Notify publishes the event on the message broker, also if there are no in-process subscribers.
func (d *DefaultManager) Notify(ctx context.Context, instance Type) error {
	messageData, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	err = d.messageBroker.SendMessage(ctx, instance.Entity(), &messaging.Message{
		Body:        messageData,
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("event send %T: %w", instance, err)
	}
	return nil
}

type Handler interface {
	Handle(ctx context.Context, event Type) error
}

type HandleFunc func(ctx context.Context, event Type) error
