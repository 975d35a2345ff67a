//go:generate mockgen -destination=./service_mock.go -package=messaging -source=service.go
package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// New creates the Broker for the given configuration. The given entities are prepared up front,
// other entities are prepared when a message is first sent to them.
// If no broker is configured, an in-memory broker is returned.
func New(config Config, entities []Entity) (Broker, error) {
	var broker Broker
	var err error
	if config.AzureServiceBus.Enabled() {
		broker, err = newAzureServiceBusBroker(config.AzureServiceBus, entities, config.EntityPrefix)
		if err != nil {
			return nil, fmt.Errorf("azure service bus: %w", err)
		}
	}
	if config.HTTP.Endpoint != "" {
		log.Info().Msgf("Messaging: sending messages over HTTP to %s", config.HTTP.Endpoint)
		broker = NewHTTPBroker(config.HTTP, broker)
	}
	if broker == nil {
		log.Warn().Msg("Messaging: no message broker configured, messages are only delivered in-process")
		broker = NewMemoryBroker()
	}
	return broker, nil
}

// Config holds the configuration for messaging.
type Config struct {
	// AzureServiceBus holds the configuration for messaging using Azure ServiceBus.
	AzureServiceBus AzureServiceBusConfig `koanf:"azureservicebus"`
	HTTP            HTTPBrokerConfig      `koanf:"http"`
	// EntityPrefix is prepended to the name of every queue and topic, e.g. to separate environments sharing a namespace.
	EntityPrefix string `koanf:"entityprefix"`
}

func (c Config) Validate(strictMode bool) error {
	if strictMode && c.HTTP.Endpoint != "" {
		return errors.New("http endpoint is not allowed in strict mode")
	}
	return nil
}

// Entity is a queue or topic on the message broker.
type Entity struct {
	Name string
}

// FullName returns the name of the entity on the broker.
func (e Entity) FullName(prefix string) string {
	return prefix + e.Name
}

type Message struct {
	Body          []byte
	ContentType   string
	CorrelationID *string
	// ApplicationProperties are custom properties sent along with the message.
	ApplicationProperties map[string]any
}

// Broker defines an interface for interacting with a message broker, including sending messages and closing connections.
type Broker interface {
	Close(ctx context.Context) error
	SendMessage(ctx context.Context, entity Entity, message *Message) error
	// Receive registers a handler for messages arriving on the given entity.
	// A message for which the handler returns an error is abandoned for redelivery.
	Receive(entity Entity, handler func(context.Context, Message) error) error
}
