package messaging

import (
	"context"
	"errors"
	"fmt"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"
	"strconv"
	"sync"
	"time"
)

var _ Broker = &AzureServiceBusBroker{}

// AzureServiceBusConfig holds the configuration for connecting to and interacting with a AzureServiceBus instance.
type AzureServiceBusConfig struct {
	Hostname         string `koanf:"hostname"`
	ConnectionString string `koanf:"connectionstring" description:"This is the connection string for connecting to AzureServiceBus."`
}

func (a AzureServiceBusConfig) Enabled() bool {
	return a.Hostname != "" || a.ConnectionString != ""
}

func newAzureServiceBusBroker(conf AzureServiceBusConfig, entities []Entity, entityPrefix string) (*AzureServiceBusBroker, error) {
	var client *azservicebus.Client
	var err error
	if conf.ConnectionString != "" {
		client, err = azservicebus.NewClientFromConnectionString(conf.ConnectionString, nil)
	} else if conf.Hostname != "" {
		var cred *azidentity.DefaultAzureCredential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, err
		}
		client, err = azservicebus.NewClient(conf.Hostname, cred, nil)
	} else {
		return nil, errors.New("configuration is missing hostname or connection string")
	}
	if err != nil {
		return nil, err
	}
	senders := map[string]*azservicebus.Sender{}
	for _, entity := range entities {
		sender, err := client.NewSender(entity.FullName(entityPrefix), nil)
		if err != nil {
			return nil, fmt.Errorf("create sender (entity=%s): %w", entity.FullName(entityPrefix), err)
		}
		senders[entity.Name] = sender
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AzureServiceBusBroker{
		client:       client,
		senders:      senders,
		entityPrefix: entityPrefix,
		ctx:          ctx,
		ctxCancel:    cancel,
	}, nil
}

// AzureServiceBusBroker is a Broker backed by Azure Service Bus. It keeps a sender per queue or topic.
type AzureServiceBusBroker struct {
	senders      map[string]*azservicebus.Sender
	senderLock   sync.RWMutex
	client       *azservicebus.Client
	entityPrefix string
	ctx          context.Context
	ctxCancel    context.CancelFunc
	receivers    sync.WaitGroup
}

// Close releases the underlying resources associated with the AzureServiceBusBroker instance.
func (c *AzureServiceBusBroker) Close(ctx context.Context) error {
	log.Ctx(ctx).Debug().Msg("AzureServiceBus: closing...")
	c.senderLock.Lock()
	defer c.senderLock.Unlock()

	// Wait for all receivers to finish before closing the client.
	log.Ctx(ctx).Debug().Msg("AzureServiceBus: waiting for all receivers to close")
	c.ctxCancel()
	c.receivers.Wait()

	// Collect all close() errors from senders, receivers and client, then return them as a whole.
	log.Ctx(ctx).Debug().Msg("AzureServiceBus: waiting for all senders to close")
	var errs []error
	for entity, sender := range c.senders {
		if err := sender.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close sender (entity=%s): %w", entity, err))
		}
		delete(c.senders, entity)
	}
	log.Ctx(ctx).Debug().Msg("AzureServiceBus: finally, closing client")
	if err := c.client.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close client: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{
			errors.New("azure service bus: close() failures")},
			errs...,
		)...)
	}
	log.Ctx(ctx).Debug().Msg("AzureServiceBus: closed")
	return nil
}

// Receive starts receiving messages from the given queue in the background, until the broker is closed.
func (c *AzureServiceBusBroker) Receive(queue Entity, handler func(context.Context, Message) error) error {
	fullName := queue.FullName(c.entityPrefix)
	receiver, err := c.client.NewReceiverForQueue(fullName, &azservicebus.ReceiverOptions{})
	if err != nil {
		return fmt.Errorf("AzureServiceBus: create receiver (queue=%s): %w", fullName, err)
	}
	c.receive(receiver, fullName, handler)
	return nil
}

func (c *AzureServiceBusBroker) receive(receiver *azservicebus.Receiver, fullName string, handler func(context.Context, Message) error) {
	c.receivers.Add(1)
	go func() {
		defer c.receivers.Done()
		for c.ctx.Err() == nil {
			messages, err := receiver.ReceiveMessages(c.ctx, 1, &azservicebus.ReceiveMessagesOptions{})
			if err != nil {
				const backoffTime = time.Minute
				if !errors.Is(err, context.Canceled) {
					log.Ctx(c.ctx).Err(err).Msgf("AzureServiceBus: receive message failed, backing off for %s (src: %s)", backoffTime, fullName)
				}
				// Sleep for a minute before retrying, to avoid spamming the logs.
				// But, the server might be instructed to shut down in the meantime, and we don't want the sleep to block the shutdown.
				// So, use a select to also listen for shutdown.
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(backoffTime):
				}
				continue
			}
			if len(messages) == 0 {
				time.Sleep(1 * time.Second) // Make sure we don't busy-wait on some external resource.
				continue                    // No messages received, continue to the next iteration
			}
			azMessage := messages[0]
			message := Message{
				Body:                  azMessage.Body,
				CorrelationID:         azMessage.CorrelationID,
				ApplicationProperties: azMessage.ApplicationProperties,
			}
			if azMessage.ContentType != nil {
				message.ContentType = *azMessage.ContentType
			}
			if err := handler(c.ctx, message); err != nil {
				log.Ctx(c.ctx).Warn().Err(err).Msgf("AzureServiceBus: message handler failed (src: %s), message will be sent to DLQ", fullName)
				if err := receiver.AbandonMessage(c.ctx, azMessage, &azservicebus.AbandonMessageOptions{
					PropertiesToModify: map[string]any{
						"deliveryfailure-" + strconv.Itoa(int(azMessage.DeliveryCount)): err.Error(),
					},
				}); err != nil {
					log.Ctx(c.ctx).Err(err).Msgf("AzureServiceBus: abandon message (for redelivery) failed (src: %s)", fullName)
				}
			} else {
				if err := receiver.CompleteMessage(c.ctx, azMessage, &azservicebus.CompleteMessageOptions{}); err != nil {
					log.Ctx(c.ctx).Err(err).Msgf("AzureServiceBus: complete message failed (src: %s)", fullName)
				}
			}
		}
	}()
}

// SendMessage sends a message to the given queue or topic. Senders for entities that weren't prepared up front are created on first use.
func (c *AzureServiceBusBroker) SendMessage(ctx context.Context, queueOrTopic Entity, message *Message) error {
	sender, err := c.sender(queueOrTopic)
	if err != nil {
		return err
	}
	serviceBusMsg := &azservicebus.Message{
		Body:                  message.Body,
		ContentType:           &message.ContentType,
		CorrelationID:         message.CorrelationID,
		ApplicationProperties: message.ApplicationProperties,
	}
	return sender.SendMessage(ctx, serviceBusMsg, nil)
}

func (c *AzureServiceBusBroker) sender(entity Entity) (*azservicebus.Sender, error) {
	c.senderLock.RLock()
	sender, ok := c.senders[entity.Name]
	c.senderLock.RUnlock()
	if ok {
		return sender, nil
	}
	c.senderLock.Lock()
	defer c.senderLock.Unlock()
	if c.ctx.Err() != nil {
		return nil, errors.New("AzureServiceBus: broker is closed")
	}
	if sender, ok = c.senders[entity.Name]; ok {
		return sender, nil
	}
	sender, err := c.client.NewSender(entity.FullName(c.entityPrefix), nil)
	if err != nil {
		return nil, fmt.Errorf("AzureServiceBus: create sender (entity=%s): %w", entity.FullName(c.entityPrefix), err)
	}
	c.senders[entity.Name] = sender
	return sender, nil
}
