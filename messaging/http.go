package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"
)

var _ Broker = &HTTPBroker{}

type HTTPBrokerConfig struct {
	Endpoint string `koanf:"endpoint"`
	// TopicFilter is a list of entities that should be sent over HTTP. If empty, all entities are sent.
	TopicFilter []string `koanf:"topicfilter"`
}

// NewHTTPBroker creates a Broker that POSTs messages to <endpoint>/<entity name>, and forwards them to the underlying broker (if any).
func NewHTTPBroker(config HTTPBrokerConfig, underlyingBroker Broker) Broker {
	return HTTPBroker{
		underlyingBroker: underlyingBroker,
		endpoint:         config.Endpoint,
		topicFilter:      config.TopicFilter,
		client:           http.DefaultClient,
	}
}

type HTTPBroker struct {
	underlyingBroker Broker
	endpoint         string
	topicFilter      []string
	client           *http.Client
}

func (h HTTPBroker) Receive(entity Entity, handler func(context.Context, Message) error) error {
	if h.underlyingBroker == nil {
		return nil
	}
	return h.underlyingBroker.Receive(entity, handler)
}

func (h HTTPBroker) Close(ctx context.Context) error {
	if h.underlyingBroker == nil {
		return nil
	}
	return h.underlyingBroker.Close(ctx)
}

func (h HTTPBroker) SendMessage(ctx context.Context, entity Entity, message *Message) error {
	var errs []error
	if len(h.topicFilter) == 0 || slices.Contains(h.topicFilter, entity.Name) {
		if err := h.doSend(ctx, entity, message); err != nil {
			errs = append(errs, fmt.Errorf("failed to send message over HTTP: %w", err))
		}
	}
	if h.underlyingBroker != nil {
		if err := h.underlyingBroker.SendMessage(ctx, entity, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h HTTPBroker) doSend(ctx context.Context, entity Entity, message *Message) error {
	body := message.Body
	// compact JSON bodies to remove extra whitespace
	if json.Valid(body) {
		var compacted bytes.Buffer
		if err := json.Compact(&compacted, body); err == nil {
			body = compacted.Bytes()
		}
	}
	endpoint, err := url.Parse(h.endpoint)
	if err != nil {
		return err
	}
	httpRequestCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(httpRequestCtx, http.MethodPost, endpoint.JoinPath(entity.Name).String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", message.ContentType)
	if message.CorrelationID != nil {
		req.Header.Set("X-Correlation-ID", *message.CorrelationID)
	}
	client := h.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("received non-OK response: %d", resp.StatusCode)
	}
	return nil
}
