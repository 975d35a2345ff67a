package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

const maxResponseBodyBytes = 256 << 10

var _ Handler = WebhookHandler{}

// WebhookHandler forwards events as JSON to an HTTP endpoint.
type WebhookHandler struct {
	client *http.Client
	URL    string
}

func NewWebhookHandler(url string, client *http.Client) WebhookHandler {
	if client == nil {
		client = http.DefaultClient
	}
	return WebhookHandler{URL: url, client: client}
}

func (w WebhookHandler) Handle(ctx context.Context, event Type) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	request.Header.Add("Content-Type", "application/json")
	response, err := w.client.Do(request)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_, _ = io.CopyN(io.Discard, response.Body, maxResponseBodyBytes)
		_ = response.Body.Close()
	}()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", response.StatusCode)
	}
	log.Ctx(ctx).Debug().Msgf("Sent event %T to webhook %s", event, w.URL)
	return nil
}
