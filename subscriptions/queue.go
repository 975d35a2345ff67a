package subscriptions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/SanteonNL/orca/subscriptionengine/lib/to"
	"github.com/SanteonNL/orca/subscriptionengine/messaging"
	"github.com/google/uuid"
	"github.com/juju/clock"
)

var _ Channel = QueueChannel{}

// QueueChannel delivers notifications as messages on the queue or topic named by the channel endpoint.
// Minimal notifications are sent as a notification Bundle, full-resource notifications carry the resource itself.
type QueueChannel struct {
	Broker messaging.Broker
	// BaseURL is used to make references in notification Bundles absolute. It is optional.
	BaseURL *url.URL
	Clock   clock.Clock
}

func (q QueueChannel) Deliver(ctx context.Context, subscription Subscription, match MatchedResource) Result {
	if subscription.Channel.Endpoint == "" {
		return Failed("message channel has no endpoint")
	}
	message := &messaging.Message{
		ContentType:   fhirclient.FhirJsonMediaType,
		CorrelationID: to.Ptr(uuid.NewString()),
		ApplicationProperties: map[string]any{
			"subscription":  subscription.ID,
			"resource-type": match.ResourceType,
			"resource-id":   match.ResourceID,
		},
	}
	if subscription.Channel.Payload == PayloadFullResource {
		message.Body = match.Payload
	} else {
		clk := q.Clock
		if clk == nil {
			clk = clock.WallClock
		}
		var err error
		message.Body, err = json.Marshal(CreateNotification(q.BaseURL, clk.Now(), match))
		if err != nil {
			return Failed(fmt.Sprintf("marshal notification: %s", err))
		}
	}
	if err := q.Broker.SendMessage(ctx, messaging.Entity{Name: subscription.Channel.Endpoint}, message); err != nil {
		return Failed(fmt.Sprintf("enqueue to %s: %s", subscription.Channel.Endpoint, err))
	}
	return Delivered()
}
