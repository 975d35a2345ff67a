package admin

import (
	"fmt"
	"strings"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/SanteonNL/orca/subscriptionengine/lib/criteria"
	"github.com/SanteonNL/orca/subscriptionengine/lib/to"
	"github.com/SanteonNL/orca/subscriptionengine/subscriptions"
)

// SubscriptionResource is the FHIR R4 Subscription representation of a subscription.
type SubscriptionResource struct {
	ResourceType string                      `json:"resourceType"`
	ID           *string                     `json:"id,omitempty"`
	Status       string                      `json:"status,omitempty"`
	Reason       string                      `json:"reason,omitempty"`
	Criteria     string                      `json:"criteria"`
	Error        *string                     `json:"error,omitempty"`
	Channel      SubscriptionChannelResource `json:"channel"`
}

type SubscriptionChannelResource struct {
	Type     string   `json:"type"`
	Endpoint *string  `json:"endpoint,omitempty"`
	Payload  *string  `json:"payload,omitempty"`
	Header   []string `json:"header,omitempty"`
}

func toResource(subscription subscriptions.Subscription) SubscriptionResource {
	result := SubscriptionResource{
		ResourceType: "Subscription",
		ID:           to.Ptr(subscription.ID),
		Status:       string(subscription.Status),
		Reason:       subscription.Reason,
		Criteria:     subscription.Criteria.String(),
		Error:        to.NilString(subscription.Error),
		Channel: SubscriptionChannelResource{
			Type:     string(subscription.Channel.Type),
			Endpoint: to.NilString(subscription.Channel.Endpoint),
			Header:   subscription.Channel.Headers,
		},
	}
	if subscription.Channel.Payload == subscriptions.PayloadFullResource {
		result.Channel.Payload = to.Ptr(fhirclient.FhirJsonMediaType)
	}
	return result
}

// fromResource converts and validates a FHIR Subscription.
// A subscription that is requested is accepted, and thus becomes active.
func fromResource(resource SubscriptionResource) (*subscriptions.Subscription, error) {
	if resource.ResourceType != "Subscription" {
		return nil, fmt.Errorf("expected resourceType Subscription, got %q", resource.ResourceType)
	}
	parsedCriteria, err := criteria.Parse(resource.Criteria)
	if err != nil {
		return nil, fmt.Errorf("invalid criteria: %w", err)
	}
	status := subscriptions.Status(resource.Status)
	if status == "" || status == subscriptions.StatusRequested {
		status = subscriptions.StatusActive
	}
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status: %s", resource.Status)
	}
	channelType := subscriptions.ChannelType(resource.Channel.Type)
	if !channelType.Valid() {
		return nil, fmt.Errorf("unsupported channel type: %s", resource.Channel.Type)
	}
	endpoint := strings.TrimSpace(to.Empty(resource.Channel.Endpoint))
	if endpoint == "" && channelType != subscriptions.ChannelTypeWebsocket {
		return nil, fmt.Errorf("channel endpoint is required for channel type %s", channelType)
	}
	payload := subscriptions.PayloadMinimal
	if to.Empty(resource.Channel.Payload) != "" {
		payload = subscriptions.PayloadFullResource
	}
	for _, header := range resource.Channel.Header {
		if name, _, ok := strings.Cut(header, ":"); !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid channel header: %s", header)
		}
	}
	return &subscriptions.Subscription{
		ID:       to.Empty(resource.ID),
		Criteria: parsedCriteria,
		Channel: subscriptions.ChannelSpec{
			Type:     channelType,
			Endpoint: endpoint,
			Payload:  payload,
			Headers:  resource.Channel.Header,
		},
		Status: status,
		Reason: resource.Reason,
	}, nil
}
