package subscriptions

import (
	"encoding/json"
	"time"

	"github.com/SanteonNL/orca/subscriptionengine/lib/criteria"
)

// Status is the lifecycle status of a Subscription.
type Status string

const (
	StatusRequested Status = "requested"
	StatusActive    Status = "active"
	StatusError     Status = "error"
	StatusOff       Status = "off"
)

func (s Status) Valid() bool {
	switch s {
	case StatusRequested, StatusActive, StatusError, StatusOff:
		return true
	}
	return false
}

// ChannelType identifies how notifications reach a subscriber.
type ChannelType string

const (
	ChannelTypeWebsocket ChannelType = "websocket"
	ChannelTypeRestHook  ChannelType = "rest-hook"
	ChannelTypeMessage   ChannelType = "message"
)

func (c ChannelType) Valid() bool {
	switch c {
	case ChannelTypeWebsocket, ChannelTypeRestHook, ChannelTypeMessage:
		return true
	}
	return false
}

// PayloadEncoding determines what a notification carries.
type PayloadEncoding string

const (
	// PayloadMinimal only signals that something matched.
	PayloadMinimal PayloadEncoding = "minimal-ping"
	// PayloadFullResource carries the matched resource.
	PayloadFullResource PayloadEncoding = "full-resource"
)

type ChannelSpec struct {
	Type ChannelType
	// Endpoint is the webhook URL or queue name. It is unused for websocket channels.
	Endpoint string
	Payload  PayloadEncoding
	// Headers are added to webhook requests, each formatted as "Name: value".
	Headers []string
}

// Subscription is a standing query against the resource store, together with the channel matches are delivered on.
type Subscription struct {
	ID       string
	Criteria criteria.Criteria
	Channel  ChannelSpec
	Status   Status
	// Reason is a free-text description of why the subscription exists.
	Reason string
	// LastScanMarker is the highest resource marker considered by a poll pass. It never decreases.
	LastScanMarker time.Time
	// ScanBoundary holds the references of the resources at LastScanMarker that were already considered.
	// Store searches are inclusive, so these resources are returned again by the next scan.
	ScanBoundary []string
	// FailureCount is the number of consecutive failed deliveries.
	FailureCount int
	// Error holds the last failure reason once the subscription has been escalated to StatusError.
	Error string
}

// MatchedResource is a resource that satisfied a subscription's criteria in a poll pass.
type MatchedResource struct {
	SubscriptionID string
	ResourceType   string
	ResourceID     string
	Marker         time.Time
	Payload        json.RawMessage
}

func (m MatchedResource) Reference() string {
	return m.ResourceType + "/" + m.ResourceID
}

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Result is the outcome of a single delivery attempt.
type Result struct {
	Outcome Outcome
	Reason  string
}

func Delivered() Result {
	return Result{Outcome: OutcomeDelivered}
}

func Failed(reason string) Result {
	return Result{Outcome: OutcomeFailed, Reason: reason}
}

func Skipped(reason string) Result {
	return Result{Outcome: OutcomeSkipped, Reason: reason}
}
