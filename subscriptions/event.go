package subscriptions

import (
	"context"
	"time"

	"github.com/SanteonNL/orca/subscriptionengine/events"
	"github.com/SanteonNL/orca/subscriptionengine/lib/logging"
	"github.com/SanteonNL/orca/subscriptionengine/messaging"
	"github.com/rs/zerolog/log"
)

var _ events.Type = &SubscriptionStatusChangedEvent{}

// SubscriptionStatusChangedEvent is published when the Scheduler changes the status of a subscription.
type SubscriptionStatusChangedEvent struct {
	SubscriptionID string    `json:"subscription_id"`
	Status         Status    `json:"status"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func (s SubscriptionStatusChangedEvent) Entity() messaging.Entity {
	return messaging.Entity{
		Name: "orca.subscription-status-changed",
	}
}

func (s SubscriptionStatusChangedEvent) Instance() events.Type {
	return &SubscriptionStatusChangedEvent{}
}

// StatusListener is called after the Scheduler changed the status of a subscription.
type StatusListener func(ctx context.Context, subscription Subscription)

// PublishStatusChanges returns a StatusListener that publishes SubscriptionStatusChangedEvents.
func PublishStatusChanges(manager events.Manager, now func() time.Time) StatusListener {
	return func(ctx context.Context, subscription Subscription) {
		err := manager.Notify(ctx, SubscriptionStatusChangedEvent{
			SubscriptionID: subscription.ID,
			Status:         subscription.Status,
			Error:          subscription.Error,
			Timestamp:      now(),
		})
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Str(logging.FieldSubscriptionID, subscription.ID).Msg("Failed to publish subscription status change")
		}
	}
}
