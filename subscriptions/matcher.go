package subscriptions

import (
	"github.com/SanteonNL/orca/subscriptionengine/lib/logging"
	"github.com/SanteonNL/orca/subscriptionengine/store"
	"github.com/rs/zerolog/log"
)

// Matcher evaluates subscription criteria against resources.
type Matcher struct {
	// OnError is called when the criteria can't be evaluated against a resource, which is then treated as a non-match.
	// If nil, the failure is logged.
	OnError func(subscription Subscription, resource store.Resource, err error)
}

func (m Matcher) Matches(subscription Subscription, resource store.Resource) bool {
	matches, err := subscription.Criteria.Matches(resource.Type, resource.Payload)
	if err != nil {
		if m.OnError != nil {
			m.OnError(subscription, resource, err)
		} else {
			log.Warn().Err(err).
				Str(logging.FieldSubscriptionID, subscription.ID).
				Str(logging.FieldResourceType, resource.Type).
				Str(logging.FieldResourceID, resource.ID).
				Msg("Subscription criteria could not be evaluated, resource is not delivered")
		}
		return false
	}
	return matches
}
