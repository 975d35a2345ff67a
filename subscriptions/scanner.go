package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/SanteonNL/orca/subscriptionengine/lib/criteria"
	"github.com/SanteonNL/orca/subscriptionengine/store"
)

// ErrStorageUnavailable is returned when the resource store can't be searched.
var ErrStorageUnavailable = errors.New("resource storage unavailable")

// Scanner finds resources changed since a marker.
type Scanner struct {
	Store store.Store
}

// Scan returns the resources of the criteria's resource type that changed at or after since, ordered by ascending marker.
// If the criteria has a time lower bound after since, scanning starts at that bound.
// The sequence fetches pages lazily; it yields a single error wrapping ErrStorageUnavailable if the store fails, and then stops.
func (s Scanner) Scan(ctx context.Context, c criteria.Criteria, since time.Time) iter.Seq2[store.Resource, error] {
	if c.LastUpdatedLowerBound != nil && c.LastUpdatedLowerBound.After(since) {
		since = *c.LastUpdatedLowerBound
	}
	query := store.Query{
		ResourceType: c.ResourceType,
		Since:        since,
		Filter:       c.Query(),
	}
	return func(yield func(store.Resource, error) bool) {
		pageToken := ""
		for {
			page, err := s.Store.Search(ctx, query, pageToken)
			if err != nil {
				yield(store.Resource{}, fmt.Errorf("%w: %w", ErrStorageUnavailable, err))
				return
			}
			for _, resource := range page.Resources {
				if !yield(resource, nil) {
					return
				}
			}
			if page.Next == "" {
				return
			}
			pageToken = page.Next
		}
	}
}
