package subscriptions

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by administrative Registry operations when the subscription does not exist.
var ErrNotFound = errors.New("subscription not found")

// ErrAlreadyExists is returned by Registry.Create when a subscription with the same ID exists.
var ErrAlreadyExists = errors.New("subscription already exists")

// Registry stores subscription records.
// ListActive, AdvanceMarker, RecordFailure, RecordSuccess and SetStatus are used by the Scheduler;
// these mutations are atomic per subscription and are no-ops for subscriptions that no longer exist.
// The remaining operations serve administration.
type Registry interface {
	// ListActive returns a point-in-time snapshot of all subscriptions with StatusActive.
	ListActive(ctx context.Context) ([]Subscription, error)
	// AdvanceMarker sets the subscription's LastScanMarker and ScanBoundary, if the given marker is after the current one.
	// If the marker equals the current one, only the ScanBoundary is replaced.
	AdvanceMarker(ctx context.Context, id string, marker time.Time, boundary []string) error
	// RecordFailure increments the consecutive failure count of an active subscription.
	// When the count reaches the threshold, the subscription's status becomes StatusError with the given reason
	// and true is returned. A threshold of 0 or less disables escalation.
	RecordFailure(ctx context.Context, id string, reason string, threshold int) (bool, error)
	// RecordSuccess resets the consecutive failure count.
	RecordSuccess(ctx context.Context, id string) error
	// SetStatus changes the status. Setting StatusActive resets the failure count and error.
	SetStatus(ctx context.Context, id string, status Status) error

	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]Subscription, error)
	// Create stores a new subscription. If the ID is empty, one is generated.
	Create(ctx context.Context, subscription Subscription) (*Subscription, error)
	// Update replaces the criteria, channel, reason and status of an existing subscription.
	// Scan state is kept, unless the status changes, in which case the failure count and error are reset.
	Update(ctx context.Context, subscription Subscription) (*Subscription, error)
	Delete(ctx context.Context, id string) error
}
