//go:generate mockgen -destination=./store_mock.go -package=store -source=store.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/juju/clock"
)

// ErrNotFound is returned by Store.Get when the requested resource does not exist.
var ErrNotFound = errors.New("resource not found")

// Resource is a stored FHIR resource. The payload is kept as opaque JSON.
type Resource struct {
	Type string
	ID   string
	// LastUpdated is the resource's meta.lastUpdated, used as the change marker.
	LastUpdated time.Time
	Payload     json.RawMessage
}

// Reference returns the relative reference to the resource, e.g. Patient/123.
func (r Resource) Reference() string {
	return r.Type + "/" + r.ID
}

// Query describes a search for changed resources.
type Query struct {
	ResourceType string
	// Since is the inclusive lower bound on the resources' last updated time. The zero time means no lower bound.
	Since time.Time
	// Filter holds additional search parameters. A Store may ignore them, so callers must evaluate their criteria
	// on the returned resources themselves.
	Filter url.Values
}

// Page is a page of search results.
type Page struct {
	// Resources are ordered ascending by LastUpdated.
	Resources []Resource
	// Next is the token to retrieve the next page with. It is empty when there are no more results.
	Next string
}

// Store is the resource storage the subscription engine reads from.
type Store interface {
	// Search returns resources of the queried type, updated at or after Query.Since, ordered ascending by last updated time.
	// An empty pageToken requests the first page.
	Search(ctx context.Context, query Query, pageToken string) (*Page, error)
	// Get returns a single resource. It returns ErrNotFound if it does not exist.
	Get(ctx context.Context, resourceType string, id string) (*Resource, error)
}

// New creates the Store for the given configuration.
func New(config Config) (Store, error) {
	switch config.Type {
	case TypeMemory:
		return NewMemoryStore(clock.WallClock), nil
	case TypeFHIR:
		return NewFHIRStore(config.FHIR)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
