package subscriptions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/SanteonNL/orca/subscriptionengine/store"
)

func observationJSON(id string, code string) []byte {
	return []byte(`{"resourceType":"Observation","id":"` + id + `","status":"final","code":{"coding":[{"system":"http://snomed.info/sct","code":"` + code + `"}]}}`)
}

func observation(id string, code string) store.Resource {
	return store.Resource{
		Type:        "Observation",
		ID:          id,
		LastUpdated: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Payload:     observationJSON(id, code),
	}
}

var _ Session = &recordingSession{}

// recordingSession is a Session that records sent messages.
type recordingSession struct {
	mux      sync.Mutex
	messages []string
	closed   bool
	sendErr  error
}

func (r *recordingSession) Send(_ context.Context, message string) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.closed {
		return errors.New("session closed")
	}
	if r.sendErr != nil {
		return r.sendErr
	}
	r.messages = append(r.messages, message)
	return nil
}

func (r *recordingSession) Close() error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.closed = true
	return nil
}

func (r *recordingSession) Messages() []string {
	r.mux.Lock()
	defer r.mux.Unlock()
	return append([]string(nil), r.messages...)
}

func (r *recordingSession) Closed() bool {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.closed
}

var _ store.Store = &failingStore{}

// failingStore fails searches for the given resource types and delegates all other calls.
type failingStore struct {
	store.Store
	failTypes map[string]bool
}

func (f failingStore) Search(ctx context.Context, query store.Query, pageToken string) (*store.Page, error) {
	if f.failTypes[query.ResourceType] {
		return nil, errors.New("connection refused")
	}
	return f.Store.Search(ctx, query, pageToken)
}
