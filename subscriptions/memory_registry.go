package subscriptions

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Registry = &MemoryRegistry{}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		subscriptions: map[string]*Subscription{},
	}
}

// MemoryRegistry is a Registry that keeps subscriptions in memory.
type MemoryRegistry struct {
	mux           sync.RWMutex
	subscriptions map[string]*Subscription
}

func (m *MemoryRegistry) ListActive(_ context.Context) ([]Subscription, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	var result []Subscription
	for _, subscription := range m.subscriptions {
		if subscription.Status == StatusActive {
			result = append(result, clone(*subscription))
		}
	}
	sortByID(result)
	return result, nil
}

func (m *MemoryRegistry) AdvanceMarker(_ context.Context, id string, marker time.Time, boundary []string) error {
	m.update(id, func(subscription *Subscription) {
		if marker.Before(subscription.LastScanMarker) {
			return
		}
		subscription.LastScanMarker = marker
		subscription.ScanBoundary = slices.Clone(boundary)
	})
	return nil
}

func (m *MemoryRegistry) RecordFailure(_ context.Context, id string, reason string, threshold int) (bool, error) {
	escalated := false
	m.update(id, func(subscription *Subscription) {
		if subscription.Status != StatusActive {
			return
		}
		subscription.FailureCount++
		if threshold > 0 && subscription.FailureCount >= threshold {
			subscription.Status = StatusError
			subscription.Error = reason
			escalated = true
		}
	})
	return escalated, nil
}

func (m *MemoryRegistry) RecordSuccess(_ context.Context, id string) error {
	m.update(id, func(subscription *Subscription) {
		subscription.FailureCount = 0
	})
	return nil
}

func (m *MemoryRegistry) SetStatus(_ context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid subscription status: %s", status)
	}
	m.update(id, func(subscription *Subscription) {
		subscription.Status = status
		if status == StatusActive {
			subscription.FailureCount = 0
			subscription.Error = ""
		}
	})
	return nil
}

func (m *MemoryRegistry) Get(_ context.Context, id string) (*Subscription, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	subscription, ok := m.subscriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := clone(*subscription)
	return &result, nil
}

func (m *MemoryRegistry) List(_ context.Context) ([]Subscription, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	result := make([]Subscription, 0, len(m.subscriptions))
	for _, subscription := range m.subscriptions {
		result = append(result, clone(*subscription))
	}
	sortByID(result)
	return result, nil
}

func (m *MemoryRegistry) Create(_ context.Context, subscription Subscription) (*Subscription, error) {
	if subscription.ID == "" {
		subscription.ID = uuid.NewString()
	}
	if subscription.Status == "" {
		subscription.Status = StatusRequested
	}
	m.mux.Lock()
	defer m.mux.Unlock()
	if _, exists := m.subscriptions[subscription.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, subscription.ID)
	}
	stored := clone(subscription)
	m.subscriptions[subscription.ID] = &stored
	result := clone(stored)
	return &result, nil
}

func (m *MemoryRegistry) Update(_ context.Context, subscription Subscription) (*Subscription, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	existing, ok := m.subscriptions[subscription.ID]
	if !ok {
		return nil, ErrNotFound
	}
	updated := clone(*existing)
	updated.Criteria = subscription.Criteria
	updated.Channel = subscription.Channel
	updated.Reason = subscription.Reason
	if subscription.Status != "" && subscription.Status != existing.Status {
		updated.Status = subscription.Status
		updated.FailureCount = 0
		updated.Error = ""
	}
	updated = clone(updated)
	m.subscriptions[subscription.ID] = &updated
	result := clone(updated)
	return &result, nil
}

func (m *MemoryRegistry) Delete(_ context.Context, id string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if _, ok := m.subscriptions[id]; !ok {
		return ErrNotFound
	}
	delete(m.subscriptions, id)
	return nil
}

func (m *MemoryRegistry) update(id string, fn func(subscription *Subscription)) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if subscription, ok := m.subscriptions[id]; ok {
		fn(subscription)
	}
}

// clone returns a copy that shares no slices with the given subscription.
func clone(subscription Subscription) Subscription {
	subscription.Channel.Headers = slices.Clone(subscription.Channel.Headers)
	subscription.ScanBoundary = slices.Clone(subscription.ScanBoundary)
	subscription.Criteria.Conditions = slices.Clone(subscription.Criteria.Conditions)
	for i, condition := range subscription.Criteria.Conditions {
		subscription.Criteria.Conditions[i].Values = slices.Clone(condition.Values)
	}
	subscription.Criteria.Sort = slices.Clone(subscription.Criteria.Sort)
	if subscription.Criteria.LastUpdatedLowerBound != nil {
		bound := *subscription.Criteria.LastUpdatedLowerBound
		subscription.Criteria.LastUpdatedLowerBound = &bound
	}
	return subscription
}

func sortByID(subscriptions []Subscription) {
	slices.SortFunc(subscriptions, func(a, b Subscription) int {
		return strings.Compare(a.ID, b.ID)
	})
}
