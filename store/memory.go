package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

var _ Store = &MemoryStore{}

// NewMemoryStore creates an empty in-memory Store. Last updated times are taken from the given clock.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock:     clk,
		resources: map[string]map[string]Resource{},
	}
}

// MemoryStore is a Store that keeps the latest version of each resource in memory.
// It is meant for development and tests. The Filter of a Query is ignored.
type MemoryStore struct {
	clock     clock.Clock
	mux       sync.RWMutex
	resources map[string]map[string]Resource
	last      time.Time
	// PageSize limits the number of resources per search page. Zero means no limit.
	PageSize int
}

// Create stores a new resource with a generated ID.
func (m *MemoryStore) Create(resourceType string, payload json.RawMessage) Resource {
	return m.Put(resourceType, uuid.NewString(), payload)
}

// Put creates or updates a resource. Its last updated time is strictly greater than that of any resource stored before.
func (m *MemoryStore) Put(resourceType string, id string, payload json.RawMessage) Resource {
	m.mux.Lock()
	defer m.mux.Unlock()
	lastUpdated := m.clock.Now().UTC()
	if !lastUpdated.After(m.last) {
		lastUpdated = m.last.Add(time.Nanosecond)
	}
	m.last = lastUpdated
	resource := Resource{
		Type:        resourceType,
		ID:          id,
		LastUpdated: lastUpdated,
		Payload:     slices.Clone(payload),
	}
	if m.resources[resourceType] == nil {
		m.resources[resourceType] = map[string]Resource{}
	}
	m.resources[resourceType][id] = resource
	return resource
}

// Delete removes a resource. It is a no-op if the resource does not exist.
func (m *MemoryStore) Delete(resourceType string, id string) {
	m.mux.Lock()
	defer m.mux.Unlock()
	delete(m.resources[resourceType], id)
}

func (m *MemoryStore) Search(_ context.Context, query Query, pageToken string) (*Page, error) {
	offset := 0
	if pageToken != "" {
		var err error
		offset, err = strconv.Atoi(pageToken)
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("invalid page token: %s", pageToken)
		}
	}
	m.mux.RLock()
	var candidates []Resource
	for _, resource := range m.resources[query.ResourceType] {
		if !resource.LastUpdated.Before(query.Since) {
			candidates = append(candidates, resource)
		}
	}
	m.mux.RUnlock()
	slices.SortFunc(candidates, func(a, b Resource) int {
		return a.LastUpdated.Compare(b.LastUpdated)
	})
	result := Page{}
	if offset >= len(candidates) {
		return &result, nil
	}
	end := len(candidates)
	if m.PageSize > 0 && offset+m.PageSize < end {
		end = offset + m.PageSize
		result.Next = strconv.Itoa(end)
	}
	result.Resources = candidates[offset:end]
	return &result, nil
}

func (m *MemoryStore) Get(_ context.Context, resourceType string, id string) (*Resource, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	resource, ok := m.resources[resourceType][id]
	if !ok {
		return nil, ErrNotFound
	}
	return &resource, nil
}
