package webhooks

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory, thread-safe Store implementation for tests
// and single-process development.
type MemoryStore struct {
	mu         sync.RWMutex
	endpoints  map[uuid.UUID]*Endpoint
	events     map[uuid.UUID]*Event
	deliveries map[uuid.UUID]*Delivery
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		endpoints:  make(map[uuid.UUID]*Endpoint),
		events:     make(map[uuid.UUID]*Event),
		deliveries: make(map[uuid.UUID]*Delivery),
	}
}

func copyEndpoint(ep *Endpoint) *Endpoint {
	cp := *ep
	cp.EventTypes = slices.Clone(ep.EventTypes)
	cp.CustomHeaders = maps.Clone(ep.CustomHeaders)
	return &cp
}

func copyDelivery(d *Delivery) *Delivery {
	cp := *d
	cp.ResponseHeaders = maps.Clone(d.ResponseHeaders)
	return &cp
}

// CreateEndpoint implements Store.
func (m *MemoryStore) CreateEndpoint(_ context.Context, ep *Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.endpoints {
		if existing.OrganizationID == ep.OrganizationID && existing.Name == ep.Name {
			return ErrDuplicateName
		}
	}
	m.endpoints[ep.ID] = copyEndpoint(ep)
	return nil
}

// GetEndpoint implements Store.
func (m *MemoryStore) GetEndpoint(_ context.Context, orgID string, id uuid.UUID) (*Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[id]
	if !ok || ep.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	return copyEndpoint(ep), nil
}

// ListEndpoints implements Store.
func (m *MemoryStore) ListEndpoints(_ context.Context, orgID string) ([]*Endpoint, error) {
	return m.listEndpoints(orgID, false), nil
}

// ListActiveEndpoints implements Store.
func (m *MemoryStore) ListActiveEndpoints(_ context.Context, orgID string) ([]*Endpoint, error) {
	return m.listEndpoints(orgID, true), nil
}

func (m *MemoryStore) listEndpoints(orgID string, activeOnly bool) []*Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Endpoint
	for _, ep := range m.endpoints {
		if ep.OrganizationID != orgID || (activeOnly && !ep.IsActive) {
			continue
		}
		out = append(out, copyEndpoint(ep))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// UpdateEndpoint implements Store.
func (m *MemoryStore) UpdateEndpoint(_ context.Context, ep *Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.endpoints[ep.ID]
	if !ok || existing.OrganizationID != ep.OrganizationID {
		return ErrNotFound
	}
	for _, other := range m.endpoints {
		if other.ID != ep.ID && other.OrganizationID == ep.OrganizationID && other.Name == ep.Name {
			return ErrDuplicateName
		}
	}
	m.endpoints[ep.ID] = copyEndpoint(ep)
	return nil
}

// DeleteEndpoint implements Store.
func (m *MemoryStore) DeleteEndpoint(_ context.Context, orgID string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok || ep.OrganizationID != orgID {
		return ErrNotFound
	}
	delete(m.endpoints, id)
	for did, d := range m.deliveries {
		if d.EndpointID == id {
			delete(m.deliveries, did)
		}
	}
	return nil
}

// CreateEvent implements Store.
func (m *MemoryStore) CreateEvent(_ context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.events[ev.ID] = &cp
	return nil
}

// GetEvent implements Store.
func (m *MemoryStore) GetEvent(_ context.Context, id uuid.UUID) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

// CreateDeliveries implements Store.
func (m *MemoryStore) CreateDeliveries(_ context.Context, ds []*Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	type pair struct{ endpoint, event uuid.UUID }
	seen := make(map[pair]bool, len(m.deliveries)+len(ds))
	for _, d := range m.deliveries {
		seen[pair{d.EndpointID, d.EventID}] = true
	}
	for _, d := range ds {
		k := pair{d.EndpointID, d.EventID}
		if seen[k] {
			return ErrDuplicateDelivery
		}
		seen[k] = true
	}
	for _, d := range ds {
		m.deliveries[d.ID] = copyDelivery(d)
	}
	return nil
}

// GetDelivery implements Store.
func (m *MemoryStore) GetDelivery(_ context.Context, id uuid.UUID) (*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDelivery(d), nil
}

// ListDeliveries implements Store.
func (m *MemoryStore) ListDeliveries(_ context.Context, orgID string, endpointID uuid.UUID, limit int) ([]*Delivery, error) {
	out := m.filterDeliveries(func(d *Delivery) bool {
		return d.OrganizationID == orgID && d.EndpointID == endpointID
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) filterDeliveries(keep func(*Delivery) bool) []*Delivery {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Delivery
	for _, d := range m.deliveries {
		if keep(d) {
			out = append(out, copyDelivery(d))
		}
	}
	return out
}

// MarkStarted implements Store.
func (m *MemoryStore) MarkStarted(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return false, ErrNotFound
	}
	if d.Status != StatusPending || d.StartedAt != nil {
		return false, nil
	}
	d.StartedAt = &at
	return true, nil
}

// RecordOutcome implements Store.
func (m *MemoryStore) RecordOutcome(_ context.Context, id uuid.UUID, startedAt time.Time, o Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.Status != StatusPending || d.StartedAt == nil || !d.StartedAt.Equal(startedAt) {
		return ErrNotFound
	}
	d.Status = o.Status
	d.HTTPStatusCode = o.HTTPStatusCode
	d.ResponseBody = o.ResponseBody
	d.ResponseHeaders = maps.Clone(o.ResponseHeaders)
	d.ErrorMessage = o.ErrorMessage
	d.CompletedAt = o.CompletedAt
	d.NextRetryAt = o.NextRetryAt
	return nil
}

// ClaimRetry implements Store.
func (m *MemoryStore) ClaimRetry(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return false, ErrNotFound
	}
	if d.Status != StatusRetrying {
		return false, nil
	}
	d.Status = StatusPending
	d.AttemptNumber++
	d.NextRetryAt = nil
	d.StartedAt = nil
	return true, nil
}

// ListDueRetries implements Store.
func (m *MemoryStore) ListDueRetries(_ context.Context, now time.Time, limit int) ([]*Delivery, error) {
	out := m.filterDeliveries(func(d *Delivery) bool {
		return d.Status == StatusRetrying && d.NextRetryAt != nil && !d.NextRetryAt.After(now)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	return truncate(out, limit), nil
}

// ListStalled implements Store.
func (m *MemoryStore) ListStalled(_ context.Context, startedBefore time.Time, limit int) ([]*Delivery, error) {
	out := m.filterDeliveries(func(d *Delivery) bool {
		return d.Status == StatusPending && d.StartedAt != nil && d.StartedAt.Before(startedBefore)
	})
	return truncate(out, limit), nil
}

// ListUndispatched implements Store.
func (m *MemoryStore) ListUndispatched(_ context.Context, createdBefore time.Time, limit int) ([]*Delivery, error) {
	out := m.filterDeliveries(func(d *Delivery) bool {
		return d.Status == StatusPending && d.StartedAt == nil && d.CreatedAt.Before(createdBefore)
	})
	return truncate(out, limit), nil
}

// DeliveryStats implements Store.
func (m *MemoryStore) DeliveryStats(_ context.Context, orgID string, start, end *time.Time) (DeliveryStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := DeliveryStats{}
	for _, d := range m.deliveries {
		if d.OrganizationID != orgID {
			continue
		}
		if start != nil && d.CreatedAt.Before(*start) {
			continue
		}
		if end != nil && d.CreatedAt.After(*end) {
			continue
		}
		stats[d.Status]++
	}
	return stats, nil
}

func truncate(ds []*Delivery, limit int) []*Delivery {
	if limit > 0 && len(ds) > limit {
		return ds[:limit]
	}
	return ds
}
