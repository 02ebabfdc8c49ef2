package audit

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory, thread-safe Store implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []*Event
	snapshots []*Snapshot
	changes   []*Change
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

// Trail implements Store.
func (m *MemoryStore) Trail(_ context.Context, orgID, aggregateID string, q Query) ([]*Event, error) {
	q = q.normalized()
	return m.scan(func(e *Event) bool {
		return e.OrganizationID == orgID && e.AggregateID == aggregateID && matchesQuery(e, q)
	}, q), nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, orgID string, q Query) ([]*Event, error) {
	q = q.normalized()
	return m.scan(func(e *Event) bool {
		return e.OrganizationID == orgID && matchesQuery(e, q)
	}, q), nil
}

func (m *MemoryStore) scan(keep func(*Event) bool, q Query) []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events {
		if keep(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.After(out[j].OccurredAt)
	})

	if q.Offset >= len(out) {
		return nil
	}
	out = out[q.Offset:]
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func matchesQuery(e *Event, q Query) bool {
	if !q.Start.IsZero() && e.OccurredAt.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && e.OccurredAt.After(q.End) {
		return false
	}
	if q.ActorID != "" && e.ActorID != q.ActorID {
		return false
	}
	if len(q.EventTypes) > 0 && !slices.Contains(q.EventTypes, e.EventType) {
		return false
	}
	if len(q.AggregateTypes) > 0 && !slices.Contains(q.AggregateTypes, e.AggregateType) {
		return false
	}
	return true
}

// Stats implements Store.
func (m *MemoryStore) Stats(_ context.Context, orgID string, start, end time.Time) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &Stats{EventTypes: map[string]int{}, ActorTypes: map[string]int{}}
	for _, e := range m.events {
		if e.OrganizationID != orgID || e.OccurredAt.Before(start) || e.OccurredAt.After(end) {
			continue
		}
		s.EventTypes[e.EventType]++
		s.ActorTypes[string(e.ActorType)]++
	}
	return s, nil
}

// SaveSnapshot implements Store.
func (m *MemoryStore) SaveSnapshot(_ context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.snapshots {
		if existing.AggregateID == s.AggregateID && existing.AggregateVersion == s.AggregateVersion {
			return ErrSnapshotExists
		}
	}
	cp := *s
	m.snapshots = append(m.snapshots, &cp)
	return nil
}

// LatestSnapshot implements Store.
func (m *MemoryStore) LatestSnapshot(_ context.Context, orgID, aggregateID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Snapshot
	for _, s := range m.snapshots {
		if s.OrganizationID != orgID || s.AggregateID != aggregateID {
			continue
		}
		if latest == nil || s.AggregateVersion > latest.AggregateVersion {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

// AppendChange implements Store.
func (m *MemoryStore) AppendChange(_ context.Context, c *Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.changes = append(m.changes, &cp)
	return nil
}

// Changes implements Store.
func (m *MemoryStore) Changes(_ context.Context, orgID, tableName, recordID string, limit int) ([]*Change, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Change
	for i := len(m.changes) - 1; i >= 0; i-- {
		c := m.changes[i]
		if c.OrganizationID != orgID || c.TableName != tableName || c.RecordID != recordID {
			continue
		}
		cp := *c
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
