package audit

import (
	"context"
	"time"
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 100
)

// Query filters audit event reads. Zero values mean "no filter".
type Query struct {
	Limit          int
	Offset         int
	Start          time.Time
	End            time.Time
	ActorID        string
	EventTypes     []string
	AggregateTypes []string
}

func (q Query) normalized() Query {
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	if q.Limit > MaxQueryLimit {
		q.Limit = MaxQueryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Stats holds grouped event counts for a time window.
type Stats struct {
	EventTypes map[string]int `json:"eventTypes"`
	ActorTypes map[string]int `json:"actorTypes"`
}

// Total returns the number of events counted.
func (s *Stats) Total() int {
	n := 0
	for _, c := range s.EventTypes {
		n += c
	}
	return n
}

// Store is the append-only persistence interface for audit data.
// There is deliberately no way to update or delete an Event.
// Both MemoryStore and PostgresStore implement this interface.
type Store interface {
	// Append inserts a fully populated event.
	Append(ctx context.Context, e *Event) error

	// Trail returns events for one aggregate, newest first.
	Trail(ctx context.Context, orgID, aggregateID string, q Query) ([]*Event, error)

	// List returns organization-wide events, newest first.
	List(ctx context.Context, orgID string, q Query) ([]*Event, error)

	// Stats counts events in [start, end] grouped by event type and actor type.
	Stats(ctx context.Context, orgID string, start, end time.Time) (*Stats, error)

	// SaveSnapshot stores an aggregate snapshot. Returns ErrSnapshotExists
	// when the (aggregate, version) pair was already saved.
	SaveSnapshot(ctx context.Context, s *Snapshot) error

	// LatestSnapshot returns the highest-version snapshot of an aggregate.
	LatestSnapshot(ctx context.Context, orgID, aggregateID string) (*Snapshot, error)

	// AppendChange inserts a row-level change record.
	AppendChange(ctx context.Context, c *Change) error

	// Changes returns change records for one row, newest first.
	Changes(ctx context.Context, orgID, tableName, recordID string, limit int) ([]*Change, error)
}
