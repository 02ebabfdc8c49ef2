package audit

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ActorType identifies who performed an audited action.
type ActorType string

const (
	ActorUser    ActorType = "user"
	ActorSystem  ActorType = "system"
	ActorAPIKey  ActorType = "api_key"
	ActorWebhook ActorType = "webhook"
)

// Valid reports whether t is one of the known actor types.
func (t ActorType) Valid() bool {
	switch t {
	case ActorUser, ActorSystem, ActorAPIKey, ActorWebhook:
		return true
	}
	return false
}

const (
	DefaultEventVersion     = "1.0"
	DefaultAggregateVersion = 1
)

var (
	// ErrNotFound is returned when a snapshot or event does not exist.
	ErrNotFound = errors.New("audit record not found")
	// ErrSnapshotExists is returned when a snapshot for the same aggregate version was already saved.
	ErrSnapshotExists = errors.New("snapshot already exists for aggregate version")
	// ErrInvalidEvent is returned when required event fields are missing.
	ErrInvalidEvent = errors.New("invalid audit event")
)

// Event is a single immutable audit record.
type Event struct {
	EventID          uuid.UUID       `json:"event_id"`
	OrganizationID   string          `json:"organization_id"`
	EventType        string          `json:"event_type"`
	EventVersion     string          `json:"event_version"`
	AggregateID      string          `json:"aggregate_id"`
	AggregateType    string          `json:"aggregate_type"`
	AggregateVersion int             `json:"aggregate_version"`
	EventData        json.RawMessage `json:"event_data"`
	Metadata         json.RawMessage `json:"metadata"`
	ActorID          string          `json:"actor_id,omitempty"`
	ActorType        ActorType       `json:"actor_type"`
	SessionID        string          `json:"session_id,omitempty"`
	IPAddress        string          `json:"ip_address,omitempty"`
	UserAgent        string          `json:"user_agent,omitempty"`
	OccurredAt       time.Time       `json:"occurred_at"`
	CorrelationID    string          `json:"correlation_id,omitempty"`
	CausationID      string          `json:"causation_id,omitempty"`
}

// EventInput is what a collaborator supplies when recording an event.
// EventData and Metadata are schema-less.
type EventInput struct {
	EventType        string
	EventVersion     string
	AggregateID      string
	AggregateType    string
	AggregateVersion int
	EventData        map[string]any
	Metadata         map[string]any
}

// Snapshot captures the full state of an aggregate at a given version.
type Snapshot struct {
	ID               uuid.UUID       `json:"id"`
	OrganizationID   string          `json:"organization_id"`
	AggregateID      string          `json:"aggregate_id"`
	AggregateType    string          `json:"aggregate_type"`
	AggregateVersion int             `json:"aggregate_version"`
	Data             json.RawMessage `json:"snapshot_data"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ChangeAction is the kind of row-level change recorded in the change log.
type ChangeAction string

const (
	ChangeInsert ChangeAction = "INSERT"
	ChangeUpdate ChangeAction = "UPDATE"
	ChangeDelete ChangeAction = "DELETE"
)

// Change is a row-level change record with old and new values.
type Change struct {
	ID             uuid.UUID       `json:"id"`
	OrganizationID string          `json:"organization_id"`
	TableName      string          `json:"table_name"`
	RecordID       string          `json:"record_id"`
	Action         ChangeAction    `json:"action"`
	OldValues      json.RawMessage `json:"old_values,omitempty"`
	NewValues      json.RawMessage `json:"new_values,omitempty"`
	ChangedFields  []string        `json:"changed_fields"`
	UserID         string          `json:"user_id,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	IPAddress      string          `json:"ip_address,omitempty"`
	UserAgent      string          `json:"user_agent,omitempty"`
	PerformedAt    time.Time       `json:"performed_at"`
}
