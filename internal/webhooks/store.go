package webhooks

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when an endpoint, event or delivery is not found.
	ErrNotFound = errors.New("webhook record not found")
	// ErrDuplicateName is returned when an endpoint name is already used in the organization.
	ErrDuplicateName = errors.New("webhook endpoint name already exists")
	// ErrInvalidEndpoint wraps endpoint validation failures.
	ErrInvalidEndpoint = errors.New("invalid webhook endpoint")
	// ErrDuplicateDelivery is returned when an endpoint already has a delivery
	// for an event.
	ErrDuplicateDelivery = errors.New("delivery already exists for endpoint and event")
	// ErrNotRetryable is returned when a delivery is not in the retrying state,
	// usually because another worker already claimed it.
	ErrNotRetryable = errors.New("delivery is not awaiting retry")
	// ErrAlreadyClaimed is returned when another worker already started the
	// current attempt of a delivery.
	ErrAlreadyClaimed = errors.New("delivery attempt already claimed")
)

// Store persists endpoints, outbound events and deliveries.
// Both MemoryStore and PostgresStore implement this interface.
type Store interface {
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	GetEndpoint(ctx context.Context, orgID string, id uuid.UUID) (*Endpoint, error)
	ListEndpoints(ctx context.Context, orgID string) ([]*Endpoint, error)
	ListActiveEndpoints(ctx context.Context, orgID string) ([]*Endpoint, error)
	UpdateEndpoint(ctx context.Context, ep *Endpoint) error
	// DeleteEndpoint removes the endpoint and cascades its deliveries.
	DeleteEndpoint(ctx context.Context, orgID string, id uuid.UUID) error

	CreateEvent(ctx context.Context, ev *Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (*Event, error)

	// CreateDeliveries inserts all deliveries or none. A second delivery for
	// the same endpoint and event returns ErrDuplicateDelivery.
	CreateDeliveries(ctx context.Context, ds []*Delivery) error
	GetDelivery(ctx context.Context, id uuid.UUID) (*Delivery, error)
	ListDeliveries(ctx context.Context, orgID string, endpointID uuid.UUID, limit int) ([]*Delivery, error)

	// MarkStarted sets started_at on a pending delivery whose current attempt
	// has not started. It returns false when the attempt was already claimed.
	MarkStarted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	// RecordOutcome writes the result of the attempt that started at
	// startedAt. It returns ErrNotFound when the delivery is no longer pending
	// or its current attempt started at a different time.
	RecordOutcome(ctx context.Context, id uuid.UUID, startedAt time.Time, o Outcome) error

	// ClaimRetry flips a retrying delivery back to pending, increments its
	// attempt number and clears next_retry_at and started_at, all in one
	// conditional update. It returns false when the delivery was not retrying.
	ClaimRetry(ctx context.Context, id uuid.UUID) (bool, error)

	// ListDueRetries returns retrying deliveries whose next_retry_at <= now.
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)

	// ListStalled returns pending deliveries whose attempt started before the cutoff.
	ListStalled(ctx context.Context, startedBefore time.Time, limit int) ([]*Delivery, error)

	// ListUndispatched returns pending deliveries never started and created before the cutoff.
	ListUndispatched(ctx context.Context, createdBefore time.Time, limit int) ([]*Delivery, error)

	// DeliveryStats counts deliveries by status. Nil bounds are open.
	DeliveryStats(ctx context.Context, orgID string, start, end *time.Time) (DeliveryStats, error)
}
