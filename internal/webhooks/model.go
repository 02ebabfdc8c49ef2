package webhooks

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Wildcard subscribes an endpoint to every event type.
const Wildcard = "*"

// Delivery statuses. success and failed are terminal.
const (
	StatusPending  = "pending"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusRetrying = "retrying"
)

// Retry policy bounds and defaults.
const (
	DefaultMaxAttempts   = 3
	DefaultBackoffFactor = 2
	MaxRetryAttempts     = 10
	MaxBackoffFactor     = 10
)

// RetryPolicy controls how often and how quickly failed deliveries are retried.
type RetryPolicy struct {
	MaxAttempts   int `json:"maxAttempts"`
	BackoffFactor int `json:"backoffFactor"`
}

// DefaultRetryPolicy returns the policy applied when none is supplied.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts, BackoffFactor: DefaultBackoffFactor}
}

// Endpoint is an externally registered HTTP receiver.
type Endpoint struct {
	ID             uuid.UUID         `json:"id"`
	OrganizationID string            `json:"organization_id"`
	Name           string            `json:"name"`
	URL            string            `json:"url"`
	Secret         string            `json:"-"` // never returned in API responses
	EventTypes     []string          `json:"event_types"`
	IsActive       bool              `json:"is_active"`
	RetryPolicy    RetryPolicy       `json:"retry_policy"`
	CustomHeaders  map[string]string `json:"custom_headers"`
	CreatedBy      string            `json:"created_by,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Event is the outbound record that deliveries point at.
type Event struct {
	ID             uuid.UUID       `json:"id"`
	OrganizationID string          `json:"organization_id"`
	EventType      string          `json:"event_type"`
	EventVersion   string          `json:"event_version"`
	AggregateID    string          `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	Payload        json.RawMessage `json:"payload"`
	Metadata       json.RawMessage `json:"metadata"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// Delivery tracks the attempt series of one event to one endpoint.
type Delivery struct {
	ID              uuid.UUID         `json:"id"`
	EndpointID      uuid.UUID         `json:"webhook_endpoint_id"`
	EventID         uuid.UUID         `json:"webhook_event_id"`
	OrganizationID  string            `json:"organization_id"`
	AttemptNumber   int               `json:"attempt_number"`
	Status          string            `json:"status"`
	HTTPStatusCode  *int              `json:"http_status_code,omitempty"`
	ResponseBody    *string           `json:"response_body,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ErrorMessage    *string           `json:"error_message,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	NextRetryAt     *time.Time        `json:"next_retry_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Outcome is the result of one delivery attempt as written back to the store.
type Outcome struct {
	Status          string
	HTTPStatusCode  *int
	ResponseBody    *string
	ResponseHeaders map[string]string
	ErrorMessage    *string
	CompletedAt     *time.Time
	NextRetryAt     *time.Time
}

// EventInput is what CreateEvent callers supply.
type EventInput struct {
	OrganizationID string
	EventType      string
	EventVersion   string
	AggregateID    string
	AggregateType  string
	Payload        map[string]any
	Metadata       map[string]any
	OccurredAt     time.Time
}

// CreateEndpointRequest is the payload for registering an endpoint.
type CreateEndpointRequest struct {
	Name          string            `json:"name"           binding:"required"`
	URL           string            `json:"url"            binding:"required"`
	EventTypes    []string          `json:"event_types"    binding:"required"`
	CustomHeaders map[string]string `json:"custom_headers"`
	RetryPolicy   *RetryPolicy      `json:"retry_policy"`
}

// UpdateEndpointRequest is a partial update; nil fields are left unchanged.
type UpdateEndpointRequest struct {
	Name          *string            `json:"name"`
	URL           *string            `json:"url"`
	EventTypes    []string           `json:"event_types"`
	CustomHeaders *map[string]string `json:"custom_headers"`
	RetryPolicy   *RetryPolicy       `json:"retry_policy"`
	IsActive      *bool              `json:"is_active"`
}

// DeliveryStats maps delivery status to count.
type DeliveryStats map[string]int

// Total returns the number of deliveries counted.
func (s DeliveryStats) Total() int {
	n := 0
	for _, c := range s {
		n += c
	}
	return n
}

// SuccessRate returns the percentage of successful deliveries, or 0 when empty.
func (s DeliveryStats) SuccessRate() float64 {
	total := s.Total()
	if total == 0 {
		return 0
	}
	return float64(s[StatusSuccess]) / float64(total) * 100
}
