package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const endpointColumns = `id, organization_id, name, url, secret_token, event_types, is_active,
	retry_policy, custom_headers, COALESCE(created_by, ''), created_at, updated_at`

const deliveryColumns = `id, webhook_endpoint_id, webhook_event_id, organization_id, attempt_number, status,
	http_status_code, response_body, response_headers, error_message, started_at, completed_at,
	next_retry_at, created_at`

// PostgresStore provides persistence for endpoints, events and deliveries.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateEndpoint inserts a new endpoint.
func (r *PostgresStore) CreateEndpoint(ctx context.Context, ep *Endpoint) error {
	policy, headers, err := marshalEndpointJSON(ep)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO webhook_endpoints (id, organization_id, name, url, secret_token, event_types, is_active,
		   retry_policy, custom_headers, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12)`,
		ep.ID, ep.OrganizationID, ep.Name, ep.URL, ep.Secret, ep.EventTypes, ep.IsActive,
		policy, headers, ep.CreatedBy, ep.CreatedAt, ep.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateName
	}
	if err != nil {
		return fmt.Errorf("insert webhook endpoint: %w", err)
	}
	return nil
}

func marshalEndpointJSON(ep *Endpoint) ([]byte, []byte, error) {
	policy, err := json.Marshal(ep.RetryPolicy)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal retry policy: %w", err)
	}
	headers := ep.CustomHeaders
	if headers == nil {
		headers = map[string]string{}
	}
	h, err := json.Marshal(headers)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal custom headers: %w", err)
	}
	return policy, h, nil
}

func scanEndpoint(row pgx.Row) (*Endpoint, error) {
	var (
		ep      Endpoint
		policy  []byte
		headers []byte
	)
	if err := row.Scan(&ep.ID, &ep.OrganizationID, &ep.Name, &ep.URL, &ep.Secret, &ep.EventTypes,
		&ep.IsActive, &policy, &headers, &ep.CreatedBy, &ep.CreatedAt, &ep.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan webhook endpoint: %w", err)
	}
	ep.RetryPolicy = DefaultRetryPolicy()
	if len(policy) > 0 {
		if err := json.Unmarshal(policy, &ep.RetryPolicy); err != nil {
			return nil, fmt.Errorf("decode retry policy: %w", err)
		}
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &ep.CustomHeaders); err != nil {
			return nil, fmt.Errorf("decode custom headers: %w", err)
		}
	}
	return &ep, nil
}

// GetEndpoint retrieves an endpoint by ID within an organization.
func (r *PostgresStore) GetEndpoint(ctx context.Context, orgID string, id uuid.UUID) (*Endpoint, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = $1 AND organization_id = $2`,
		id, orgID,
	)
	return scanEndpoint(row)
}

// ListEndpoints returns all endpoints of an organization.
func (r *PostgresStore) ListEndpoints(ctx context.Context, orgID string) ([]*Endpoint, error) {
	return r.listEndpoints(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE organization_id = $1 ORDER BY created_at DESC`,
		orgID)
}

// ListActiveEndpoints returns the active endpoints of an organization.
func (r *PostgresStore) ListActiveEndpoints(ctx context.Context, orgID string) ([]*Endpoint, error) {
	return r.listEndpoints(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints
		 WHERE organization_id = $1 AND is_active = true ORDER BY created_at`,
		orgID)
}

func (r *PostgresStore) listEndpoints(ctx context.Context, query string, args ...any) ([]*Endpoint, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query webhook endpoints: %w", err)
	}
	defer rows.Close()

	var eps []*Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

// UpdateEndpoint overwrites the mutable fields of an endpoint.
func (r *PostgresStore) UpdateEndpoint(ctx context.Context, ep *Endpoint) error {
	policy, headers, err := marshalEndpointJSON(ep)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_endpoints
		 SET name = $3, url = $4, secret_token = $5, event_types = $6, is_active = $7,
		     retry_policy = $8, custom_headers = $9, updated_at = $10
		 WHERE id = $1 AND organization_id = $2`,
		ep.ID, ep.OrganizationID, ep.Name, ep.URL, ep.Secret, ep.EventTypes, ep.IsActive,
		policy, headers, ep.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateName
	}
	if err != nil {
		return fmt.Errorf("update webhook endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEndpoint removes an endpoint; its deliveries cascade.
func (r *PostgresStore) DeleteEndpoint(ctx context.Context, orgID string, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM webhook_endpoints WHERE id = $1 AND organization_id = $2`, id, orgID)
	if err != nil {
		return fmt.Errorf("delete webhook endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateEvent inserts an outbound event.
func (r *PostgresStore) CreateEvent(ctx context.Context, ev *Event) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO webhook_events (id, organization_id, event_type, event_version, aggregate_id,
		   aggregate_type, payload, metadata, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.OrganizationID, ev.EventType, ev.EventVersion, ev.AggregateID,
		ev.AggregateType, []byte(ev.Payload), []byte(ev.Metadata), ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

// GetEvent retrieves an outbound event by ID.
func (r *PostgresStore) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	var (
		ev            Event
		payload, meta []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, organization_id, event_type, event_version, aggregate_id, aggregate_type,
		   payload, metadata, occurred_at
		 FROM webhook_events WHERE id = $1`, id,
	).Scan(&ev.ID, &ev.OrganizationID, &ev.EventType, &ev.EventVersion, &ev.AggregateID,
		&ev.AggregateType, &payload, &meta, &ev.OccurredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	ev.Payload = payload
	ev.Metadata = meta
	return &ev, nil
}

// CreateDeliveries inserts the initial delivery rows for an event in one batch.
func (r *PostgresStore) CreateDeliveries(ctx context.Context, ds []*Delivery) error {
	if len(ds) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, d := range ds {
		batch.Queue(
			`INSERT INTO webhook_deliveries (id, webhook_endpoint_id, webhook_event_id, organization_id,
			   attempt_number, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			d.ID, d.EndpointID, d.EventID, d.OrganizationID, d.AttemptNumber, d.Status, d.CreatedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateDelivery
		}
		return fmt.Errorf("insert webhook deliveries: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit deliveries tx: %w", err)
	}
	return nil
}

func scanDelivery(row pgx.Row) (*Delivery, error) {
	var (
		d       Delivery
		headers []byte
	)
	if err := row.Scan(&d.ID, &d.EndpointID, &d.EventID, &d.OrganizationID, &d.AttemptNumber, &d.Status,
		&d.HTTPStatusCode, &d.ResponseBody, &headers, &d.ErrorMessage, &d.StartedAt, &d.CompletedAt,
		&d.NextRetryAt, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan webhook delivery: %w", err)
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &d.ResponseHeaders); err != nil {
			return nil, fmt.Errorf("decode response headers: %w", err)
		}
	}
	return &d, nil
}

// GetDelivery retrieves a delivery by ID.
func (r *PostgresStore) GetDelivery(ctx context.Context, id uuid.UUID) (*Delivery, error) {
	row := r.db.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	return scanDelivery(row)
}

func (r *PostgresStore) listDeliveries(ctx context.Context, query string, args ...any) ([]*Delivery, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query webhook deliveries: %w", err)
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListDeliveries returns the most recent deliveries of one endpoint.
func (r *PostgresStore) ListDeliveries(ctx context.Context, orgID string, endpointID uuid.UUID, limit int) ([]*Delivery, error) {
	return r.listDeliveries(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		 WHERE organization_id = $1 AND webhook_endpoint_id = $2
		 ORDER BY created_at DESC LIMIT $3`,
		orgID, endpointID, limit)
}

// MarkStarted claims the current attempt of a pending delivery.
func (r *PostgresStore) MarkStarted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_deliveries SET started_at = $2
		 WHERE id = $1 AND status = 'pending' AND started_at IS NULL`, id, at)
	if err != nil {
		return false, fmt.Errorf("mark delivery started: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordOutcome writes the result of the attempt that started at startedAt.
func (r *PostgresStore) RecordOutcome(ctx context.Context, id uuid.UUID, startedAt time.Time, o Outcome) error {
	var headers []byte
	if o.ResponseHeaders != nil {
		var err error
		if headers, err = json.Marshal(o.ResponseHeaders); err != nil {
			return fmt.Errorf("marshal response headers: %w", err)
		}
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_deliveries
		 SET status = $2, http_status_code = $3, response_body = $4, response_headers = $5,
		     error_message = $6, completed_at = $7, next_retry_at = $8
		 WHERE id = $1 AND status = 'pending' AND started_at = $9`,
		id, o.Status, o.HTTPStatusCode, o.ResponseBody, headers, o.ErrorMessage, o.CompletedAt, o.NextRetryAt, startedAt,
	)
	if err != nil {
		return fmt.Errorf("record delivery outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimRetry moves a retrying delivery back to pending with a compare-and-swap on status.
func (r *PostgresStore) ClaimRetry(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_deliveries
		 SET status = 'pending', attempt_number = attempt_number + 1, next_retry_at = NULL, started_at = NULL
		 WHERE id = $1 AND status = 'retrying'`, id)
	if err != nil {
		return false, fmt.Errorf("claim delivery retry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListDueRetries returns retrying deliveries due at or before now.
func (r *PostgresStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	return r.listDeliveries(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		 WHERE status = 'retrying' AND next_retry_at <= $1
		 ORDER BY next_retry_at LIMIT $2`,
		now, limit)
}

// ListStalled returns pending deliveries whose attempt started before the cutoff.
func (r *PostgresStore) ListStalled(ctx context.Context, startedBefore time.Time, limit int) ([]*Delivery, error) {
	return r.listDeliveries(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		 WHERE status = 'pending' AND started_at < $1
		 ORDER BY started_at LIMIT $2`,
		startedBefore, limit)
}

// ListUndispatched returns pending deliveries that no worker has started.
func (r *PostgresStore) ListUndispatched(ctx context.Context, createdBefore time.Time, limit int) ([]*Delivery, error) {
	return r.listDeliveries(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		 WHERE status = 'pending' AND started_at IS NULL AND created_at < $1
		 ORDER BY created_at LIMIT $2`,
		createdBefore, limit)
}

// DeliveryStats counts deliveries by status.
func (r *PostgresStore) DeliveryStats(ctx context.Context, orgID string, start, end *time.Time) (DeliveryStats, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*) FROM webhook_deliveries
		 WHERE organization_id = $1
		   AND ($2::timestamptz IS NULL OR created_at >= $2)
		   AND ($3::timestamptz IS NULL OR created_at <= $3)
		 GROUP BY status`,
		orgID, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("delivery stats: %w", err)
	}
	defer rows.Close()

	stats := DeliveryStats{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan delivery stats: %w", err)
		}
		stats[status] = n
	}
	return stats, rows.Err()
}
