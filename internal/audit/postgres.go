package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const eventColumns = `event_id, organization_id, event_type, event_version, aggregate_id, aggregate_type,
	aggregate_version, event_data, metadata, COALESCE(actor_id, ''), actor_type, COALESCE(session_id, ''),
	COALESCE(host(ip_address), ''), COALESCE(user_agent, ''), occurred_at,
	COALESCE(correlation_id, ''), COALESCE(causation_id, '')`

// PostgresStore persists audit data to PostgreSQL. It implements Store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, e *Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (event_id, organization_id, event_type, event_version, aggregate_id,
		   aggregate_type, aggregate_version, event_data, metadata, actor_id, actor_type, session_id,
		   ip_address, user_agent, occurred_at, correlation_id, causation_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, NULLIF($12, ''),
		   NULLIF($13, '')::inet, NULLIF($14, ''), $15, NULLIF($16, ''), NULLIF($17, ''))`,
		e.EventID, e.OrganizationID, e.EventType, e.EventVersion, e.AggregateID,
		e.AggregateType, e.AggregateVersion, []byte(e.EventData), []byte(e.Metadata),
		e.ActorID, string(e.ActorType), e.SessionID,
		e.IPAddress, e.UserAgent, e.OccurredAt, e.CorrelationID, e.CausationID,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	s.logger.Debug("audit event appended",
		zap.String("event_id", e.EventID.String()),
		zap.String("event_type", e.EventType),
	)
	return nil
}

// Trail implements Store.
func (s *PostgresStore) Trail(ctx context.Context, orgID, aggregateID string, q Query) ([]*Event, error) {
	where := []string{"organization_id = $1", "aggregate_id = $2"}
	return s.query(ctx, where, []any{orgID, aggregateID}, q)
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, orgID string, q Query) ([]*Event, error) {
	return s.query(ctx, []string{"organization_id = $1"}, []any{orgID}, q)
}

func (s *PostgresStore) query(ctx context.Context, where []string, args []any, q Query) ([]*Event, error) {
	q = q.normalized()

	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if !q.Start.IsZero() {
		add("occurred_at >= $%d", q.Start)
	}
	if !q.End.IsZero() {
		add("occurred_at <= $%d", q.End)
	}
	if q.ActorID != "" {
		add("actor_id = $%d", q.ActorID)
	}
	if len(q.EventTypes) > 0 {
		add("event_type = ANY($%d)", q.EventTypes)
	}
	if len(q.AggregateTypes) > 0 {
		add("aggregate_type = ANY($%d)", q.AggregateTypes)
	}

	args = append(args, q.Limit, q.Offset)
	sql := fmt.Sprintf(`SELECT %s FROM audit_events WHERE %s
		ORDER BY occurred_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		eventColumns, strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row) (*Event, error) {
	var (
		e         Event
		data      []byte
		meta      []byte
		actorType string
	)
	if err := row.Scan(
		&e.EventID, &e.OrganizationID, &e.EventType, &e.EventVersion, &e.AggregateID, &e.AggregateType,
		&e.AggregateVersion, &data, &meta, &e.ActorID, &actorType, &e.SessionID,
		&e.IPAddress, &e.UserAgent, &e.OccurredAt, &e.CorrelationID, &e.CausationID,
	); err != nil {
		return nil, fmt.Errorf("scan audit event: %w", err)
	}
	e.EventData = data
	e.Metadata = meta
	e.ActorType = ActorType(actorType)
	return &e, nil
}

// Stats implements Store.
func (s *PostgresStore) Stats(ctx context.Context, orgID string, start, end time.Time) (*Stats, error) {
	stats := &Stats{EventTypes: map[string]int{}, ActorTypes: map[string]int{}}

	groups := []struct {
		column string
		into   map[string]int
	}{
		{"event_type", stats.EventTypes},
		{"actor_type", stats.ActorTypes},
	}
	for _, g := range groups {
		rows, err := s.pool.Query(ctx, fmt.Sprintf(
			`SELECT %[1]s, COUNT(*) FROM audit_events
			 WHERE organization_id = $1 AND occurred_at >= $2 AND occurred_at <= $3
			 GROUP BY %[1]s`, g.column),
			orgID, start, end,
		)
		if err != nil {
			return nil, fmt.Errorf("audit stats by %s: %w", g.column, err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan audit stats: %w", err)
			}
			g.into[key] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("audit stats by %s: %w", g.column, err)
		}
	}
	return stats, nil
}

// SaveSnapshot implements Store.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_snapshots (id, organization_id, aggregate_id, aggregate_type, aggregate_version, snapshot_data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snap.ID, snap.OrganizationID, snap.AggregateID, snap.AggregateType,
		snap.AggregateVersion, []byte(snap.Data), snap.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrSnapshotExists
	}
	if err != nil {
		return fmt.Errorf("insert audit snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot implements Store.
func (s *PostgresStore) LatestSnapshot(ctx context.Context, orgID, aggregateID string) (*Snapshot, error) {
	var (
		snap Snapshot
		data []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, organization_id, aggregate_id, aggregate_type, aggregate_version, snapshot_data, created_at
		 FROM audit_snapshots WHERE organization_id = $1 AND aggregate_id = $2
		 ORDER BY aggregate_version DESC LIMIT 1`,
		orgID, aggregateID,
	).Scan(&snap.ID, &snap.OrganizationID, &snap.AggregateID, &snap.AggregateType,
		&snap.AggregateVersion, &data, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit snapshot: %w", err)
	}
	snap.Data = data
	return &snap, nil
}

// AppendChange implements Store.
func (s *PostgresStore) AppendChange(ctx context.Context, c *Change) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, organization_id, table_name, record_id, action, old_values, new_values,
		   changed_fields, user_id, session_id, ip_address, user_agent, performed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, '')::inet,
		   NULLIF($12, ''), $13)`,
		c.ID, c.OrganizationID, c.TableName, c.RecordID, string(c.Action),
		nullJSON(c.OldValues), nullJSON(c.NewValues), c.ChangedFields,
		c.UserID, c.SessionID, c.IPAddress, c.UserAgent, c.PerformedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// Changes implements Store.
func (s *PostgresStore) Changes(ctx context.Context, orgID, tableName, recordID string, limit int) ([]*Change, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, organization_id, table_name, record_id, action, old_values, new_values, changed_fields,
		   COALESCE(user_id, ''), COALESCE(session_id, ''), COALESCE(host(ip_address), ''),
		   COALESCE(user_agent, ''), performed_at
		 FROM audit_logs WHERE organization_id = $1 AND table_name = $2 AND record_id = $3
		 ORDER BY performed_at DESC LIMIT $4`,
		orgID, tableName, recordID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var out []*Change
	for rows.Next() {
		var (
			c        Change
			action   string
			oldVals, newVals []byte
		)
		if err := rows.Scan(&c.ID, &c.OrganizationID, &c.TableName, &c.RecordID, &action, &oldVals, &newVals,
			&c.ChangedFields, &c.UserID, &c.SessionID, &c.IPAddress, &c.UserAgent, &c.PerformedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		c.Action = ChangeAction(action)
		c.OldValues = oldVals
		c.NewValues = newVals
		out = append(out, &c)
	}
	return out, rows.Err()
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
