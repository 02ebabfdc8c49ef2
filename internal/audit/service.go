package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// publishTimeout bounds the fan-out step so a slow publisher cannot hold the
// recording caller.
const publishTimeout = 5 * time.Second

// Publication is the copy of a recorded event handed to a Publisher.
type Publication struct {
	OrganizationID string
	EventType      string
	EventVersion   string
	AggregateID    string
	AggregateType  string
	Payload        map[string]any
	Metadata       map[string]any
	OccurredAt     time.Time
}

// Publisher fans recorded events out to external subscribers.
type Publisher interface {
	Publish(ctx context.Context, p Publication) error
}

// RecordedFunc is an optional callback invoked after each successful append.
type RecordedFunc func(eventType string)

// Service records and queries audit events.
type Service struct {
	store      Store
	publisher  Publisher
	strict     bool
	onRecorded RecordedFunc
	now        func() time.Time
	logger     *zap.Logger
}

// NewService creates a new audit Service.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// SetPublisher configures the webhook fan-out target.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

// SetStrict controls what happens when the store rejects an event. In strict
// mode the error is returned to the caller; otherwise it is logged and
// RecordEvent returns uuid.Nil with a nil error so business operations carry on.
func (s *Service) SetStrict(strict bool) {
	s.strict = strict
}

// SetRecordedFunc configures the metrics callback.
func (s *Service) SetRecordedFunc(fn RecordedFunc) {
	s.onRecorded = fn
}

// RecordEvent appends one immutable event and returns its ID. Webhook fan-out
// errors are logged and never returned.
func (s *Service) RecordEvent(ctx context.Context, actx Context, in EventInput) (uuid.UUID, error) {
	if actx.OrganizationID == "" || in.EventType == "" || in.AggregateID == "" || in.AggregateType == "" {
		return uuid.Nil, fmt.Errorf("%w: organization, event type and aggregate are required", ErrInvalidEvent)
	}

	e, err := s.buildEvent(actx, in)
	if err != nil {
		return uuid.Nil, err
	}

	if err := s.store.Append(ctx, e); err != nil {
		if s.strict {
			return uuid.Nil, fmt.Errorf("record audit event: %w", err)
		}
		s.logger.Error("audit: record event",
			zap.String("organization_id", actx.OrganizationID),
			zap.String("event_type", in.EventType),
			zap.Error(err),
		)
		return uuid.Nil, nil
	}

	if s.onRecorded != nil {
		s.onRecorded(e.EventType)
	}

	s.publish(ctx, actx, e, in)
	return e.EventID, nil
}

func (s *Service) buildEvent(actx Context, in EventInput) (*Event, error) {
	data, err := marshalObject(in.EventData)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	meta, err := marshalObject(in.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	e := &Event{
		EventID:          uuid.New(),
		OrganizationID:   actx.OrganizationID,
		EventType:        in.EventType,
		EventVersion:     in.EventVersion,
		AggregateID:      in.AggregateID,
		AggregateType:    in.AggregateType,
		AggregateVersion: in.AggregateVersion,
		EventData:        data,
		Metadata:         meta,
		ActorID:          actx.ActorID,
		ActorType:        actx.ActorType,
		SessionID:        actx.SessionID,
		IPAddress:        normalizeIP(actx.IPAddress),
		UserAgent:        actx.UserAgent,
		OccurredAt:       s.now(),
		CorrelationID:    actx.CorrelationID,
		CausationID:      actx.CausationID,
	}
	if e.EventVersion == "" {
		e.EventVersion = DefaultEventVersion
	}
	if e.AggregateVersion == 0 {
		e.AggregateVersion = DefaultAggregateVersion
	}
	if !e.ActorType.Valid() {
		e.ActorType = ActorUser
	}
	return e, nil
}

// normalizeIP returns the canonical form of addr, which may carry a port.
// Anything that is not an IP address becomes empty.
func normalizeIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return ""
	}
	return ip.String()
}

// publish hands the event to the publisher. It runs detached from the
// caller's cancellation and swallows every failure.
func (s *Service) publish(ctx context.Context, actx Context, e *Event, in EventInput) {
	if s.publisher == nil {
		return
	}

	payload := map[string]any{
		"event_id":   e.EventID.String(),
		"event_type": e.EventType,
		"actor_id":   e.ActorID,
		"actor_type": string(e.ActorType),
	}
	for k, v := range in.EventData {
		payload[k] = v
	}
	metadata := map[string]any{
		"correlation_id": actx.CorrelationID,
		"session_id":     actx.SessionID,
		"ip_address":     e.IPAddress,
	}
	for k, v := range in.Metadata {
		metadata[k] = v
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("audit: publisher panic", zap.Any("panic", r), zap.String("event_id", e.EventID.String()))
		}
	}()

	err := s.publisher.Publish(pubCtx, Publication{
		OrganizationID: e.OrganizationID,
		EventType:      "audit." + e.EventType,
		EventVersion:   e.EventVersion,
		AggregateID:    e.AggregateID,
		AggregateType:  e.AggregateType,
		Payload:        payload,
		Metadata:       metadata,
		OccurredAt:     e.OccurredAt,
	})
	if err != nil {
		s.logger.Warn("audit: webhook fan-out failed",
			zap.String("event_id", e.EventID.String()),
			zap.String("event_type", e.EventType),
			zap.Error(err),
		)
	}
}

// RecordUserAction records a high-level business action as user.<action>.
func (s *Service) RecordUserAction(ctx context.Context, actx Context, action, resourceType, resourceID string, details map[string]any) (uuid.UUID, error) {
	actx.ActorType = ActorUser
	return s.RecordEvent(ctx, actx, EventInput{
		EventType:     "user." + action,
		AggregateID:   resourceID,
		AggregateType: resourceType,
		EventData: map[string]any{
			"action":        action,
			"resource_type": resourceType,
			"resource_id":   resourceID,
			"details":       details,
		},
		Metadata: map[string]any{"audit_type": "user_action"},
	})
}

// RecordSystemEvent records an event raised by the platform itself as system.<type>.
func (s *Service) RecordSystemEvent(ctx context.Context, orgID, eventType string, data, metadata map[string]any) (uuid.UUID, error) {
	meta := map[string]any{"audit_type": "system_event"}
	for k, v := range metadata {
		meta[k] = v
	}
	actx := NewContext(orgID, "", WithActorType(ActorSystem))
	return s.RecordEvent(ctx, actx, EventInput{
		EventType:     "system." + eventType,
		AggregateID:   "system",
		AggregateType: "system",
		EventData:     data,
		Metadata:      meta,
	})
}

// ChangeInput describes a row-level change for RecordChange.
type ChangeInput struct {
	TableName string
	RecordID  string
	Action    ChangeAction
	OldValues map[string]any
	NewValues map[string]any
}

// RecordChange stores a row-level change in the change log and also records
// it as a <table>.<action> event.
func (s *Service) RecordChange(ctx context.Context, actx Context, in ChangeInput) error {
	changed := ChangedFields(in.OldValues, in.NewValues)

	oldJSON, err := marshalOptional(in.OldValues)
	if err != nil {
		return fmt.Errorf("marshal old values: %w", err)
	}
	newJSON, err := marshalOptional(in.NewValues)
	if err != nil {
		return fmt.Errorf("marshal new values: %w", err)
	}

	c := &Change{
		ID:             uuid.New(),
		OrganizationID: actx.OrganizationID,
		TableName:      in.TableName,
		RecordID:       in.RecordID,
		Action:         in.Action,
		OldValues:      oldJSON,
		NewValues:      newJSON,
		ChangedFields:  changed,
		UserID:         actx.ActorID,
		SessionID:      actx.SessionID,
		IPAddress:      normalizeIP(actx.IPAddress),
		UserAgent:      actx.UserAgent,
		PerformedAt:    s.now(),
	}
	if err := s.store.AppendChange(ctx, c); err != nil {
		return fmt.Errorf("record change: %w", err)
	}

	_, err = s.RecordEvent(ctx, actx, EventInput{
		EventType:     in.TableName + "." + strings.ToLower(string(in.Action)),
		AggregateID:   in.RecordID,
		AggregateType: in.TableName,
		EventData: map[string]any{
			"action":         string(in.Action),
			"old_values":     in.OldValues,
			"new_values":     in.NewValues,
			"changed_fields": changed,
		},
		Metadata: map[string]any{"audit_type": "table_change"},
	})
	return err
}

// ChangedFields returns the sorted keys whose values differ between
// oldValues and newValues. A missing side counts every key of the other.
func ChangedFields(oldValues, newValues map[string]any) []string {
	keys := map[string]struct{}{}
	for k := range oldValues {
		keys[k] = struct{}{}
	}
	for k := range newValues {
		keys[k] = struct{}{}
	}

	changed := []string{}
	for k := range keys {
		ov, inOld := oldValues[k]
		nv, inNew := newValues[k]
		if inOld != inNew || !reflect.DeepEqual(ov, nv) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// CreateSnapshot stores the state of an aggregate at a version.
func (s *Service) CreateSnapshot(ctx context.Context, orgID, aggregateID, aggregateType string, version int, data map[string]any) (*Snapshot, error) {
	raw, err := marshalObject(data)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	snap := &Snapshot{
		ID:               uuid.New(),
		OrganizationID:   orgID,
		AggregateID:      aggregateID,
		AggregateType:    aggregateType,
		AggregateVersion: version,
		Data:             raw,
		CreatedAt:        s.now(),
	}
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// LatestSnapshot returns the newest snapshot of an aggregate.
func (s *Service) LatestSnapshot(ctx context.Context, orgID, aggregateID string) (*Snapshot, error) {
	return s.store.LatestSnapshot(ctx, orgID, aggregateID)
}

// GetAuditTrail returns the events of one resource, newest first.
func (s *Service) GetAuditTrail(ctx context.Context, orgID, aggregateID string, q Query) ([]*Event, error) {
	q.ActorID = ""
	q.AggregateTypes = nil
	return s.store.Trail(ctx, orgID, aggregateID, q)
}

// GetOrganizationAuditEvents returns organization-wide events, newest first.
func (s *Service) GetOrganizationAuditEvents(ctx context.Context, orgID string, q Query) ([]*Event, error) {
	return s.store.List(ctx, orgID, q)
}

// GetAuditStats counts events in [start, end] by type and actor type.
func (s *Service) GetAuditStats(ctx context.Context, orgID string, start, end time.Time) (*Stats, error) {
	return s.store.Stats(ctx, orgID, start, end)
}

// ChangeHistory returns change-log records for one row.
func (s *Service) ChangeHistory(ctx context.Context, orgID, tableName, recordID string, limit int) ([]*Change, error) {
	return s.store.Changes(ctx, orgID, tableName, recordID, limit)
}

func marshalObject(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(m)
}

func marshalOptional(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
