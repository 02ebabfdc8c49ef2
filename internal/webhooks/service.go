package webhooks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmerrifield20/auditrelay/internal/audit"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	maxNameLength = 255
	// outcomeWriteTimeout bounds the write-back after an attempt, which runs
	// detached from the caller so shutdown cannot strand a started delivery.
	outcomeWriteTimeout = 5 * time.Second
)

// MetricsRecorder is an optional callback for recording delivery outcomes.
// status is the delivery status after the attempt.
type MetricsRecorder func(status string)

// Dispatcher hands delivery IDs to the worker pool. queue.Queue satisfies it.
type Dispatcher interface {
	Enqueue(ctx context.Context, msg string) error
}

// Service manages webhook endpoints and drives deliveries through
// pending, retrying, success and failed.
type Service struct {
	store      Store
	dispatcher Dispatcher
	httpClient *http.Client
	cache      *endpointCache
	policy     SuccessPolicy
	timeout    time.Duration
	userAgent  string
	sweep      SweepConfig
	onMetrics  MetricsRecorder
	now        func() time.Time
	logger     *zap.Logger
}

// NewService creates a new webhook Service.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{
		store:      store,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		policy:     PolicyAnyResponse,
		timeout:    DefaultTimeout,
		userAgent:  DefaultUserAgent,
		sweep:      DefaultSweepConfig(),
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
}

// SetDispatcher configures where new deliveries are enqueued. Without one,
// new deliveries wait for the sweeper's undispatched scan.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// SetMetricsRecorder configures the metrics callback.
func (s *Service) SetMetricsRecorder(fn MetricsRecorder) {
	s.onMetrics = fn
}

// SetSuccessPolicy configures which HTTP responses count as delivered.
func (s *Service) SetSuccessPolicy(p SuccessPolicy) {
	s.policy = p
}

// SetTimeout sets the per-attempt timeout.
func (s *Service) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.timeout = d
	s.httpClient.Timeout = d
}

// SetHTTPClient replaces the outbound client.
func (s *Service) SetHTTPClient(c *http.Client) {
	s.httpClient = c
}

// SetEndpointCache enables the per-organization active endpoint cache.
func (s *Service) SetEndpointCache(size int, ttl time.Duration) {
	if size <= 0 || ttl <= 0 {
		s.cache = nil
		return
	}
	s.cache = newEndpointCache(size, ttl)
}

// SetSweepConfig configures batch sizes and recovery cutoffs for
// ProcessPendingRetries.
func (s *Service) SetSweepConfig(cfg SweepConfig) {
	s.sweep = cfg.withDefaults()
}

// ── Endpoint registry ────────────────────────────────────────────────────────

// CreateEndpoint validates req and registers an endpoint with a fresh secret.
// The secret is returned once; it is never serialized with the endpoint.
func (s *Service) CreateEndpoint(ctx context.Context, orgID, createdBy string, req CreateEndpointRequest) (*Endpoint, string, error) {
	if orgID == "" {
		return nil, "", fmt.Errorf("%w: organization is required", ErrInvalidEndpoint)
	}
	policy := DefaultRetryPolicy()
	if req.RetryPolicy != nil {
		policy = *req.RetryPolicy
	}

	now := s.now()
	ep := &Endpoint{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Name:           strings.TrimSpace(req.Name),
		URL:            strings.TrimSpace(req.URL),
		EventTypes:     normalizeEventTypes(req.EventTypes),
		IsActive:       true,
		RetryPolicy:    policy,
		CustomHeaders:  req.CustomHeaders,
		CreatedBy:      createdBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if ep.CustomHeaders == nil {
		ep.CustomHeaders = map[string]string{}
	}
	if err := validateEndpoint(ep); err != nil {
		return nil, "", err
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, "", fmt.Errorf("generate secret: %w", err)
	}
	ep.Secret = secret

	if err := s.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, "", fmt.Errorf("create endpoint: %w", err)
	}
	s.cache.invalidate(orgID)

	s.logger.Info("webhook: endpoint created",
		zap.String("endpoint_id", ep.ID.String()),
		zap.String("organization_id", orgID),
		zap.Strings("event_types", ep.EventTypes),
	)
	return ep, secret, nil
}

// GetEndpoint returns one endpoint of the organization.
func (s *Service) GetEndpoint(ctx context.Context, orgID string, id uuid.UUID) (*Endpoint, error) {
	return s.store.GetEndpoint(ctx, orgID, id)
}

// ListEndpoints returns every endpoint of the organization, active or not.
func (s *Service) ListEndpoints(ctx context.Context, orgID string) ([]*Endpoint, error) {
	return s.store.ListEndpoints(ctx, orgID)
}

// UpdateEndpoint applies a partial update. The secret is never touched here.
func (s *Service) UpdateEndpoint(ctx context.Context, orgID string, id uuid.UUID, req UpdateEndpointRequest) (*Endpoint, error) {
	ep, err := s.store.GetEndpoint(ctx, orgID, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		ep.Name = strings.TrimSpace(*req.Name)
	}
	if req.URL != nil {
		ep.URL = strings.TrimSpace(*req.URL)
	}
	if req.EventTypes != nil {
		ep.EventTypes = normalizeEventTypes(req.EventTypes)
	}
	if req.CustomHeaders != nil {
		ep.CustomHeaders = *req.CustomHeaders
		if ep.CustomHeaders == nil {
			ep.CustomHeaders = map[string]string{}
		}
	}
	if req.RetryPolicy != nil {
		ep.RetryPolicy = *req.RetryPolicy
	}
	if req.IsActive != nil {
		ep.IsActive = *req.IsActive
	}
	if err := validateEndpoint(ep); err != nil {
		return nil, err
	}
	ep.UpdatedAt = s.now()

	if err := s.store.UpdateEndpoint(ctx, ep); err != nil {
		return nil, fmt.Errorf("update endpoint: %w", err)
	}
	s.cache.invalidate(orgID)
	return ep, nil
}

// DeleteEndpoint removes an endpoint and, with it, its delivery history.
func (s *Service) DeleteEndpoint(ctx context.Context, orgID string, id uuid.UUID) error {
	if err := s.store.DeleteEndpoint(ctx, orgID, id); err != nil {
		return err
	}
	s.cache.invalidate(orgID)
	return nil
}

// RegenerateSecret replaces the endpoint's secret and returns the new one.
// Attempts already in flight keep the signature they were sent with.
func (s *Service) RegenerateSecret(ctx context.Context, orgID string, id uuid.UUID) (string, error) {
	ep, err := s.store.GetEndpoint(ctx, orgID, id)
	if err != nil {
		return "", err
	}
	secret, err := generateSecret()
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	ep.Secret = secret
	ep.UpdatedAt = s.now()
	if err := s.store.UpdateEndpoint(ctx, ep); err != nil {
		return "", fmt.Errorf("regenerate secret: %w", err)
	}
	s.cache.invalidate(orgID)
	return secret, nil
}

func normalizeEventTypes(types []string) []string {
	out := make([]string, 0, len(types))
	seen := make(map[string]bool, len(types))
	for _, t := range types {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func validateEndpoint(ep *Endpoint) error {
	if n := len(ep.Name); n == 0 || n > maxNameLength {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidEndpoint, maxNameLength)
	}
	u, err := url.Parse(ep.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http or https URL", ErrInvalidEndpoint)
	}
	if len(ep.EventTypes) == 0 {
		return fmt.Errorf("%w: at least one event type is required", ErrInvalidEndpoint)
	}
	p := ep.RetryPolicy
	if p.MaxAttempts < 1 || p.MaxAttempts > MaxRetryAttempts {
		return fmt.Errorf("%w: maxAttempts must be between 1 and %d", ErrInvalidEndpoint, MaxRetryAttempts)
	}
	if p.BackoffFactor < 1 || p.BackoffFactor > MaxBackoffFactor {
		return fmt.Errorf("%w: backoffFactor must be between 1 and %d", ErrInvalidEndpoint, MaxBackoffFactor)
	}
	for k := range ep.CustomHeaders {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("%w: custom header names must not be empty", ErrInvalidEndpoint)
		}
		if isReservedHeader(k) {
			return fmt.Errorf("%w: custom header %q is set by the dispatcher", ErrInvalidEndpoint, k)
		}
	}
	return nil
}

// generateSecret creates a random 32-byte hex-encoded secret.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// ── Event fan-out ────────────────────────────────────────────────────────────

// CreateEvent persists an outbound event, creates one pending delivery per
// matching active endpoint and enqueues them. Delivery outcomes never
// affect the returned error.
func (s *Service) CreateEvent(ctx context.Context, in EventInput) (*Event, error) {
	if in.OrganizationID == "" || in.EventType == "" {
		return nil, errors.New("webhook event requires organization and event type")
	}

	payload, err := gojson.Marshal(orEmpty(in.Payload))
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	metadata, err := gojson.Marshal(orEmpty(in.Metadata))
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	ev := &Event{
		ID:             uuid.New(),
		OrganizationID: in.OrganizationID,
		EventType:      in.EventType,
		EventVersion:   in.EventVersion,
		AggregateID:    in.AggregateID,
		AggregateType:  in.AggregateType,
		Payload:        payload,
		Metadata:       metadata,
		OccurredAt:     in.OccurredAt,
	}
	if ev.EventVersion == "" {
		ev.EventVersion = "1.0"
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now()
	}

	if err := s.store.CreateEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("create webhook event: %w", err)
	}

	endpoints, err := s.cache.active(ctx, s.store, in.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("list active endpoints: %w", err)
	}
	targets := Match(endpoints, ev.EventType)
	if len(targets) == 0 {
		return ev, nil
	}

	now := s.now()
	deliveries := make([]*Delivery, 0, len(targets))
	for _, ep := range targets {
		deliveries = append(deliveries, &Delivery{
			ID:             uuid.New(),
			EndpointID:     ep.ID,
			EventID:        ev.ID,
			OrganizationID: ev.OrganizationID,
			AttemptNumber:  1,
			Status:         StatusPending,
			CreatedAt:      now,
		})
	}
	if err := s.store.CreateDeliveries(ctx, deliveries); err != nil {
		return nil, fmt.Errorf("create deliveries: %w", err)
	}

	for _, d := range deliveries {
		s.dispatch(ctx, d.ID)
	}

	s.logger.Debug("webhook: event fanned out",
		zap.String("event_id", ev.ID.String()),
		zap.String("event_type", ev.EventType),
		zap.Int("deliveries", len(deliveries)),
	)
	return ev, nil
}

// Publish implements audit.Publisher.
func (s *Service) Publish(ctx context.Context, p audit.Publication) error {
	_, err := s.CreateEvent(ctx, EventInput{
		OrganizationID: p.OrganizationID,
		EventType:      p.EventType,
		EventVersion:   p.EventVersion,
		AggregateID:    p.AggregateID,
		AggregateType:  p.AggregateType,
		Payload:        p.Payload,
		Metadata:       p.Metadata,
		OccurredAt:     p.OccurredAt,
	})
	return err
}

// dispatch enqueues one delivery. Failures are logged only; the sweeper
// picks up deliveries that never reach a worker.
func (s *Service) dispatch(ctx context.Context, id uuid.UUID) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Enqueue(ctx, id.String()); err != nil {
		s.logger.Warn("webhook: enqueue delivery", zap.String("delivery_id", id.String()), zap.Error(err))
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// ── Delivery execution ───────────────────────────────────────────────────────

// HandleMessage is the queue handler: msg is a delivery ID.
func (s *Service) HandleMessage(ctx context.Context, msg string) error {
	id, err := uuid.Parse(msg)
	if err != nil {
		return fmt.Errorf("invalid delivery id %q: %w", msg, err)
	}
	_, err = s.ProcessDelivery(ctx, id)
	if errors.Is(err, ErrAlreadyClaimed) {
		return nil
	}
	return err
}

// ProcessDelivery performs the current attempt of a pending delivery and
// records its outcome. It returns the delivery's status afterwards.
// Receiver failures are recorded, not returned; errors mean the attempt
// could not be made or recorded.
func (s *Service) ProcessDelivery(ctx context.Context, id uuid.UUID) (string, error) {
	d, err := s.store.GetDelivery(ctx, id)
	if err != nil {
		return "", err
	}
	if d.Status != StatusPending {
		return d.Status, nil
	}

	ep, err := s.store.GetEndpoint(ctx, d.OrganizationID, d.EndpointID)
	if err != nil {
		return "", fmt.Errorf("load endpoint: %w", err)
	}
	ev, err := s.store.GetEvent(ctx, d.EventID)
	if err != nil {
		return "", fmt.Errorf("load event: %w", err)
	}
	body, err := BuildPayload(ev)
	if err != nil {
		return "", fmt.Errorf("build payload: %w", err)
	}

	// Postgres keeps microseconds; the outcome write matches on this value.
	started := s.now().Truncate(time.Microsecond)
	claimed, err := s.store.MarkStarted(ctx, d.ID, started)
	if err != nil {
		return "", fmt.Errorf("mark started: %w", err)
	}
	if !claimed {
		return "", ErrAlreadyClaimed
	}

	// Once claimed, the attempt and its write-back are detached from the
	// caller. Only s.timeout can end the attempt early.
	detached := context.WithoutCancel(ctx)
	res := s.post(detached, ep, d, ev, body)
	outcome := s.outcomeFor(ep, d, res, s.now())

	writeCtx, cancel := context.WithTimeout(detached, outcomeWriteTimeout)
	defer cancel()
	if err := s.store.RecordOutcome(writeCtx, d.ID, started, outcome); err != nil {
		return "", fmt.Errorf("record outcome: %w", err)
	}

	if s.onMetrics != nil {
		s.onMetrics(outcome.Status)
	}

	fields := []zap.Field{
		zap.String("delivery_id", d.ID.String()),
		zap.String("endpoint_id", ep.ID.String()),
		zap.Int("attempt", d.AttemptNumber),
		zap.String("status", outcome.Status),
	}
	if outcome.ErrorMessage != nil {
		s.logger.Warn("webhook: delivery attempt failed", append(fields, zap.String("error", *outcome.ErrorMessage))...)
	} else {
		s.logger.Debug("webhook: delivered", fields...)
	}
	return outcome.Status, nil
}

// RetryDelivery claims a retrying delivery and runs its next attempt. Only
// one caller can claim a given attempt; the others get ErrNotRetryable.
func (s *Service) RetryDelivery(ctx context.Context, id uuid.UUID) (string, error) {
	ok, err := s.store.ClaimRetry(ctx, id)
	if err != nil {
		return "", fmt.Errorf("claim retry: %w", err)
	}
	if !ok {
		return "", ErrNotRetryable
	}
	return s.ProcessDelivery(ctx, id)
}

// ── Retry sweeper ────────────────────────────────────────────────────────────

// SweepConfig bounds one ProcessPendingRetries run.
type SweepConfig struct {
	BatchSize   int
	Concurrency int
	// StalledAfter is how long a started attempt may run before it is
	// treated as a network failure. It never drops below the attempt
	// timeout plus the outcome write bound.
	StalledAfter time.Duration
	// UndispatchedAfter is how long a never-started delivery may wait
	// before the sweeper runs it itself.
	UndispatchedAfter time.Duration
}

// DefaultSweepConfig returns the sweeper defaults.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		BatchSize:         500,
		Concurrency:       10,
		StalledAfter:      2 * DefaultTimeout,
		UndispatchedAfter: time.Minute,
	}
}

func (c SweepConfig) withDefaults() SweepConfig {
	d := DefaultSweepConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.StalledAfter <= 0 {
		c.StalledAfter = d.StalledAfter
	}
	if c.UndispatchedAfter <= 0 {
		c.UndispatchedAfter = d.UndispatchedAfter
	}
	return c
}

// RetryReport summarizes one sweep.
type RetryReport struct {
	Due          int `json:"due"`
	Succeeded    int `json:"succeeded"`
	Rescheduled  int `json:"rescheduled"`
	Failed       int `json:"failed"`
	Skipped      int `json:"skipped"`
	Errors       int `json:"errors"`
	Stalled      int `json:"stalled"`
	Undispatched int `json:"undispatched"`
}

func (r *RetryReport) count(status string, err error) {
	switch {
	case errors.Is(err, ErrNotRetryable), errors.Is(err, ErrAlreadyClaimed):
		r.Skipped++
	case err != nil:
		r.Errors++
	case status == StatusSuccess:
		r.Succeeded++
	case status == StatusRetrying:
		r.Rescheduled++
	case status == StatusFailed:
		r.Failed++
	default:
		r.Skipped++
	}
}

// ProcessPendingRetries runs every retry that is due, then recovers stalled
// and undispatched deliveries. It returns once every attempt has settled;
// one failing delivery never stops the others.
func (s *Service) ProcessPendingRetries(ctx context.Context) (RetryReport, error) {
	var (
		report RetryReport
		mu     sync.Mutex
	)
	settle := func(status string, err error) {
		mu.Lock()
		defer mu.Unlock()
		report.count(status, err)
	}

	now := s.now()
	due, err := s.store.ListDueRetries(ctx, now, s.sweep.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list due retries: %w", err)
	}
	report.Due = len(due)

	p := pool.New().WithMaxGoroutines(s.sweep.Concurrency)
	for _, d := range due {
		p.Go(func() {
			settle(s.RetryDelivery(ctx, d.ID))
		})
	}
	p.Wait()

	stalled, err := s.store.ListStalled(ctx, now.Add(-s.stalledAfter()), s.sweep.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list stalled deliveries: %w", err)
	}
	report.Stalled = len(stalled)
	for _, d := range stalled {
		settle(s.abandon(ctx, d))
	}

	undispatched, err := s.store.ListUndispatched(ctx, now.Add(-s.sweep.UndispatchedAfter), s.sweep.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list undispatched deliveries: %w", err)
	}
	report.Undispatched = len(undispatched)
	p = pool.New().WithMaxGoroutines(s.sweep.Concurrency)
	for _, d := range undispatched {
		p.Go(func() {
			settle(s.ProcessDelivery(ctx, d.ID))
		})
	}
	p.Wait()

	if report.Due+report.Stalled+report.Undispatched > 0 {
		s.logger.Info("webhook: retry sweep complete",
			zap.Int("due", report.Due),
			zap.Int("succeeded", report.Succeeded),
			zap.Int("rescheduled", report.Rescheduled),
			zap.Int("failed", report.Failed),
			zap.Int("skipped", report.Skipped),
			zap.Int("errors", report.Errors),
			zap.Int("stalled", report.Stalled),
			zap.Int("undispatched", report.Undispatched),
		)
	}
	return report, nil
}

// stalledAfter is the configured stalled cutoff, raised so that it always
// exceeds the longest an attempt and its outcome write can take.
func (s *Service) stalledAfter() time.Duration {
	return max(s.sweep.StalledAfter, s.timeout+outcomeWriteTimeout)
}

// abandon records a network failure for an attempt that started but never
// reported back. The write only lands if the attempt observed by the scan is
// still the current one.
func (s *Service) abandon(ctx context.Context, d *Delivery) (string, error) {
	if d.StartedAt == nil {
		return "", ErrAlreadyClaimed
	}
	ep, err := s.store.GetEndpoint(ctx, d.OrganizationID, d.EndpointID)
	if err != nil {
		return "", fmt.Errorf("load endpoint: %w", err)
	}
	o := nextOutcomeOnError(ep.RetryPolicy, d.AttemptNumber, s.now(), "delivery attempt did not complete")
	if err := s.store.RecordOutcome(ctx, d.ID, *d.StartedAt, o); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrAlreadyClaimed
		}
		return "", fmt.Errorf("record outcome: %w", err)
	}
	if s.onMetrics != nil {
		s.onMetrics(o.Status)
	}
	return o.Status, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

// ListDeliveries returns recent deliveries of one of the organization's endpoints.
func (s *Service) ListDeliveries(ctx context.Context, orgID string, endpointID uuid.UUID, limit int) ([]*Delivery, error) {
	if _, err := s.store.GetEndpoint(ctx, orgID, endpointID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListDeliveries(ctx, orgID, endpointID, limit)
}

// GetDelivery returns a delivery by ID.
func (s *Service) GetDelivery(ctx context.Context, id uuid.UUID) (*Delivery, error) {
	return s.store.GetDelivery(ctx, id)
}

// GetDeliveryStats counts the organization's deliveries by status.
func (s *Service) GetDeliveryStats(ctx context.Context, orgID string, start, end *time.Time) (DeliveryStats, error) {
	return s.store.DeliveryStats(ctx, orgID, start, end)
}
