package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/auditrelay/internal/audit"
	"github.com/jmerrifield20/auditrelay/internal/signature"
	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubDispatcher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (d *stubDispatcher) Enqueue(_ context.Context, msg string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.ids = append(d.ids, msg)
	return nil
}

// flakyTransport fails the first failures round-trips with a connection
// error, then hands requests to the default transport.
type flakyTransport struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New("dial tcp 127.0.0.1:443: connect: connection refused")
	}
	return http.DefaultTransport.RoundTrip(r)
}

// capture records every request a test receiver sees.
type capture struct {
	mu      sync.Mutex
	headers []http.Header
	bodies  [][]byte
}

func (c *capture) add(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers = append(c.headers, r.Header.Clone())
	c.bodies = append(c.bodies, body)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func receiver(t *testing.T, status int, c *capture) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c != nil {
			c.add(r)
		}
		w.Header().Set("X-Receiver", "test")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"received":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// deadURL returns a URL nothing is listening on.
func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *MemoryStore, *time.Time) {
	t.Helper()
	store := NewMemoryStore()
	svc := NewService(store, zap.NewNop())
	svc.SetTimeout(5 * time.Second)
	clock := t0
	svc.now = func() time.Time { return clock }
	return svc, store, &clock
}

func mustCreateEndpoint(t *testing.T, svc *Service, name, url string, types []string, policy *RetryPolicy) (*Endpoint, string) {
	t.Helper()
	ep, secret, err := svc.CreateEndpoint(context.Background(), "org-1", "user-1", CreateEndpointRequest{
		Name:        name,
		URL:         url,
		EventTypes:  types,
		RetryPolicy: policy,
	})
	if err != nil {
		t.Fatalf("CreateEndpoint(%s): %v", name, err)
	}
	return ep, secret
}

func mustCreateEvent(t *testing.T, svc *Service, eventType string) *Event {
	t.Helper()
	ev, err := svc.CreateEvent(context.Background(), EventInput{
		OrganizationID: "org-1",
		EventType:      eventType,
		AggregateID:    "agg-1",
		AggregateType:  "user",
		Payload:        map[string]any{"name": "Ada"},
	})
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	return ev
}

func onlyDelivery(t *testing.T, store *MemoryStore, ep *Endpoint) *Delivery {
	t.Helper()
	ds, err := store.ListDeliveries(context.Background(), "org-1", ep.ID, 0)
	if err != nil {
		t.Fatalf("ListDeliveries: %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("expected 1 delivery for %s, got %d", ep.Name, len(ds))
	}
	return ds[0]
}

// ── Endpoint registry ────────────────────────────────────────────────────

func TestCreateEndpoint_secretNeverSerialized(t *testing.T) {
	svc, _, _ := newTestService(t)
	ep, secret := mustCreateEndpoint(t, svc, "crm", "https://example.com/hook", []string{"*"}, nil)

	if len(secret) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(secret))
	}
	if ep.RetryPolicy != DefaultRetryPolicy() {
		t.Errorf("expected default retry policy, got %+v", ep.RetryPolicy)
	}

	raw, err := json.Marshal(ep)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), secret) {
		t.Error("secret leaked into endpoint JSON")
	}

	listed, _ := svc.ListEndpoints(context.Background(), "org-1")
	raw, _ = json.Marshal(listed)
	if strings.Contains(string(raw), secret) {
		t.Error("secret leaked into list JSON")
	}
}

func TestCreateEndpoint_validation(t *testing.T) {
	tests := []struct {
		name string
		req  CreateEndpointRequest
	}{
		{"empty name", CreateEndpointRequest{Name: " ", URL: "https://x.io", EventTypes: []string{"*"}}},
		{"long name", CreateEndpointRequest{Name: strings.Repeat("n", 256), URL: "https://x.io", EventTypes: []string{"*"}}},
		{"relative url", CreateEndpointRequest{Name: "a", URL: "/hook", EventTypes: []string{"*"}}},
		{"ftp url", CreateEndpointRequest{Name: "a", URL: "ftp://x.io", EventTypes: []string{"*"}}},
		{"no event types", CreateEndpointRequest{Name: "a", URL: "https://x.io", EventTypes: []string{" "}}},
		{"too many attempts", CreateEndpointRequest{Name: "a", URL: "https://x.io", EventTypes: []string{"*"}, RetryPolicy: &RetryPolicy{MaxAttempts: 11, BackoffFactor: 2}}},
		{"zero backoff", CreateEndpointRequest{Name: "a", URL: "https://x.io", EventTypes: []string{"*"}, RetryPolicy: &RetryPolicy{MaxAttempts: 3, BackoffFactor: 0}}},
		{"reserved header", CreateEndpointRequest{Name: "a", URL: "https://x.io", EventTypes: []string{"*"}, CustomHeaders: map[string]string{"x-webhook-signature": "forged"}}},
	}

	svc, _, _ := newTestService(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.CreateEndpoint(context.Background(), "org-1", "user-1", tt.req)
			if !errors.Is(err, ErrInvalidEndpoint) {
				t.Errorf("expected ErrInvalidEndpoint, got %v", err)
			}
		})
	}
}

func TestCreateEndpoint_duplicateName(t *testing.T) {
	svc, _, _ := newTestService(t)
	mustCreateEndpoint(t, svc, "crm", "https://example.com/a", []string{"*"}, nil)

	_, _, err := svc.CreateEndpoint(context.Background(), "org-1", "user-1", CreateEndpointRequest{
		Name: "crm", URL: "https://example.com/b", EventTypes: []string{"*"},
	})
	if !errors.Is(err, ErrDuplicateName) {
		t.Errorf("expected ErrDuplicateName, got %v", err)
	}
}

func TestUpdateEndpoint_partial(t *testing.T) {
	svc, _, _ := newTestService(t)
	ep, secret := mustCreateEndpoint(t, svc, "crm", "https://example.com/a", []string{"user.created"}, nil)

	inactive := false
	updated, err := svc.UpdateEndpoint(context.Background(), "org-1", ep.ID, UpdateEndpointRequest{IsActive: &inactive})
	if err != nil {
		t.Fatalf("UpdateEndpoint: %v", err)
	}
	if updated.IsActive {
		t.Error("expected endpoint to be inactive")
	}
	if updated.URL != ep.URL || updated.Name != ep.Name {
		t.Error("unset fields should be unchanged")
	}
	if updated.Secret != secret {
		t.Error("update must not change the secret")
	}

	if _, err := svc.UpdateEndpoint(context.Background(), "org-2", ep.ID, UpdateEndpointRequest{IsActive: &inactive}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound across organizations, got %v", err)
	}
}

func TestRegenerateSecret(t *testing.T) {
	svc, store, _ := newTestService(t)
	ep, old := mustCreateEndpoint(t, svc, "crm", "https://example.com/a", []string{"*"}, nil)

	fresh, err := svc.RegenerateSecret(context.Background(), "org-1", ep.ID)
	if err != nil {
		t.Fatalf("RegenerateSecret: %v", err)
	}
	if fresh == old || len(fresh) != 64 {
		t.Errorf("expected a new 64-char secret, got %q", fresh)
	}
	stored, _ := store.GetEndpoint(context.Background(), "org-1", ep.ID)
	if stored.Secret != fresh {
		t.Error("store was not updated with the new secret")
	}
}

// ── Matching and fan-out ─────────────────────────────────────────────────

func TestMatch_exactAndWildcard(t *testing.T) {
	a := &Endpoint{Name: "a", IsActive: true, EventTypes: []string{"user.created"}}
	b := &Endpoint{Name: "b", IsActive: true, EventTypes: []string{"*"}}
	c := &Endpoint{Name: "c", IsActive: true, EventTypes: []string{"user.deleted"}}
	d := &Endpoint{Name: "d", IsActive: false, EventTypes: []string{"*"}}
	e := &Endpoint{Name: "e", IsActive: true, EventTypes: []string{"user.*"}}

	got := Match([]*Endpoint{a, b, c, d, e}, "user.created")
	if len(got) != 2 || got[0] != a || got[1] != b {
		names := make([]string, len(got))
		for i, ep := range got {
			names[i] = ep.Name
		}
		t.Errorf("expected [a b], got %v", names)
	}
}

func TestCreateEvent_enqueuesOneDeliveryPerMatch(t *testing.T) {
	svc, store, _ := newTestService(t)
	disp := &stubDispatcher{}
	svc.SetDispatcher(disp)

	a, _ := mustCreateEndpoint(t, svc, "a", "https://a.example.com", []string{"user.created"}, nil)
	b, _ := mustCreateEndpoint(t, svc, "b", "https://b.example.com", []string{"*"}, nil)
	c, _ := mustCreateEndpoint(t, svc, "c", "https://c.example.com", []string{"invoice.paid"}, nil)

	ev := mustCreateEvent(t, svc, "user.created")

	if len(disp.ids) != 2 {
		t.Fatalf("expected 2 enqueued deliveries, got %d", len(disp.ids))
	}
	for _, ep := range []*Endpoint{a, b} {
		d := onlyDelivery(t, store, ep)
		if d.Status != StatusPending || d.AttemptNumber != 1 || d.EventID != ev.ID {
			t.Errorf("unexpected delivery for %s: %+v", ep.Name, d)
		}
	}
	if ds, _ := store.ListDeliveries(context.Background(), "org-1", c.ID, 0); len(ds) != 0 {
		t.Errorf("unsubscribed endpoint got %d deliveries", len(ds))
	}
}

func TestCreateEvent_enqueueFailureDoesNotFail(t *testing.T) {
	svc, store, _ := newTestService(t)
	svc.SetDispatcher(&stubDispatcher{err: errors.New("queue down")})
	ep, _ := mustCreateEndpoint(t, svc, "a", "https://a.example.com", []string{"*"}, nil)

	mustCreateEvent(t, svc, "user.created")

	if d := onlyDelivery(t, store, ep); d.Status != StatusPending {
		t.Errorf("expected pending, got %s", d.Status)
	}
}

func TestCreateEvent_endpointCacheInvalidatedOnDelete(t *testing.T) {
	svc, store, _ := newTestService(t)
	svc.SetEndpointCache(16, time.Hour)
	ep, _ := mustCreateEndpoint(t, svc, "a", "https://a.example.com", []string{"*"}, nil)

	mustCreateEvent(t, svc, "user.created")
	if err := svc.DeleteEndpoint(context.Background(), "org-1", ep.ID); err != nil {
		t.Fatalf("DeleteEndpoint: %v", err)
	}
	mustCreateEvent(t, svc, "user.created")

	if n := len(store.deliveries); n != 0 {
		t.Errorf("expected deliveries cascaded and none created after delete, got %d", n)
	}
}

func TestPublish_adaptsAuditPublication(t *testing.T) {
	svc, store, _ := newTestService(t)
	ep, _ := mustCreateEndpoint(t, svc, "a", "https://a.example.com", []string{"audit.user.login"}, nil)

	err := svc.Publish(context.Background(), audit.Publication{
		OrganizationID: "org-1",
		EventType:      "audit.user.login",
		EventVersion:   "1.0",
		AggregateID:    "u-1",
		AggregateType:  "user",
		Payload:        map[string]any{"actor_id": "u-1"},
		OccurredAt:     t0,
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	d := onlyDelivery(t, store, ep)
	ev, _ := store.GetEvent(context.Background(), d.EventID)
	if ev.EventType != "audit.user.login" || !ev.OccurredAt.Equal(t0) {
		t.Errorf("unexpected event %+v", ev)
	}
}

// ── Delivery execution ───────────────────────────────────────────────────

func TestProcessDelivery_signsAndSetsHeaders(t *testing.T) {
	svc, store, _ := newTestService(t)
	rec := &capture{}
	srv := receiver(t, http.StatusOK, rec)

	ep, secret := mustCreateEndpoint(t, svc, "a", srv.URL, []string{"*"}, nil)
	// Written straight to the store to bypass validation.
	ep.CustomHeaders = map[string]string{"X-Tenant": "acme", "X-Webhook-Signature": "forged", "Content-Type": "text/plain"}
	ep.Secret = secret
	if err := store.UpdateEndpoint(context.Background(), ep); err != nil {
		t.Fatal(err)
	}

	ev := mustCreateEvent(t, svc, "user.created")
	d := onlyDelivery(t, store, ep)

	status, err := svc.ProcessDelivery(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("ProcessDelivery: %v", err)
	}
	if status != StatusSuccess {
		t.Fatalf("expected success, got %s", status)
	}
	if rec.count() != 1 {
		t.Fatalf("expected 1 request, got %d", rec.count())
	}

	h, body := rec.headers[0], rec.bodies[0]
	if !signature.Verify(body, h.Get(HeaderSignature), secret) {
		t.Error("signature does not verify against the received body")
	}
	checks := map[string]string{
		"Content-Type":  "application/json",
		"User-Agent":    DefaultUserAgent,
		HeaderDelivery:  d.ID.String(),
		HeaderEventType: "user.created",
		HeaderEventID:   ev.ID.String(),
		"X-Tenant":      "acme",
	}
	for k, want := range checks {
		if got := h.Get(k); got != want {
			t.Errorf("header %s = %q, want %q", k, got, want)
		}
	}

	var p struct {
		Event struct {
			ID         string `json:"id"`
			Type       string `json:"type"`
			OccurredAt string `json:"occurred_at"`
		} `json:"event"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if p.Event.ID != ev.ID.String() || p.Event.Type != "user.created" || p.Data["name"] != "Ada" {
		t.Errorf("unexpected payload %s", body)
	}
	if p.Event.OccurredAt != "2024-01-01T12:00:00.000Z" {
		t.Errorf("occurred_at = %q", p.Event.OccurredAt)
	}

	got, _ := store.GetDelivery(context.Background(), d.ID)
	if got.HTTPStatusCode == nil || *got.HTTPStatusCode != 200 {
		t.Error("expected status code 200 recorded")
	}
	if got.ResponseHeaders["X-Receiver"] != "test" {
		t.Errorf("expected response headers captured, got %v", got.ResponseHeaders)
	}
	if got.CompletedAt == nil || got.StartedAt == nil {
		t.Error("expected started_at and completed_at set")
	}
}

func TestProcessDelivery_serverErrorPolicy(t *testing.T) {
	tests := []struct {
		policy SuccessPolicy
		want   string
	}{
		{PolicyAnyResponse, StatusSuccess},
		{Policy2xxOnly, StatusRetrying},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			svc, store, _ := newTestService(t)
			svc.SetSuccessPolicy(tt.policy)
			srv := receiver(t, http.StatusInternalServerError, nil)
			ep, _ := mustCreateEndpoint(t, svc, "a", srv.URL, []string{"*"}, nil)
			mustCreateEvent(t, svc, "user.created")
			d := onlyDelivery(t, store, ep)

			status, err := svc.ProcessDelivery(context.Background(), d.ID)
			if err != nil {
				t.Fatalf("ProcessDelivery: %v", err)
			}
			if status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, status)
			}
			got, _ := store.GetDelivery(context.Background(), d.ID)
			if got.HTTPStatusCode == nil || *got.HTTPStatusCode != 500 {
				t.Error("expected HTTP 500 recorded")
			}
		})
	}
}

func TestProcessDelivery_truncatesResponseBody(t *testing.T) {
	svc, store, _ := newTestService(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 3*MaxResponseBody)))
	}))
	defer srv.Close()

	ep, _ := mustCreateEndpoint(t, svc, "a", srv.URL, []string{"*"}, nil)
	mustCreateEvent(t, svc, "user.created")
	d := onlyDelivery(t, store, ep)

	if _, err := svc.ProcessDelivery(context.Background(), d.ID); err != nil {
		t.Fatalf("ProcessDelivery: %v", err)
	}
	got, _ := store.GetDelivery(context.Background(), d.ID)
	if got.ResponseBody == nil || len(*got.ResponseBody) != MaxResponseBody {
		t.Errorf("expected body truncated to %d", MaxResponseBody)
	}
}

func TestProcessDelivery_fanOutIsolation(t *testing.T) {
	svc, store, _ := newTestService(t)
	ok := receiver(t, http.StatusOK, nil)
	broken := receiver(t, http.StatusInternalServerError, nil)

	a, _ := mustCreateEndpoint(t, svc, "ok", ok.URL, []string{"*"}, nil)
	b, _ := mustCreateEndpoint(t, svc, "down", deadURL(t), []string{"*"}, nil)
	c, _ := mustCreateEndpoint(t, svc, "broken", broken.URL, []string{"*"}, nil)

	mustCreateEvent(t, svc, "user.created")

	want := map[*Endpoint]string{a: StatusSuccess, b: StatusRetrying, c: StatusSuccess}
	for ep := range want {
		d := onlyDelivery(t, store, ep)
		if _, err := svc.ProcessDelivery(context.Background(), d.ID); err != nil {
			t.Fatalf("ProcessDelivery(%s): %v", ep.Name, err)
		}
	}
	for ep, status := range want {
		if got := onlyDelivery(t, store, ep).Status; got != status {
			t.Errorf("%s: expected %s, got %s", ep.Name, status, got)
		}
	}
}

func TestProcessDelivery_concurrentClaim(t *testing.T) {
	svc, store, _ := newTestService(t)
	arrived := make(chan struct{})
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			close(arrived)
		}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep, _ := mustCreateEndpoint(t, svc, "a", srv.URL, []string{"*"}, nil)
	mustCreateEvent(t, svc, "user.created")
	d := onlyDelivery(t, store, ep)

	done := make(chan error, 1)
	go func() {
		_, err := svc.ProcessDelivery(context.Background(), d.ID)
		done <- err
	}()
	<-arrived

	if _, err := svc.ProcessDelivery(context.Background(), d.ID); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("expected ErrAlreadyClaimed, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first ProcessDelivery: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected exactly one HTTP attempt, got %d", hits.Load())
	}
}

func TestProcessDelivery_callerCancellationDoesNotConsumeAttempt(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The caller goes away while the receiver is still working.
		cancel()
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep, _ := mustCreateEndpoint(t, svc, "slow", srv.URL, []string{"*"}, &RetryPolicy{MaxAttempts: 1, BackoffFactor: 2})
	mustCreateEvent(t, svc, "user.created")
	d := onlyDelivery(t, store, ep)

	status, err := svc.ProcessDelivery(ctx, d.ID)
	if err != nil || status != StatusSuccess {
		t.Fatalf("status=%s err=%v, want success", status, err)
	}
	got, _ := store.GetDelivery(context.Background(), d.ID)
	if got.Status != StatusSuccess || got.ErrorMessage != nil {
		t.Errorf("unexpected delivery %+v", got)
	}
}

func TestHandleMessage_invalidID(t *testing.T) {
	svc, _, _ := newTestService(t)
	if err := svc.HandleMessage(context.Background(), "not-a-uuid"); err == nil {
		t.Error("expected error for invalid delivery id")
	}
	if err := svc.HandleMessage(context.Background(), uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// ── Retries ──────────────────────────────────────────────────────────────

func TestRetryDelay_growsAndCaps(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BackoffFactor: 2}
	want := []time.Duration{2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for i, w := range want {
		if got := RetryDelay(p, i+1); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
	if got := RetryDelay(RetryPolicy{BackoffFactor: 10}, 10); got != maxRetryDelay {
		t.Errorf("expected cap %v, got %v", maxRetryDelay, got)
	}
}

func TestRetry_exhaustsAfterMaxAttempts(t *testing.T) {
	svc, store, clock := newTestService(t)
	ep, _ := mustCreateEndpoint(t, svc, "down", deadURL(t), []string{"*"}, &RetryPolicy{MaxAttempts: 2, BackoffFactor: 2})
	mustCreateEvent(t, svc, "user.created")
	d := onlyDelivery(t, store, ep)

	if status, err := svc.ProcessDelivery(context.Background(), d.ID); err != nil || status != StatusRetrying {
		t.Fatalf("first attempt: status=%s err=%v", status, err)
	}
	got, _ := store.GetDelivery(context.Background(), d.ID)
	if got.NextRetryAt == nil || !got.NextRetryAt.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("expected next retry at +2m, got %v", got.NextRetryAt)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage == "" {
		t.Error("expected error message recorded")
	}

	// Not due yet.
	*clock = t0.Add(time.Minute)
	report, err := svc.ProcessPendingRetries(context.Background())
	if err != nil || report.Due != 0 {
		t.Fatalf("expected nothing due, got %+v err=%v", report, err)
	}

	*clock = t0.Add(3 * time.Minute)
	report, err = svc.ProcessPendingRetries(context.Background())
	if err != nil {
		t.Fatalf("ProcessPendingRetries: %v", err)
	}
	if report.Due != 1 || report.Failed != 1 {
		t.Errorf("expected 1 due and 1 failed, got %+v", report)
	}

	got, _ = store.GetDelivery(context.Background(), d.ID)
	if got.Status != StatusFailed || got.AttemptNumber != 2 || got.CompletedAt == nil || got.NextRetryAt != nil {
		t.Errorf("unexpected final delivery %+v", got)
	}

	*clock = t0.Add(time.Hour)
	report, _ = svc.ProcessPendingRetries(context.Background())
	if report.Due != 0 {
		t.Errorf("failed deliveries must not be retried, got %+v", report)
	}
}

func TestRetry_succeedsOnSecondAttempt(t *testing.T) {
	svc, store, clock := newTestService(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	svc.SetSuccessPolicy(Policy2xxOnly)

	ep, _ := mustCreateEndpoint(t, svc, "flaky", srv.URL, []string{"*"}, nil)
	mustCreateEvent(t, svc, "user.created")
	d := onlyDelivery(t, store, ep)

	if status, _ := svc.ProcessDelivery(context.Background(), d.ID); status != StatusRetrying {
		t.Fatalf("expected retrying, got %s", status)
	}
	*clock = t0.Add(5 * time.Minute)
	report, err := svc.ProcessPendingRetries(context.Background())
	if err != nil || report.Succeeded != 1 {
		t.Fatalf("expected 1 success, got %+v err=%v", report, err)
	}
	got, _ := store.GetDelivery(context.Background(), d.ID)
	if got.AttemptNumber != 2 || got.Status != StatusSuccess {
		t.Errorf("unexpected delivery %+v", got)
	}
}

func TestRetry_threeNetworkFailuresExhaustAttempts(t *testing.T) {
	svc, store, clock := newTestService(t)
	ep, _ := mustCreateEndpoint(t, svc, "down", deadURL(t), []string{"*"}, &RetryPolicy{MaxAttempts: 3, BackoffFactor: 2})
	mustCreateEvent(t, svc, "user.created")
	d := onlyDelivery(t, store, ep)
	ctx := context.Background()

	if status, err := svc.ProcessDelivery(ctx, d.ID); err != nil || status != StatusRetrying {
		t.Fatalf("attempt 1: status=%s err=%v", status, err)
	}
	got, _ := store.GetDelivery(ctx, d.ID)
	if got.AttemptNumber != 1 || got.NextRetryAt == nil || !got.NextRetryAt.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("after attempt 1: %+v", got)
	}

	*clock = t0.Add(2 * time.Minute)
	report, err := svc.ProcessPendingRetries(ctx)
	if err != nil || report.Due != 1 || report.Rescheduled != 1 {
		t.Fatalf("sweep 1: %+v err=%v", report, err)
	}
	got, _ = store.GetDelivery(ctx, d.ID)
	if got.Status != StatusRetrying || got.AttemptNumber != 2 {
		t.Fatalf("after attempt 2: %+v", got)
	}
	if want := t0.Add(6 * time.Minute); got.NextRetryAt == nil || !got.NextRetryAt.Equal(want) {
		t.Fatalf("expected second backoff of 4m (next %v), got %v", want, got.NextRetryAt)
	}

	*clock = t0.Add(6 * time.Minute)
	report, err = svc.ProcessPendingRetries(ctx)
	if err != nil || report.Due != 1 || report.Failed != 1 {
		t.Fatalf("sweep 2: %+v err=%v", report, err)
	}
	got, _ = store.GetDelivery(ctx, d.ID)
	if got.Status != StatusFailed || got.AttemptNumber != 3 || got.CompletedAt == nil || got.NextRetryAt != nil {
		t.Errorf("expected terminal failure at attempt 3, got %+v", got)
	}

	*clock = t0.Add(24 * time.Hour)
	if report, _ := svc.ProcessPendingRetries(ctx); report.Due != 0 {
		t.Errorf("failed delivery retried again: %+v", report)
	}
}

func TestRetry_networkFailureThenSuccess(t *testing.T) {
	svc, store, clock := newTestService(t)
	tr := &flakyTransport{failures: 1}
	svc.SetHTTPClient(&http.Client{Timeout: 5 * time.Second, Transport: tr})
	srv := receiver(t, http.StatusOK, nil)

	ep, _ := mustCreateEndpoint(t, svc, "flaky", srv.URL, []string{"user.created"}, &RetryPolicy{MaxAttempts: 2, BackoffFactor: 2})
	mustCreateEvent(t, svc, "user.created")
	d := onlyDelivery(t, store, ep)
	if d.AttemptNumber != 1 || d.Status != StatusPending {
		t.Fatalf("unexpected initial delivery %+v", d)
	}

	ctx := context.Background()
	if status, err := svc.ProcessDelivery(ctx, d.ID); err != nil || status != StatusRetrying {
		t.Fatalf("first attempt: status=%s err=%v", status, err)
	}
	got, _ := store.GetDelivery(ctx, d.ID)
	if got.NextRetryAt == nil || !got.NextRetryAt.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("expected next retry at +2m, got %v", got.NextRetryAt)
	}

	*clock = t0.Add(2*time.Minute + time.Second)
	report, err := svc.ProcessPendingRetries(ctx)
	if err != nil || report.Succeeded != 1 {
		t.Fatalf("sweep: %+v err=%v", report, err)
	}
	got, _ = store.GetDelivery(ctx, d.ID)
	if got.Status != StatusSuccess || got.AttemptNumber != 2 {
		t.Errorf("expected success at attempt 2, got %+v", got)
	}
	if got.HTTPStatusCode == nil || *got.HTTPStatusCode != http.StatusOK {
		t.Errorf("http status = %v", got.HTTPStatusCode)
	}
	if tr.calls.Load() != 2 {
		t.Errorf("expected 2 round-trips, got %d", tr.calls.Load())
	}
}

func TestRetryDelivery_onlyOneClaimWins(t *testing.T) {
	svc, store, _ := newTestService(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep, _ := mustCreateEndpoint(t, svc, "a", srv.URL, []string{"*"}, nil)
	mustCreateEvent(t, svc, "user.created")
	d := onlyDelivery(t, store, ep)

	// Put the delivery into retrying as if attempt 1 had failed.
	if _, err := store.MarkStarted(context.Background(), d.ID, t0); err != nil {
		t.Fatal(err)
	}
	next := t0
	msg := "connection refused"
	if err := store.RecordOutcome(context.Background(), d.ID, t0, Outcome{Status: StatusRetrying, ErrorMessage: &msg, NextRetryAt: &next}); err != nil {
		t.Fatal(err)
	}

	const callers = 8
	var wg sync.WaitGroup
	var won, lost atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RetryDelivery(context.Background(), d.ID)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, ErrNotRetryable), errors.Is(err, ErrAlreadyClaimed):
				lost.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if won.Load() != 1 || lost.Load() != callers-1 {
		t.Errorf("expected exactly one winner, got won=%d lost=%d", won.Load(), lost.Load())
	}
	if hits.Load() != 1 {
		t.Errorf("expected one HTTP attempt, got %d", hits.Load())
	}
	got, _ := store.GetDelivery(context.Background(), d.ID)
	if got.AttemptNumber != 2 {
		t.Errorf("expected attempt 2, got %d", got.AttemptNumber)
	}
}

func TestProcessPendingRetries_recoversUndispatched(t *testing.T) {
	svc, store, clock := newTestService(t)
	srv := receiver(t, http.StatusOK, nil)
	ep, _ := mustCreateEndpoint(t, svc, "a", srv.URL, []string{"*"}, nil)
	mustCreateEvent(t, svc, "user.created")

	*clock = t0.Add(2 * time.Minute)
	report, err := svc.ProcessPendingRetries(context.Background())
	if err != nil {
		t.Fatalf("ProcessPendingRetries: %v", err)
	}
	if report.Undispatched != 1 || report.Succeeded != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if d := onlyDelivery(t, store, ep); d.Status != StatusSuccess {
		t.Errorf("expected success, got %s", d.Status)
	}
}

func TestProcessPendingRetries_recoversStalled(t *testing.T) {
	svc, store, clock := newTestService(t)
	ep, _ := mustCreateEndpoint(t, svc, "a", "https://a.example.com", []string{"*"}, nil)
	mustCreateEvent(t, svc, "user.created")
	d := onlyDelivery(t, store, ep)

	if ok, err := store.MarkStarted(context.Background(), d.ID, t0); err != nil || !ok {
		t.Fatalf("MarkStarted: ok=%v err=%v", ok, err)
	}

	*clock = t0.Add(5 * time.Minute)
	report, err := svc.ProcessPendingRetries(context.Background())
	if err != nil {
		t.Fatalf("ProcessPendingRetries: %v", err)
	}
	if report.Stalled != 1 || report.Rescheduled != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	got := onlyDelivery(t, store, ep)
	if got.Status != StatusRetrying || got.NextRetryAt == nil {
		t.Errorf("expected retrying with next_retry_at, got %+v", got)
	}
}

func TestProcessPendingRetries_leavesInFlightAttemptAlone(t *testing.T) {
	svc, store, _ := newTestService(t)
	var clock atomic.Int64
	clock.Store(t0.UnixNano())
	svc.now = func() time.Time { return time.Unix(0, clock.Load()).UTC() }
	// Shorter than the attempt timeout; the sweep must not honour it.
	svc.SetSweepConfig(SweepConfig{StalledAfter: 50 * time.Millisecond})

	arrived := make(chan struct{})
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			close(arrived)
		}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	unblock := sync.OnceFunc(func() { close(release) })
	defer unblock()

	ep, _ := mustCreateEndpoint(t, svc, "slow", srv.URL, []string{"*"}, nil)
	mustCreateEvent(t, svc, "user.created")
	d := onlyDelivery(t, store, ep)

	type result struct {
		status string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		status, err := svc.ProcessDelivery(context.Background(), d.ID)
		done <- result{status, err}
	}()
	<-arrived

	clock.Store(t0.Add(time.Second).UnixNano())
	report, err := svc.ProcessPendingRetries(context.Background())
	if err != nil {
		t.Fatalf("ProcessPendingRetries: %v", err)
	}
	if report.Stalled != 0 || report.Rescheduled != 0 {
		t.Errorf("in-flight attempt was treated as stalled: %+v", report)
	}

	unblock()
	res := <-done
	if res.err != nil || res.status != StatusSuccess {
		t.Fatalf("in-flight attempt: status=%s err=%v", res.status, res.err)
	}
	got, _ := store.GetDelivery(context.Background(), d.ID)
	if got.Status != StatusSuccess || hits.Load() != 1 {
		t.Errorf("status=%s hits=%d, want success and one request", got.Status, hits.Load())
	}
}

func TestAbandon_ignoresAttemptThatMovedOn(t *testing.T) {
	svc, store, clock := newTestService(t)
	ep, _ := mustCreateEndpoint(t, svc, "a", "https://a.example.com", []string{"*"}, nil)
	mustCreateEvent(t, svc, "user.created")
	d := onlyDelivery(t, store, ep)
	ctx := context.Background()

	if _, err := store.MarkStarted(ctx, d.ID, t0); err != nil {
		t.Fatal(err)
	}
	stale, _ := store.GetDelivery(ctx, d.ID)

	// Attempt 1 reports back and attempt 2 starts before the stale row is handled.
	msg := "connection refused"
	next := t0.Add(2 * time.Minute)
	if err := store.RecordOutcome(ctx, d.ID, t0, Outcome{Status: StatusRetrying, ErrorMessage: &msg, NextRetryAt: &next}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.ClaimRetry(ctx, d.ID); !ok {
		t.Fatal("ClaimRetry failed")
	}
	if ok, _ := store.MarkStarted(ctx, d.ID, next); !ok {
		t.Fatal("MarkStarted failed")
	}

	*clock = t0.Add(10 * time.Minute)
	if _, err := svc.abandon(ctx, stale); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("abandon stale attempt: got %v, want ErrAlreadyClaimed", err)
	}
	got, _ := store.GetDelivery(ctx, d.ID)
	if got.Status != StatusPending || got.AttemptNumber != 2 || !got.StartedAt.Equal(next) {
		t.Errorf("current attempt was disturbed: %+v", got)
	}
}

func TestMemoryStore_oneDeliveryPerEndpointAndEvent(t *testing.T) {
	svc, store, _ := newTestService(t)
	ep, _ := mustCreateEndpoint(t, svc, "a", "https://a.example.com", []string{"*"}, nil)
	ev := mustCreateEvent(t, svc, "user.created")
	d := onlyDelivery(t, store, ep)

	dup := *d
	dup.ID = uuid.New()
	err := store.CreateDeliveries(context.Background(), []*Delivery{&dup})
	if !errors.Is(err, ErrDuplicateDelivery) {
		t.Fatalf("got %v, want ErrDuplicateDelivery", err)
	}
	if ds, _ := store.ListDeliveries(context.Background(), "org-1", ep.ID, 10); len(ds) != 1 || ds[0].EventID != ev.ID {
		t.Errorf("expected the original delivery only, got %d", len(ds))
	}
}

func TestSweeper_sweepOnce(t *testing.T) {
	svc, _, _ := newTestService(t)
	sw := NewSweeper(svc, time.Hour, zap.NewNop())

	var reports []RetryReport
	sw.SetSweepFunc(func(r RetryReport, err error) {
		if err != nil {
			t.Errorf("sweep error: %v", err)
		}
		reports = append(reports, r)
	})

	if !sw.SweepOnce(context.Background()) {
		t.Fatal("expected sweep to run")
	}
	if len(reports) != 1 {
		t.Errorf("expected 1 callback, got %d", len(reports))
	}

	sw.running.Lock()
	defer sw.running.Unlock()
	if sw.SweepOnce(context.Background()) {
		t.Error("expected overlapping sweep to be skipped")
	}
}

func TestGetDeliveryStats(t *testing.T) {
	svc, store, _ := newTestService(t)
	ok := receiver(t, http.StatusOK, nil)
	a, _ := mustCreateEndpoint(t, svc, "ok", ok.URL, []string{"*"}, nil)
	b, _ := mustCreateEndpoint(t, svc, "down", deadURL(t), []string{"*"}, nil)
	mustCreateEvent(t, svc, "user.created")

	for _, ep := range []*Endpoint{a, b} {
		if _, err := svc.ProcessDelivery(context.Background(), onlyDelivery(t, store, ep).ID); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := svc.GetDeliveryStats(context.Background(), "org-1", nil, nil)
	if err != nil {
		t.Fatalf("GetDeliveryStats: %v", err)
	}
	if stats[StatusSuccess] != 1 || stats[StatusRetrying] != 1 || stats.SuccessRate() != 50 {
		t.Errorf("unexpected stats %v", stats)
	}
}
