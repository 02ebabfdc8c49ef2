// Package client provides a Go SDK for the auditrelay HTTP API: managing
// webhook endpoints, inspecting deliveries, reading audit statistics and
// triggering the retry sweep.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the API answers 404.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("auditrelay: HTTP %d: %s", e.StatusCode, e.Message)
}

// RetryPolicy mirrors the endpoint retry policy.
type RetryPolicy struct {
	MaxAttempts   int `json:"maxAttempts"`
	BackoffFactor int `json:"backoffFactor"`
}

// Endpoint is a registered webhook receiver. The signing secret is never
// included.
type Endpoint struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	URL           string            `json:"url"`
	EventTypes    []string          `json:"event_types"`
	IsActive      bool              `json:"is_active"`
	RetryPolicy   RetryPolicy       `json:"retry_policy"`
	CustomHeaders map[string]string `json:"custom_headers,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// CreateEndpointRequest is the payload for CreateEndpoint.
type CreateEndpointRequest struct {
	Name          string            `json:"name"`
	URL           string            `json:"url"`
	EventTypes    []string          `json:"event_types"`
	CustomHeaders map[string]string `json:"custom_headers,omitempty"`
	RetryPolicy   *RetryPolicy      `json:"retry_policy,omitempty"`
}

// Delivery is one event's delivery series to one endpoint.
type Delivery struct {
	ID             string     `json:"id"`
	EndpointID     string     `json:"webhook_endpoint_id"`
	EventID        string     `json:"webhook_event_id"`
	AttemptNumber  int        `json:"attempt_number"`
	Status         string     `json:"status"`
	HTTPStatusCode *int       `json:"http_status_code,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// RetryReport summarizes one retry sweep.
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

// RetryResult is the cron endpoint's response.
type RetryResult struct {
	Success    bool        `json:"success"`
	Report     RetryReport `json:"report"`
	DurationMS int64       `json:"duration_ms"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Stats is the response of GET /audit/stats.
type Stats struct {
	Period struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	} `json:"period"`
	AuditStats struct {
		EventTypes map[string]int `json:"eventTypes"`
		ActorTypes map[string]int `json:"actorTypes"`
		Total      int            `json:"total"`
	} `json:"auditStats"`
	WebhookStats *struct {
		ByStatus    map[string]int `json:"byStatus"`
		Total       int            `json:"total"`
		SuccessRate float64        `json:"successRate"`
	} `json:"webhookStats,omitempty"`
}

// Client is the auditrelay SDK entry point.
type Client struct {
	base       string
	httpClient *http.Client
	token      string
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBearerToken attaches a session token (or, for TriggerRetries, the
// cron secret) to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a Client for the server at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ── Webhook endpoints ───────────────────────────────────────────────────────

// CreateEndpoint registers an endpoint and returns it with its signing
// secret. The secret is only ever returned here.
func (c *Client) CreateEndpoint(ctx context.Context, req CreateEndpointRequest) (*Endpoint, string, error) {
	var out struct {
		Endpoint Endpoint `json:"endpoint"`
		Secret   string   `json:"secret"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/webhooks", req, &out); err != nil {
		return nil, "", err
	}
	return &out.Endpoint, out.Secret, nil
}

// ListEndpoints returns the organization's endpoints.
func (c *Client) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	var out struct {
		Endpoints []Endpoint `json:"endpoints"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/webhooks", nil, &out); err != nil {
		return nil, err
	}
	return out.Endpoints, nil
}

// DeleteEndpoint removes an endpoint and its deliveries.
func (c *Client) DeleteEndpoint(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/webhooks/"+url.PathEscape(id), nil, nil)
}

// RegenerateSecret rotates an endpoint's signing secret.
func (c *Client) RegenerateSecret(ctx context.Context, id string) (string, error) {
	var out struct {
		Secret string `json:"secret"`
	}
	path := "/api/v1/webhooks/" + url.PathEscape(id) + "/regenerate-secret"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return "", err
	}
	return out.Secret, nil
}

// ListDeliveries returns the newest deliveries for an endpoint.
func (c *Client) ListDeliveries(ctx context.Context, endpointID string, limit int) ([]Delivery, error) {
	path := "/api/v1/webhooks/" + url.PathEscape(endpointID) + "/deliveries"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Deliveries []Delivery `json:"deliveries"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Deliveries, nil
}

// RetryDelivery runs the next attempt of a delivery awaiting retry and
// returns its resulting status.
func (c *Client) RetryDelivery(ctx context.Context, endpointID, deliveryID string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	path := "/api/v1/webhooks/" + url.PathEscape(endpointID) + "/deliveries/" + url.PathEscape(deliveryID) + "/retry"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// ── Audit & operations ─────────────────────────────────────────────────────

// Stats returns audit and delivery statistics. Zero bounds use the server
// default window.
func (c *Client) Stats(ctx context.Context, start, end time.Time) (*Stats, error) {
	q := url.Values{}
	if !start.IsZero() {
		q.Set("start", start.UTC().Format(time.RFC3339))
	}
	if !end.IsZero() {
		q.Set("end", end.UTC().Format(time.RFC3339))
	}
	path := "/api/v1/audit/stats"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out Stats
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TriggerRetries runs one retry sweep via the cron endpoint. The client's
// bearer token must be the server's cron secret.
func (c *Client) TriggerRetries(ctx context.Context) (*RetryResult, error) {
	var out RetryResult
	if err := c.doJSON(ctx, http.MethodPost, "/cron/webhook-retries", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ── HTTP plumbing ───────────────────────────────────────────────────────────

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", req.URL.Path, ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorMessage extracts {"error": "..."} or falls back to the raw body.
func errorMessage(raw []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(raw))
}
