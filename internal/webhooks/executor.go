package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/jmerrifield20/auditrelay/internal/signature"
)

const (
	// DefaultTimeout is the hard limit for one delivery attempt.
	DefaultTimeout = 30 * time.Second
	// MaxResponseBody is how much of a receiver's response body is stored.
	MaxResponseBody = 10000
	// DefaultUserAgent identifies the dispatcher to receivers.
	DefaultUserAgent = "auditrelay-webhooks/1.0"
)

// Outbound header names.
const (
	HeaderSignature = signature.Header
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderEventType = "X-Webhook-Event-Type"
	HeaderEventID   = "X-Webhook-Event-ID"
)

// SuccessPolicy decides which completed HTTP responses count as delivered.
type SuccessPolicy string

const (
	// PolicyAnyResponse treats every completed round-trip as success,
	// whatever the status code. Only transport errors are retried.
	PolicyAnyResponse SuccessPolicy = "any_response"
	// Policy2xxOnly retries non-2xx responses like transport errors.
	Policy2xxOnly SuccessPolicy = "2xx_only"
)

// ParseSuccessPolicy maps a config string to a policy.
func ParseSuccessPolicy(s string) (SuccessPolicy, error) {
	switch SuccessPolicy(s) {
	case "", PolicyAnyResponse:
		return PolicyAnyResponse, nil
	case Policy2xxOnly:
		return Policy2xxOnly, nil
	}
	return "", fmt.Errorf("unknown success policy %q", s)
}

// isReservedHeader reports whether a custom header would clobber one the
// dispatcher sets itself.
func isReservedHeader(name string) bool {
	canon := http.CanonicalHeaderKey(strings.TrimSpace(name))
	return canon == "Content-Type" || strings.HasPrefix(canon, "X-Webhook-")
}

type payloadEvent struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Version       string `json:"version"`
	OccurredAt    string `json:"occurred_at"`
	AggregateID   string `json:"aggregate_id"`
	AggregateType string `json:"aggregate_type"`
}

type payload struct {
	Event    payloadEvent    `json:"event"`
	Data     json.RawMessage `json:"data"`
	Metadata json.RawMessage `json:"metadata"`
}

// BuildPayload serializes the wire body for ev. The returned bytes are what
// gets signed and sent.
func BuildPayload(ev *Event) ([]byte, error) {
	data := ev.Payload
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	meta := ev.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	return gojson.Marshal(payload{
		Event: payloadEvent{
			ID:            ev.ID.String(),
			Type:          ev.EventType,
			Version:       ev.EventVersion,
			OccurredAt:    ev.OccurredAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			AggregateID:   ev.AggregateID,
			AggregateType: ev.AggregateType,
		},
		Data:     data,
		Metadata: meta,
	})
}

// attemptResult is what one HTTP round-trip produced.
type attemptResult struct {
	statusCode int
	body       string
	headers    map[string]string
	err        error
}

// post performs one signed delivery attempt.
func (s *Service) post(ctx context.Context, ep *Endpoint, d *Delivery, ev *Event, body []byte) attemptResult {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return attemptResult{err: err}
	}

	for k, v := range ep.CustomHeaders {
		if isReservedHeader(k) {
			continue
		}
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	req.Header.Set(HeaderSignature, signature.Sign(body, ep.Secret))
	req.Header.Set(HeaderDelivery, d.ID.String())
	req.Header.Set(HeaderEventType, ev.EventType)
	req.Header.Set(HeaderEventID, ev.ID.String())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return attemptResult{err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBody))
	if err != nil {
		return attemptResult{err: fmt.Errorf("read response: %w", err)}
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		headers[k] = strings.Join(v, ", ")
	}
	return attemptResult{statusCode: resp.StatusCode, body: string(raw), headers: headers}
}

// outcomeFor maps an attempt result onto the delivery state machine.
func (s *Service) outcomeFor(ep *Endpoint, d *Delivery, res attemptResult, now time.Time) Outcome {
	if res.err != nil {
		return nextOutcomeOnError(ep.RetryPolicy, d.AttemptNumber, now, res.err.Error())
	}

	code := res.statusCode
	body := res.body
	ok := s.policy != Policy2xxOnly || (code >= 200 && code < 300)
	if ok {
		return Outcome{
			Status:          StatusSuccess,
			HTTPStatusCode:  &code,
			ResponseBody:    &body,
			ResponseHeaders: res.headers,
			CompletedAt:     &now,
		}
	}

	o := nextOutcomeOnError(ep.RetryPolicy, d.AttemptNumber, now, fmt.Sprintf("HTTP %d", code))
	o.HTTPStatusCode = &code
	o.ResponseBody = &body
	o.ResponseHeaders = res.headers
	return o
}
