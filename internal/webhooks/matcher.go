package webhooks

import (
	"context"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Match returns the active endpoints subscribed to eventType, either by the
// exact type string or by the "*" wildcard. Prefix patterns are not supported.
// Input order is preserved and nothing is mutated.
func Match(endpoints []*Endpoint, eventType string) []*Endpoint {
	var out []*Endpoint
	for _, ep := range endpoints {
		if !ep.IsActive {
			continue
		}
		if slices.Contains(ep.EventTypes, eventType) || slices.Contains(ep.EventTypes, Wildcard) {
			out = append(out, ep)
		}
	}
	return out
}

// endpointLister loads the active endpoints of an organization.
type endpointLister interface {
	ListActiveEndpoints(ctx context.Context, orgID string) ([]*Endpoint, error)
}

// endpointCache holds each organization's active endpoints for a short TTL.
// Any endpoint mutation in an organization invalidates its entry.
type endpointCache struct {
	lru *expirable.LRU[string, []*Endpoint]
}

func newEndpointCache(size int, ttl time.Duration) *endpointCache {
	return &endpointCache{lru: expirable.NewLRU[string, []*Endpoint](size, nil, ttl)}
}

func (c *endpointCache) active(ctx context.Context, src endpointLister, orgID string) ([]*Endpoint, error) {
	if c == nil {
		return src.ListActiveEndpoints(ctx, orgID)
	}
	if eps, ok := c.lru.Get(orgID); ok {
		return eps, nil
	}
	eps, err := src.ListActiveEndpoints(ctx, orgID)
	if err != nil {
		return nil, err
	}
	c.lru.Add(orgID, eps)
	return eps, nil
}

func (c *endpointCache) invalidate(orgID string) {
	if c == nil {
		return
	}
	c.lru.Remove(orgID)
}
