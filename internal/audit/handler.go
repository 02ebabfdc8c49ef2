package audit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/auditrelay/internal/auth"
	"go.uber.org/zap"
)

// defaultStatsWindow is the look-back used by /audit/stats without a start.
const defaultStatsWindow = 7 * 24 * time.Hour

// DeliveryStatsFunc counts an organization's webhook deliveries by status.
type DeliveryStatsFunc func(ctx context.Context, orgID string, start, end time.Time) (map[string]int, error)

// Handler serves read access to the audit trail.
type Handler struct {
	svc           *Service
	verifier      auth.Verifier
	deliveryStats DeliveryStatsFunc
	logger        *zap.Logger
}

// NewHandler creates a new audit Handler.
func NewHandler(svc *Service, verifier auth.Verifier, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, verifier: verifier, logger: logger}
}

// SetDeliveryStats adds webhook delivery counts to /audit/stats.
func (h *Handler) SetDeliveryStats(fn DeliveryStatsFunc) {
	h.deliveryStats = fn
}

// Register registers the audit routes on the given router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/audit")
	if h.verifier != nil {
		a.Use(auth.RequireSession(h.verifier))
	}
	{
		a.GET("/events", h.ListEvents)
		a.GET("/trail/:aggregateId", h.Trail)
		a.GET("/stats", h.Stats)
		a.GET("/changes/:table/:recordId", h.Changes)
		a.GET("/snapshots/:aggregateId", h.LatestSnapshot)
	}
}

func orgFromCtx(c *gin.Context) (string, bool) {
	claims := auth.ClaimsFromCtx(c)
	if claims == nil || claims.OrgID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "organization session required"})
		return "", false
	}
	return claims.OrgID, true
}

func parseTime(c *gin.Context, key string) (time.Time, bool) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": key + " must be an RFC 3339 timestamp"})
		return time.Time{}, false
	}
	return t.UTC(), true
}

// parseQuery reads limit, offset, start, end, actor_id, event_type and
// aggregate_type. event_type and aggregate_type may repeat.
func parseQuery(c *gin.Context) (Query, bool) {
	var q Query
	q.Limit, _ = strconv.Atoi(c.Query("limit"))
	q.Offset, _ = strconv.Atoi(c.Query("offset"))

	var ok bool
	if q.Start, ok = parseTime(c, "start"); !ok {
		return q, false
	}
	if q.End, ok = parseTime(c, "end"); !ok {
		return q, false
	}
	q.ActorID = c.Query("actor_id")
	q.EventTypes = c.QueryArray("event_type")
	q.AggregateTypes = c.QueryArray("aggregate_type")
	return q.normalized(), true
}

// ListEvents handles GET /audit/events.
func (h *Handler) ListEvents(c *gin.Context) {
	orgID, ok := orgFromCtx(c)
	if !ok {
		return
	}
	q, ok := parseQuery(c)
	if !ok {
		return
	}

	events, err := h.svc.GetOrganizationAuditEvents(c.Request.Context(), orgID, q)
	if err != nil {
		h.logger.Error("list audit events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list audit events"})
		return
	}
	if events == nil {
		events = []*Event{}
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
		"limit":  q.Limit,
		"offset": q.Offset,
	})
}

// Trail handles GET /audit/trail/:aggregateId.
func (h *Handler) Trail(c *gin.Context) {
	orgID, ok := orgFromCtx(c)
	if !ok {
		return
	}
	q, ok := parseQuery(c)
	if !ok {
		return
	}

	events, err := h.svc.GetAuditTrail(c.Request.Context(), orgID, c.Param("aggregateId"), q)
	if err != nil {
		h.logger.Error("audit trail", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load audit trail"})
		return
	}
	if events == nil {
		events = []*Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// Stats handles GET /audit/stats. The window defaults to the last 7 days.
func (h *Handler) Stats(c *gin.Context) {
	orgID, ok := orgFromCtx(c)
	if !ok {
		return
	}
	start, ok := parseTime(c, "start")
	if !ok {
		return
	}
	end, ok := parseTime(c, "end")
	if !ok {
		return
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}
	if start.IsZero() {
		start = end.Add(-defaultStatsWindow)
	}
	if start.After(end) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start must not be after end"})
		return
	}

	stats, err := h.svc.GetAuditStats(c.Request.Context(), orgID, start, end)
	if err != nil {
		h.logger.Error("audit stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load audit stats"})
		return
	}

	resp := gin.H{
		"period": gin.H{"start": start, "end": end},
		"auditStats": gin.H{
			"eventTypes": stats.EventTypes,
			"actorTypes": stats.ActorTypes,
			"total":      stats.Total(),
		},
	}

	if h.deliveryStats != nil {
		byStatus, err := h.deliveryStats(c.Request.Context(), orgID, start, end)
		if err != nil {
			h.logger.Error("webhook delivery stats", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load webhook stats"})
			return
		}
		total := 0
		for _, n := range byStatus {
			total += n
		}
		rate := 0.0
		if total > 0 {
			rate = float64(byStatus["success"]) / float64(total) * 100
		}
		resp["webhookStats"] = gin.H{
			"byStatus":    byStatus,
			"total":       total,
			"successRate": rate,
		}
	}

	c.JSON(http.StatusOK, resp)
}

// Changes handles GET /audit/changes/:table/:recordId.
func (h *Handler) Changes(c *gin.Context) {
	orgID, ok := orgFromCtx(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	changes, err := h.svc.ChangeHistory(c.Request.Context(), orgID, c.Param("table"), c.Param("recordId"), limit)
	if err != nil {
		h.logger.Error("change history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load change history"})
		return
	}
	if changes == nil {
		changes = []*Change{}
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes, "count": len(changes)})
}

// LatestSnapshot handles GET /audit/snapshots/:aggregateId.
func (h *Handler) LatestSnapshot(c *gin.Context) {
	orgID, ok := orgFromCtx(c)
	if !ok {
		return
	}

	snap, err := h.svc.LatestSnapshot(c.Request.Context(), orgID, c.Param("aggregateId"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
		return
	}
	if err != nil {
		h.logger.Error("latest snapshot", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load snapshot"})
		return
	}
	c.JSON(http.StatusOK, snap)
}
