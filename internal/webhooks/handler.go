package webhooks

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/auditrelay/internal/audit"
	"github.com/jmerrifield20/auditrelay/internal/auth"
	"go.uber.org/zap"
)

// SystemOrganization is the organization system-wide jobs are audited under.
const SystemOrganization = "system"

// AuditRecorder records the audit trail of webhook management.
// *audit.Service implements it.
type AuditRecorder interface {
	RecordUserAction(ctx context.Context, actx audit.Context, action, resourceType, resourceID string, details map[string]any) (uuid.UUID, error)
	RecordSystemEvent(ctx context.Context, orgID, eventType string, data, metadata map[string]any) (uuid.UUID, error)
}

// Handler handles HTTP requests for webhook endpoints and deliveries.
type Handler struct {
	svc      *Service
	verifier auth.Verifier
	recorder AuditRecorder
	logger   *zap.Logger
}

// NewHandler creates a new webhook Handler. recorder may be nil.
func NewHandler(svc *Service, verifier auth.Verifier, recorder AuditRecorder, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, verifier: verifier, recorder: recorder, logger: logger}
}

// Register registers all webhook routes on the given router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	wh := rg.Group("/webhooks")
	wh.Use(h.requireSession())
	{
		wh.POST("", h.requireManager(), h.CreateEndpoint)
		wh.GET("", h.ListEndpoints)
		wh.GET("/:id", h.GetEndpoint)
		wh.PATCH("/:id", h.requireManager(), h.UpdateEndpoint)
		wh.DELETE("/:id", h.requireManager(), h.DeleteEndpoint)
		wh.POST("/:id/regenerate-secret", h.requireManager(), h.RegenerateSecret)
		wh.GET("/:id/deliveries", h.ListDeliveries)
		wh.POST("/:id/deliveries/:deliveryId/retry", h.requireManager(), h.RetryDelivery)
	}
}

func (h *Handler) requireSession() gin.HandlerFunc {
	if h.verifier == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return auth.RequireSession(h.verifier)
}

// requireManager rejects sessions whose role may not change webhooks.
func (h *Handler) requireManager() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := auth.ClaimsFromCtx(c)
		if claims == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session required"})
			return
		}
		if !claims.CanManageWebhooks() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "only organization owners and admins can manage webhooks"})
			return
		}
		c.Next()
	}
}

// sessionOrg returns the caller's claims or writes a 401.
func sessionOrg(c *gin.Context) (*auth.Claims, bool) {
	claims := auth.ClaimsFromCtx(c)
	if claims == nil || claims.OrgID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "organization session required"})
		return nil, false
	}
	return claims, true
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + param})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
	case errors.Is(err, ErrInvalidEndpoint):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrDuplicateName):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNotRetryable), errors.Is(err, ErrAlreadyClaimed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to " + op})
	}
}

// recordAction writes a user.<action> audit event. Failures are logged only.
func (h *Handler) recordAction(c *gin.Context, claims *auth.Claims, action string, id uuid.UUID, details map[string]any) {
	if h.recorder == nil {
		return
	}
	actx := audit.NewContext(claims.OrgID, claims.UserID,
		audit.WithSession(claims.SessionID),
		audit.WithRequest(c.ClientIP(), c.Request.UserAgent()),
	)
	if _, err := h.recorder.RecordUserAction(c.Request.Context(), actx, action, "webhook_endpoint", id.String(), details); err != nil {
		h.logger.Warn("webhook: audit user action", zap.String("action", action), zap.Error(err))
	}
}

// CreateEndpoint handles POST /webhooks.
func (h *Handler) CreateEndpoint(c *gin.Context) {
	claims, ok := sessionOrg(c)
	if !ok {
		return
	}

	var req CreateEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ep, secret, err := h.svc.CreateEndpoint(c.Request.Context(), claims.OrgID, claims.UserID, req)
	if err != nil {
		h.writeError(c, "create webhook", err)
		return
	}

	h.recordAction(c, claims, "create_webhook", ep.ID, map[string]any{
		"name":        ep.Name,
		"url":         ep.URL,
		"event_types": ep.EventTypes,
	})

	// Return the secret once so the caller can store it.
	c.JSON(http.StatusCreated, gin.H{
		"endpoint": ep,
		"secret":   secret,
		"note":     "Store the secret securely. It will not be shown again.",
	})
}

// ListEndpoints handles GET /webhooks.
func (h *Handler) ListEndpoints(c *gin.Context) {
	claims, ok := sessionOrg(c)
	if !ok {
		return
	}

	eps, err := h.svc.ListEndpoints(c.Request.Context(), claims.OrgID)
	if err != nil {
		h.writeError(c, "list webhooks", err)
		return
	}
	if eps == nil {
		eps = []*Endpoint{}
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": eps, "count": len(eps)})
}

// GetEndpoint handles GET /webhooks/:id.
func (h *Handler) GetEndpoint(c *gin.Context) {
	claims, ok := sessionOrg(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	ep, err := h.svc.GetEndpoint(c.Request.Context(), claims.OrgID, id)
	if err != nil {
		h.writeError(c, "get webhook", err)
		return
	}
	c.JSON(http.StatusOK, ep)
}

// UpdateEndpoint handles PATCH /webhooks/:id.
func (h *Handler) UpdateEndpoint(c *gin.Context) {
	claims, ok := sessionOrg(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req UpdateEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ep, err := h.svc.UpdateEndpoint(c.Request.Context(), claims.OrgID, id, req)
	if err != nil {
		h.writeError(c, "update webhook", err)
		return
	}

	h.recordAction(c, claims, "update_webhook", ep.ID, map[string]any{
		"name":      ep.Name,
		"is_active": ep.IsActive,
	})
	c.JSON(http.StatusOK, ep)
}

// DeleteEndpoint handles DELETE /webhooks/:id.
func (h *Handler) DeleteEndpoint(c *gin.Context) {
	claims, ok := sessionOrg(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.svc.DeleteEndpoint(c.Request.Context(), claims.OrgID, id); err != nil {
		h.writeError(c, "delete webhook", err)
		return
	}

	h.recordAction(c, claims, "delete_webhook", id, nil)
	c.Status(http.StatusNoContent)
}

// RegenerateSecret handles POST /webhooks/:id/regenerate-secret.
func (h *Handler) RegenerateSecret(c *gin.Context) {
	claims, ok := sessionOrg(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	secret, err := h.svc.RegenerateSecret(c.Request.Context(), claims.OrgID, id)
	if err != nil {
		h.writeError(c, "regenerate secret", err)
		return
	}

	h.recordAction(c, claims, "regenerate_webhook_secret", id, nil)
	c.JSON(http.StatusOK, gin.H{
		"secret": secret,
		"note":   "Store the secret securely. It will not be shown again.",
	})
}

// ListDeliveries handles GET /webhooks/:id/deliveries?limit=N.
func (h *Handler) ListDeliveries(c *gin.Context) {
	claims, ok := sessionOrg(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	ds, err := h.svc.ListDeliveries(c.Request.Context(), claims.OrgID, id, limit)
	if err != nil {
		h.writeError(c, "list deliveries", err)
		return
	}
	if ds == nil {
		ds = []*Delivery{}
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": ds, "count": len(ds)})
}

// RetryDelivery handles POST /webhooks/:id/deliveries/:deliveryId/retry.
func (h *Handler) RetryDelivery(c *gin.Context) {
	claims, ok := sessionOrg(c)
	if !ok {
		return
	}
	endpointID, ok := parseID(c, "id")
	if !ok {
		return
	}
	deliveryID, ok := parseID(c, "deliveryId")
	if !ok {
		return
	}

	d, err := h.svc.GetDelivery(c.Request.Context(), deliveryID)
	if err != nil {
		h.writeError(c, "retry delivery", err)
		return
	}
	if d.OrganizationID != claims.OrgID || d.EndpointID != endpointID {
		h.writeError(c, "retry delivery", ErrNotFound)
		return
	}

	status, err := h.svc.RetryDelivery(c.Request.Context(), deliveryID)
	if err != nil {
		h.writeError(c, "retry delivery", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": deliveryID, "status": status})
}

// ── Cron ─────────────────────────────────────────────────────────────────────

// CronHandler exposes the retry sweep to an external scheduler.
type CronHandler struct {
	svc      *Service
	secret   string
	recorder AuditRecorder
	logger   *zap.Logger
}

// NewCronHandler creates a CronHandler. Requests must carry secret as a
// Bearer token; an empty secret disables the route.
func NewCronHandler(svc *Service, secret string, recorder AuditRecorder, logger *zap.Logger) *CronHandler {
	return &CronHandler{svc: svc, secret: secret, recorder: recorder, logger: logger}
}

// Register registers the cron routes on the given router group.
func (h *CronHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/cron/webhook-retries", auth.RequireSecret(h.secret), h.ProcessRetries)
}

// ProcessRetries handles POST /cron/webhook-retries.
func (h *CronHandler) ProcessRetries(c *gin.Context) {
	start := time.Now()
	report, err := h.svc.ProcessPendingRetries(c.Request.Context())
	elapsed := time.Since(start)

	if err != nil {
		h.logger.Error("cron: webhook retries", zap.Error(err))
		h.record(c, "webhook_retry_job_failed", map[string]any{
			"error":       err.Error(),
			"duration_ms": elapsed.Milliseconds(),
		})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process webhook retries"})
		return
	}

	h.record(c, "webhook_retry_job_completed", map[string]any{
		"report":      report,
		"duration_ms": elapsed.Milliseconds(),
	})
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"report":      report,
		"duration_ms": elapsed.Milliseconds(),
		"timestamp":   time.Now().UTC(),
	})
}

func (h *CronHandler) record(c *gin.Context, eventType string, data map[string]any) {
	if h.recorder == nil {
		return
	}
	meta := map[string]any{"job_type": "cron", "triggered_by": "scheduler"}
	if _, err := h.recorder.RecordSystemEvent(c.Request.Context(), SystemOrganization, eventType, data, meta); err != nil {
		h.logger.Warn("cron: audit system event", zap.String("event_type", eventType), zap.Error(err))
	}
}
