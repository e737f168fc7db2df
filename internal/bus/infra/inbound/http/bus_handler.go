package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/davicafu/eventlab/internal/bus/application"
	"github.com/davicafu/eventlab/internal/bus/domain"
	"github.com/davicafu/eventlab/pkg/utils"
)

// BusHandler encapsula los endpoints HTTP del bus de eventos
type BusHandler struct {
	service *application.BusService

	// adminToken habilita operaciones entre tenants (estadísticas globales,
	// suscripciones globales). Vacío = deshabilitadas.
	adminToken string
}

// NewBusHandler crea un nuevo BusHandler
func NewBusHandler(service *application.BusService, adminToken string) *BusHandler {
	return &BusHandler{service: service, adminToken: adminToken}
}

// tenantID extrae el tenant del header o del query param. Todas las
// operaciones de lectura lo exigen; ver domain.ErrTenantRequired.
func tenantID(c *gin.Context) string {
	if t := c.GetHeader("X-Tenant-ID"); t != "" {
		return t
	}
	return c.Query("tenant_id")
}

func (h *BusHandler) isAdmin(c *gin.Context) bool {
	return h.adminToken != "" && c.GetHeader("X-Admin-Token") == h.adminToken
}

func writeDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrTenantRequired),
		errors.Is(err, domain.ErrInvalidEvent),
		errors.Is(err, domain.ErrInvalidSubscription):
		utils.SendBadRequest(c, err.Error())
	case errors.Is(err, domain.ErrEventNotFound),
		errors.Is(err, domain.ErrSubscriptionNotFound):
		utils.SendNotFound(c, err.Error())
	default:
		utils.SendInternalServerError(c, err.Error())
	}
}

// ---------------- Handlers ----------------

// PublishEvent endpoint POST /events
func (h *BusHandler) PublishEvent(c *gin.Context) {
	var req struct {
		TenantID       string                 `json:"tenant_id"`
		EventType      string                 `json:"event_type" binding:"required"`
		SourceService  string                 `json:"source_service" binding:"required"`
		Data           map[string]interface{} `json:"data" binding:"required"`
		Metadata       map[string]interface{} `json:"metadata,omitempty"`
		Priority       string                 `json:"priority,omitempty"`
		Category       string                 `json:"category,omitempty"`
		EventVersion   int                    `json:"event_version,omitempty"`
		CorrelationID  string                 `json:"correlation_id,omitempty"`
		CausationID    string                 `json:"causation_id,omitempty"`
		AggregateID    string                 `json:"aggregate_id,omitempty"`
		AggregateType  string                 `json:"aggregate_type,omitempty"`
		TargetServices []string               `json:"target_services,omitempty"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}

	tenant := req.TenantID
	if tenant == "" {
		tenant = tenantID(c)
	}

	evt, err := h.service.PublishEvent(c.Request.Context(), application.PublishParams{
		TenantID:       tenant,
		EventType:      req.EventType,
		SourceService:  req.SourceService,
		Data:           req.Data,
		Metadata:       req.Metadata,
		Priority:       domain.Priority(req.Priority),
		Category:       domain.Category(req.Category),
		EventVersion:   req.EventVersion,
		CorrelationID:  req.CorrelationID,
		CausationID:    req.CausationID,
		AggregateID:    req.AggregateID,
		AggregateType:  req.AggregateType,
		TargetServices: req.TargetServices,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"event_id": evt.ID, "status": evt.Status})
}

// Subscribe endpoint POST /subscriptions
func (h *BusHandler) Subscribe(c *gin.Context) {
	var req struct {
		EventType   string          `json:"event_type" binding:"required"`
		ServiceName string          `json:"service_name" binding:"required"`
		TenantID    string          `json:"tenant_id,omitempty"`
		Filters     []domain.Filter `json:"filters,omitempty"`
		WebhookURL  string          `json:"webhook_url,omitempty"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}

	// Una suscripción sin tenant recibe eventos de todos los tenants:
	// reservada a servicios de plataforma.
	if req.TenantID == "" && !h.isAdmin(c) {
		utils.SendForbidden(c, "global subscriptions require admin token")
		return
	}

	sub, err := h.service.Subscribe(c.Request.Context(), req.EventType, req.ServiceName, req.TenantID, req.Filters, req.WebhookURL)
	if err != nil {
		writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sub)
}

// Unsubscribe endpoint DELETE /subscriptions/:id
func (h *BusHandler) Unsubscribe(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.SendBadRequest(c, "invalid subscription id")
		return
	}

	removed, err := h.service.Unsubscribe(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if !removed {
		utils.SendNotFound(c, "subscription not found")
		return
	}

	c.Status(http.StatusNoContent)
}

// GetEvent endpoint GET /events/:id
func (h *BusHandler) GetEvent(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.SendBadRequest(c, "invalid event id")
		return
	}

	evt, err := h.service.GetEvent(c.Request.Context(), tenantID(c), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, evt)
}

// GetEventHistory endpoint GET /events
func (h *BusHandler) GetEventHistory(c *gin.Context) {
	var f domain.EventFilter

	// --- Filtros desde query params ---
	if types := c.Query("event_types"); types != "" {
		f.EventTypes = strings.Split(types, ",")
	}
	if v := c.Query("aggregate_id"); v != "" {
		f.AggregateID = &v
	}
	if v := c.Query("aggregate_type"); v != "" {
		f.AggregateType = &v
	}
	if v := c.Query("correlation_id"); v != "" {
		f.CorrelationID = &v
	}
	if v := c.Query("status"); v != "" {
		st := domain.Status(v)
		f.Status = &st
	}
	if from, ok := parseTimeQuery(c, "from"); ok {
		f.From = &from
	}
	if to, ok := parseTimeQuery(c, "to"); ok {
		f.To = &to
	}

	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Pagination.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Pagination.Offset = n
		}
	}

	// --- Sort ---
	if field := c.Query("sort_field"); field != "" {
		f.Sort.Field = field
		f.Sort.Desc = c.Query("sort_desc") != "false"
	}

	events, err := h.service.GetEventHistory(c.Request.Context(), tenantID(c), f)
	if err != nil {
		writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GetEventsByAggregate endpoint GET /events/aggregate/:aggregate_id
func (h *BusHandler) GetEventsByAggregate(c *gin.Context) {
	events, err := h.service.GetEventsByAggregate(c.Request.Context(), tenantID(c), c.Param("aggregate_id"), c.Query("aggregate_type"))
	if err != nil {
		writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GetCorrelationChain endpoint GET /events/correlation/:correlation_id
func (h *BusHandler) GetCorrelationChain(c *gin.Context) {
	events, err := h.service.GetCorrelationChain(c.Request.Context(), tenantID(c), c.Param("correlation_id"))
	if err != nil {
		writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GetFailedEvents endpoint GET /events/failed
func (h *BusHandler) GetFailedEvents(c *gin.Context) {
	if !h.isAdmin(c) {
		utils.SendForbidden(c, "admin token required")
		return
	}

	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	events, err := h.service.GetFailedEvents(c.Request.Context(), limit)
	if err != nil {
		writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// ReplayEvents endpoint POST /events/replay
func (h *BusHandler) ReplayEvents(c *gin.Context) {
	var req struct {
		TenantID      string   `json:"tenant_id"`
		EventTypes    []string `json:"event_types,omitempty"`
		From          string   `json:"from" binding:"required"`
		To            string   `json:"to,omitempty"`
		TargetService string   `json:"target_service" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}

	from, err := time.Parse(time.RFC3339, req.From)
	if err != nil {
		utils.SendBadRequest(c, "invalid from timestamp, use RFC3339")
		return
	}

	var to *time.Time
	if req.To != "" {
		t, err := time.Parse(time.RFC3339, req.To)
		if err != nil {
			utils.SendBadRequest(c, "invalid to timestamp, use RFC3339")
			return
		}
		to = &t
	}

	tenant := req.TenantID
	if tenant == "" {
		tenant = tenantID(c)
	}

	replayed, err := h.service.ReplayEvents(c.Request.Context(), tenant, req.EventTypes, from, to, req.TargetService)
	if err != nil {
		writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"replayed": replayed, "target_service": req.TargetService})
}

// GetEventStatistics endpoint GET /events/statistics
func (h *BusHandler) GetEventStatistics(c *gin.Context) {
	var tr domain.TimeRange
	if from, ok := parseTimeQuery(c, "from"); ok {
		tr.From = &from
	}
	if to, ok := parseTimeQuery(c, "to"); ok {
		tr.To = &to
	}

	allTenants := c.Query("all_tenants") == "true"
	if allTenants && !h.isAdmin(c) {
		utils.SendForbidden(c, "cross-tenant statistics require admin token")
		return
	}

	stats, err := h.service.GetEventStatistics(c.Request.Context(), tenantID(c), tr, allTenants)
	if err != nil {
		writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetSubscriptionStatistics endpoint GET /subscriptions/statistics
func (h *BusHandler) GetSubscriptionStatistics(c *gin.Context) {
	stats, err := h.service.SubscriptionStatistics(c.Request.Context())
	if err != nil {
		writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// Health endpoint GET /health
func (h *BusHandler) Health(c *gin.Context) {
	status, components := h.service.Health(c.Request.Context())

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// GetMetrics endpoint GET /metrics
func (h *BusHandler) GetMetrics(c *gin.Context) {
	snap, err := h.service.GetMetrics(c.Request.Context())
	if err != nil {
		utils.SendInternalServerError(c, err.Error())
		return
	}

	c.JSON(http.StatusOK, snap)
}

func parseTimeQuery(c *gin.Context, name string) (time.Time, bool) {
	v := c.Query(name)
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
