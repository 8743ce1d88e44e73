package handler

import (
	"net/http"

	"calsync/internal/engine"
	"calsync/internal/middleware"
	"calsync/internal/model"
	"calsync/internal/store"
	"calsync/pkg/logger"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// ConfigHandler serves the tenant's mapping configuration API: catalogs plus
// the event-type-to-activity-type mappings per transition.
type ConfigHandler struct {
	mappings *store.MappingStore
}

// NewConfigHandler wires the handler.
func NewConfigHandler(mappings *store.MappingStore) *ConfigHandler {
	return &ConfigHandler{mappings: mappings}
}

type createMappingRequest struct {
	EventTypeID    uint   `json:"event_type_id"`
	TransitionKind string `json:"transition_kind"`
	ActivityTypeID uint   `json:"activity_type_id"`
}

// ListMappings returns the tenant's configured mappings.
func (h *ConfigHandler) ListMappings(c echo.Context) error {
	user, authorized := middleware.CurrentUser(c)
	if !authorized {
		return fail(c, http.StatusUnauthorized, "authentication required")
	}
	mappings, err := h.mappings.ListMappings(c.Request().Context(), user.TenantID)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, http.StatusOK, mappings)
}

// CreateMapping configures one (event type, transition) to activity type rule.
func (h *ConfigHandler) CreateMapping(c echo.Context) error {
	user, authorized := middleware.CurrentUser(c)
	if !authorized {
		return fail(c, http.StatusUnauthorized, "authentication required")
	}

	var req createMappingRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	if req.EventTypeID == 0 || req.ActivityTypeID == 0 {
		return fail(c, http.StatusBadRequest, "event_type_id and activity_type_id are required")
	}
	if !engine.ValidTransitionKind(req.TransitionKind) {
		return fail(c, http.StatusBadRequest, "unknown transition_kind: "+req.TransitionKind)
	}

	mapping := &model.EventTypeMapping{
		TenantID:       user.TenantID,
		EventTypeID:    req.EventTypeID,
		TransitionKind: req.TransitionKind,
		ActivityTypeID: req.ActivityTypeID,
	}
	if err := h.mappings.CreateMapping(c.Request().Context(), mapping); err != nil {
		return failErr(c, err)
	}

	logger.FromContext(c).Info("mapping created",
		zap.Uint("tenant_id", user.TenantID),
		zap.Uint("event_type_id", req.EventTypeID),
		zap.String("transition_kind", req.TransitionKind),
		zap.Uint("activity_type_id", req.ActivityTypeID))
	return ok(c, http.StatusCreated, mapping)
}

// ListEventTypes returns the tenant's synced event type catalog.
func (h *ConfigHandler) ListEventTypes(c echo.Context) error {
	user, authorized := middleware.CurrentUser(c)
	if !authorized {
		return fail(c, http.StatusUnauthorized, "authentication required")
	}
	types, err := h.mappings.ListEventTypes(c.Request().Context(), user.TenantID)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, http.StatusOK, types)
}

// ListActivityTypes returns the tenant's synced activity type catalog.
func (h *ConfigHandler) ListActivityTypes(c echo.Context) error {
	user, authorized := middleware.CurrentUser(c)
	if !authorized {
		return fail(c, http.StatusUnauthorized, "authentication required")
	}
	types, err := h.mappings.ListActivityTypes(c.Request().Context(), user.TenantID)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, http.StatusOK, types)
}
