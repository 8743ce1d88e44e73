package handler

import (
	"context"
	"net/http"
	"strconv"

	"calsync/internal/engine"
	"calsync/internal/middleware"
	"calsync/pkg/logger"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// PanelService is the engine surface the panel handler drives.
type PanelService interface {
	Panel(ctx context.Context, principalID uint, dealID int64) ([]engine.PanelEntry, error)
	MarkAttendance(ctx context.Context, principalID uint, uri string, noShow bool) (*engine.Outcome, error)
}

// PanelHandler serves the deal-side booking panel.
type PanelHandler struct {
	service PanelService
}

// NewPanelHandler wires the handler.
func NewPanelHandler(service PanelService) *PanelHandler {
	return &PanelHandler{service: service}
}

// Panel returns the activities on a deal joined with their booking state.
func (h *PanelHandler) Panel(c echo.Context) error {
	user, authorized := middleware.CurrentUser(c)
	if !authorized {
		return fail(c, http.StatusUnauthorized, "authentication required")
	}

	dealID, err := strconv.ParseInt(c.QueryParam("deal_id"), 10, 64)
	if err != nil || dealID <= 0 {
		return fail(c, http.StatusBadRequest, "deal_id must be a positive integer")
	}

	entries, err := h.service.Panel(c.Request().Context(), user.ID, dealID)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, http.StatusOK, entries)
}

type attendanceRequest struct {
	URI    string `json:"uri"`
	NoShow bool   `json:"no_show"`
}

// MarkAttendance flags or clears a no-show on a booking.
func (h *PanelHandler) MarkAttendance(c echo.Context) error {
	user, authorized := middleware.CurrentUser(c)
	if !authorized {
		return fail(c, http.StatusUnauthorized, "authentication required")
	}

	var req attendanceRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	if req.URI == "" {
		return fail(c, http.StatusBadRequest, "uri is required")
	}

	out, err := h.service.MarkAttendance(c.Request().Context(), user.ID, req.URI, req.NoShow)
	if err != nil {
		return failErr(c, err)
	}

	logger.FromContext(c).Info("attendance updated",
		zap.Uint("user_id", user.ID),
		zap.String("uri", req.URI),
		zap.Bool("no_show", req.NoShow))
	return ok(c, http.StatusOK, out)
}
