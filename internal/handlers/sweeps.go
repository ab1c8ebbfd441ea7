package handlers

import (
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/outpostai/outpost/internal/sweep"
)

// SweepHandler exposes the sweep ledger.
type SweepHandler struct {
	store sweep.Store
}

// NewSweepHandler builds the sweep handler.
func NewSweepHandler(store sweep.Store) *SweepHandler {
	return &SweepHandler{store: store}
}

// Register mounts the sweep routes.
func (h *SweepHandler) Register(e *echo.Echo) {
	e.GET("/sweeps/:type", h.GetLast)
	e.POST("/sweeps/:type", h.Record)
}

// GetLast returns the most recent run of a sweep type. A sweep that never
// ran answers 404 so callers cannot mistake "never" for "recently".
func (h *SweepHandler) GetLast(c echo.Context) error {
	sweepType := c.Param("type")
	if !slices.Contains(sweep.Types(), sweepType) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown sweep type: "+sweepType)
	}
	run, err := h.store.GetLast(c.Request().Context(), sweepType)
	if err != nil {
		if errors.Is(err, sweep.ErrNoRun) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, run)
}

type recordSweepRequest struct {
	RanAt   *time.Time `json:"ran_at,omitempty"`
	Summary string     `json:"summary,omitempty"`
}

// Record upserts the latest run of a sweep type.
func (h *SweepHandler) Record(c echo.Context) error {
	sweepType := c.Param("type")
	if !slices.Contains(sweep.Types(), sweepType) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown sweep type: "+sweepType)
	}
	var req recordSweepRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	run := sweep.Run{Type: sweepType, Summary: req.Summary}
	if req.RanAt != nil {
		run.RanAt = *req.RanAt
	}
	if err := h.store.Record(c.Request().Context(), run); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	stored, err := h.store.GetLast(c.Request().Context(), sweepType)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stored)
}
