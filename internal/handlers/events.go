package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/outpostai/outpost/internal/followup"
)

// EventHandler exposes the actionable event backlog.
type EventHandler struct {
	service *followup.Service
}

// NewEventHandler builds the event handler.
func NewEventHandler(service *followup.Service) *EventHandler {
	return &EventHandler{service: service}
}

// Register mounts the event routes.
func (h *EventHandler) Register(e *echo.Echo) {
	group := e.Group("/events")
	group.POST("", h.Create)
	group.GET("", h.List)
	group.GET("/stats", h.Stats)
	group.GET("/:id", h.Get)
	group.PATCH("/:id", h.Update)
}

// Create records a new actionable event.
func (h *EventHandler) Create(c echo.Context) error {
	var input followup.CreateInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	event, err := h.service.Create(c.Request().Context(), input)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, event)
}

// List returns events, optionally filtered by status and channel.
func (h *EventHandler) List(c echo.Context) error {
	filter := followup.Filter{
		Status:  c.QueryParam("status"),
		Channel: c.QueryParam("channel"),
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		filter.Limit = limit
	}
	events, err := h.service.List(c.Request().Context(), filter)
	if err != nil {
		if errors.Is(err, followup.ErrInvalidStatus) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if events == nil {
		events = []followup.Event{}
	}
	return c.JSON(http.StatusOK, events)
}

// Get returns one event by ID.
func (h *EventHandler) Get(c echo.Context) error {
	event, err := h.service.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, followup.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, event)
}

// Update changes an event's status and/or linked task.
func (h *EventHandler) Update(c echo.Context) error {
	var input followup.UpdateInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	event, err := h.service.Update(c.Request().Context(), c.Param("id"), input)
	if err != nil {
		switch {
		case errors.Is(err, followup.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, followup.ErrInvalidStatus):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, event)
}

// Stats returns the aggregated backlog report.
func (h *EventHandler) Stats(c echo.Context) error {
	stats, err := h.service.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}
