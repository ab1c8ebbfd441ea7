package handlers

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/outpostai/outpost/internal/router"
	"github.com/outpostai/outpost/internal/session"
)

// MessageHandler exposes outbound sending and session lookups.
type MessageHandler struct {
	router *router.Router
}

// NewMessageHandler builds the message handler.
func NewMessageHandler(r *router.Router) *MessageHandler {
	return &MessageHandler{router: r}
}

// Register mounts the message and session routes.
func (h *MessageHandler) Register(e *echo.Echo) {
	e.POST("/messages/send", h.Send)
	e.GET("/connections/:id/sessions", h.ListSessions)
}

type sendRequest struct {
	Channel     string         `json:"channel"`
	RecipientID string         `json:"recipient_id"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Send delivers a message over one channel, or over every connected
// channel when channel is "all".
func (h *MessageHandler) Send(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Channel) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channel is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	results := h.router.Send(c.Request().Context(), req.Channel, req.RecipientID, req.Content, req.Metadata)
	return c.JSON(http.StatusOK, results)
}

// ListSessions returns the sender-to-session mappings for a connection.
func (h *MessageHandler) ListSessions(c echo.Context) error {
	mappings, err := h.router.Mapper().ListByConnection(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if mappings == nil {
		mappings = []session.Mapping{}
	}
	return c.JSON(http.StatusOK, mappings)
}
