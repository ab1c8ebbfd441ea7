// Package handlers exposes the HTTP API. Each handler registers its own
// routes on the shared echo instance.
package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/outpostai/outpost/internal/channel"
)

// ChannelHandler manages channel connections over HTTP.
type ChannelHandler struct {
	registry *channel.Registry
}

// NewChannelHandler builds the channel connection handler.
func NewChannelHandler(registry *channel.Registry) *ChannelHandler {
	return &ChannelHandler{registry: registry}
}

// Register mounts the channel routes.
func (h *ChannelHandler) Register(e *echo.Echo) {
	group := e.Group("/channels")
	group.GET("", h.List)
	group.GET("/:type", h.Status)
	group.POST("/:type/enable", h.Enable)
	group.POST("/:type/disable", h.Disable)
	group.POST("/:type/logout", h.Logout)
	group.GET("/:type/auth", h.RequestAuth)
}

type enableRequest struct {
	AuthState map[string]any `json:"auth_state"`
}

func (h *ChannelHandler) parseType(c echo.Context) (channel.Type, error) {
	t, ok := channel.ParseType(c.Param("type"))
	if !ok {
		return "", echo.NewHTTPError(http.StatusBadRequest, "unknown channel type: "+c.Param("type"))
	}
	return t, nil
}

// List returns every stored channel connection.
func (h *ChannelHandler) List(c echo.Context) error {
	conns, err := h.registry.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if conns == nil {
		conns = []channel.Connection{}
	}
	return c.JSON(http.StatusOK, conns)
}

// Status returns one channel's connection state.
func (h *ChannelHandler) Status(c echo.Context) error {
	t, err := h.parseType(c)
	if err != nil {
		return err
	}
	conn, err := h.registry.Status(c.Request().Context(), t)
	if err != nil {
		if errors.Is(err, channel.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, conn)
}

// Enable stores credentials and starts the channel's adapter.
func (h *ChannelHandler) Enable(c echo.Context) error {
	t, err := h.parseType(c)
	if err != nil {
		return err
	}
	var req enableRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	conn, err := h.registry.Enable(c.Request().Context(), t, channel.AuthState(req.AuthState))
	if err != nil {
		if errors.Is(err, channel.ErrUnknownType) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, conn)
}

// Disable stops the channel's adapter.
func (h *ChannelHandler) Disable(c echo.Context) error {
	t, err := h.parseType(c)
	if err != nil {
		return err
	}
	conn, err := h.registry.Disable(c.Request().Context(), t)
	if err != nil {
		if errors.Is(err, channel.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, conn)
}

// Logout ends the platform session and wipes stored credentials.
func (h *ChannelHandler) Logout(c echo.Context) error {
	t, err := h.parseType(c)
	if err != nil {
		return err
	}
	conn, err := h.registry.Logout(c.Request().Context(), t)
	if err != nil {
		if errors.Is(err, channel.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, conn)
}

// RequestAuth returns the pairing challenge for QR-based channels.
func (h *ChannelHandler) RequestAuth(c echo.Context) error {
	t, err := h.parseType(c)
	if err != nil {
		return err
	}
	challenge, err := h.registry.RequestAuth(c.Request().Context(), t)
	if err != nil {
		if errors.Is(err, channel.ErrUnsupported) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if errors.Is(err, channel.ErrNotConnected) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, challenge)
}
