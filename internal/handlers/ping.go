package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// PingHandler answers health checks.
type PingHandler struct{}

// NewPingHandler builds the health check handler.
func NewPingHandler() *PingHandler {
	return &PingHandler{}
}

// Register mounts the ping route.
func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
}
