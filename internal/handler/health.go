package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"correlation-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints on the admin listener.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version and the resolved forwarding variables.
// status is "degraded" while a required variable is missing.
func (h *HealthHandler) Status(c echo.Context) error {
	origin, originErr := h.cfg.Variables.Get(config.VarOrigin)
	headerName, headerErr := h.cfg.Variables.Get(config.VarHeaderName)

	status := "ok"
	if originErr != nil || headerErr != nil {
		status = "degraded"
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status":      status,
		"version":     string(h.version),
		"origin":      origin,
		"header_name": headerName,
	})
}
