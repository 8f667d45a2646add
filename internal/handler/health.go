package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"portin-relay/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// PublicURLSource reports the public tunnel URL, empty while no tunnel is open.
type PublicURLSource interface {
	PublicURL() string
}

// HealthHandler serves health and status endpoints on the admin listener.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	tunnel  PublicURLSource
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, tunnel PublicURLSource) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, tunnel: tunnel}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns relay status information.
func (h *HealthHandler) Status(c echo.Context) error {
	publicURL := ""
	if h.tunnel != nil {
		publicURL = h.tunnel.PublicURL()
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":       "ok",
		"version":      string(h.version),
		"upstream_url": h.cfg.Upstream.BaseURL,
		"forward_url":  h.cfg.Upstream.ForwardURL(),
		"public_url":   publicURL,
	})
}
