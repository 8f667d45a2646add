package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"portin-relay/internal/config"
	"portin-relay/internal/metrics"
)

// RegisterRoutes sends every path and method on the relay listener to the relay handler.
// Any only covers the standard methods; the not-found route takes the rest
// (PURGE, MKCOL, ...) instead of echo answering 405.
func RegisterRoutes(e *echo.Echo, relay *RelayHandler) {
	e.Any("/", relay.Handle)
	e.Any("/*", relay.Handle)
	e.RouteNotFound("/*", relay.Handle)
}

// RegisterAdminRoutes wires health, status and, when enabled, metrics onto the admin listener.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, m *metrics.Metrics, cfg *config.Config) {
	e.GET("/healthz", health.Healthz)
	e.GET("/relay/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
