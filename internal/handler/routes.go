package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"correlation-proxy/internal/config"
	"correlation-proxy/internal/metrics"
)

// AdminServer is the echo instance serving health, status and metrics.
type AdminServer struct {
	*echo.Echo
}

// RegisterRoutes sends every path and method on the proxy listener upstream.
// echo.Any only names a fixed method list; the not-found route catches every
// other method token, which the router would otherwise answer with 405.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Any("/*", proxy.Handle)
	e.RouteNotFound("/*", proxy.Handle)
}

// RegisterAdminRoutes wires the health, status and (when enabled) metrics routes.
func RegisterAdminRoutes(admin *AdminServer, cfg *config.Config, health *HealthHandler, m *metrics.Metrics) {
	admin.GET("/healthz", health.Healthz)
	admin.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled {
		admin.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
