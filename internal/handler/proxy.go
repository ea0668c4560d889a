package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"correlation-proxy/internal/metrics"
	"correlation-proxy/internal/model"
	"correlation-proxy/internal/service"
)

// ProxyHandler forwards every request to the configured origin.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. m may be nil.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Handle proxies the request to the origin and streams the response back.
// Any failure before the response starts yields a bare 500.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	in := &model.InboundRequest{
		Method:        req.Method,
		PathWithQuery: req.URL.RequestURI(),
		Header:        req.Header,
		ContentLength: req.ContentLength,
		Body:          model.NewIncomingBody(req.Body),
	}

	resp, err := h.service.Forward(req.Context(), in)
	if err != nil {
		return h.fallback(c, err)
	}
	c.Set(model.CorrelationIDKey, resp.CorrelationID)

	h.writeResponse(c, resp)
	return nil
}

// writeResponse mirrors the upstream status and headers and streams the body.
// Once the status is sent a failure cannot become a 500; the connection is
// aborted instead so the caller sees a truncated response.
func (h *ProxyHandler) writeResponse(c echo.Context, resp *model.UpstreamResponse) {
	w := c.Response()
	for key, vals := range resp.Header {
		w.Header()[key] = vals
	}
	w.WriteHeader(resp.StatusCode)

	if n, err := service.Relay(model.NewResponseBody(w), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
			"correlation_id", resp.CorrelationID,
			"bytes", n,
		)
		panic(http.ErrAbortHandler)
	}
}

// fallback logs the failure and answers 500 with no headers and no body.
// Nothing about err reaches the caller.
func (h *ProxyHandler) fallback(c echo.Context, err error) error {
	stage := "unknown"
	var fe *service.ForwardError
	if errors.As(err, &fe) {
		stage = string(fe.Stage)
		if fe.CorrelationID != "" {
			c.Set(model.CorrelationIDKey, fe.CorrelationID)
		}
	}

	h.logger.Error("proxy error",
		"err", err,
		"stage", stage,
		"path", c.Request().URL.Path,
		"correlation_id", c.Get(model.CorrelationIDKey),
	)
	if h.metrics != nil {
		h.metrics.Fallbacks.WithLabelValues(stage).Inc()
	}

	writeBareStatus(c.Response(), http.StatusInternalServerError)
	return nil
}

// ErrorHandler replaces echo's central error handler so errors raised by
// middleware (recovered panics, rate limiting) produce a bare status too.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
		}
		logger.Warn("request rejected",
			"err", err,
			"status", code,
			"path", c.Request().URL.Path,
		)
		writeBareStatus(c.Response(), code)
	}
}

func writeBareStatus(w *echo.Response, code int) {
	header := w.Header()
	for k := range header {
		delete(header, k)
	}
	w.WriteHeader(code)
}
