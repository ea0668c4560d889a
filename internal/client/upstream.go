// Package client provides the upstream HTTPS client for the configured origin.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"correlation-proxy/internal/config"
	"correlation-proxy/internal/metrics"
	"correlation-proxy/internal/model"
)

// ErrDispatch is returned when a request cannot be handed to the transport.
var ErrDispatch = errors.New("dispatch upstream request")

// UpstreamClient sends requests to the origin.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// No overall client timeout is set: bodies are streamed for as long as both
// sides keep them open. Waiting for response headers is bounded by
// ResponseFuture.Wait instead.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*UpstreamClient, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.Upstream.CAFile != "" {
		pool, err := loadCAPool(cfg.Upstream.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsConfig,
		ForceAttemptHTTP2:   true,
		DisableCompression:  true,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return newUpstreamClient(&http.Client{Transport: transport}, logger, m), nil
}

// NewUpstreamClientForTest creates an UpstreamClient around an existing
// http.Client, typically the one returned by httptest.Server.Client.
func NewUpstreamClientForTest(hc *http.Client, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	return newUpstreamClient(hc, logger, m)
}

func newUpstreamClient(hc *http.Client, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	// Encodings are negotiated end to end; the proxy must not add
	// Accept-Encoding or decode bodies.
	if t, ok := hc.Transport.(*http.Transport); ok {
		t.DisableCompression = true
	}
	// Redirects are relayed to the caller, not followed.
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &UpstreamClient{
		httpClient: hc,
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}
}

// Dispatch hands out to the transport and returns immediately. If out has an
// open body, the caller streams it after Dispatch returns; the transport
// reads it as it arrives.
func (c *UpstreamClient) Dispatch(ctx context.Context, out *model.OutboundRequest) (*ResponseFuture, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := out.HTTPRequest(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrDispatch, err)
	}

	// An empty value stops the transport from adding its own User-Agent.
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header["User-Agent"] = []string{""}
	}

	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	f := newResponseFuture(cancel)
	go func() {
		f.resolve(c.roundTrip(req))
	}()
	return f, nil
}

func (c *UpstreamClient) roundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to the future
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, err
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}
	return resp, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read upstream ca_file %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("upstream ca_file %s: no certificates found", path)
	}
	return pool, nil
}
