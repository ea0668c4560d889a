package handler

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"correlation-proxy/internal/client"
	"correlation-proxy/internal/config"
	"correlation-proxy/internal/metrics"
	"correlation-proxy/internal/model"
	"correlation-proxy/internal/service"
)

const testHeader = "X-Correlation-Id"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func hostOf(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return u.Host
}

// newTestProxyHandler wires a ProxyHandler to an HTTPS test upstream.
func newTestProxyHandler(srv *httptest.Server, vars config.Variables, m *metrics.Metrics) *ProxyHandler {
	logger := testLogger()
	uc := client.NewUpstreamClientForTest(srv.Client(), logger, m)
	svc := service.NewProxyService(uc, &config.Config{Variables: vars}, logger)
	return NewProxyHandler(svc, logger, m)
}

func TestProxyHandler_Handle_MirrorsUpstream(t *testing.T) {
	var seenID string
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.RequestURI != "/items?x=1" {
			t.Errorf("RequestURI = %q, want %q", r.RequestURI, "/items?x=1")
		}
		seenID = r.Header.Get(testHeader)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(upstream, config.Variables{"origin": hostOf(t, upstream), "header_name": testHeader}, nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/items?x=1", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want %q", got, "application/json")
	}
	if got := rec.Header().Values("Set-Cookie"); len(got) != 2 {
		t.Errorf("Set-Cookie = %v, want both values", got)
	}
	if rec.Body.String() != `{"result":"ok"}` {
		t.Errorf("body = %q, want %q", rec.Body.String(), `{"result":"ok"}`)
	}
	if _, err := uuid.Parse(seenID); err != nil {
		t.Errorf("upstream correlation id %q is not a UUID: %v", seenID, err)
	}
	if got := c.Get(model.CorrelationIDKey); got != seenID {
		t.Errorf("context correlation id = %v, want %q", got, seenID)
	}
}

func TestProxyHandler_Handle_POSTRelaysBody(t *testing.T) {
	payload := strings.Repeat("p", 42)
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != payload {
			t.Errorf("upstream body = %q, want %q", body, payload)
		}
		_, _ = w.Write([]byte("received"))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(upstream, config.Variables{"origin": hostOf(t, upstream), "header_name": testHeader}, nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(payload))
	req.Header.Set("Content-Length", "42")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "received" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "received")
	}
}

func TestProxyHandler_Handle_StreamsBeforeUpstreamFinishes(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	releaseUpstream := func() { once.Do(func() { close(release) }) }

	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: first\n\n"))
		_ = http.NewResponseController(w).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		_, _ = w.Write([]byte("data: second\n\n"))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(upstream, config.Variables{"origin": hostOf(t, upstream), "header_name": testHeader}, nil)
	e := echo.New()
	RegisterRoutes(e, h)
	proxy := httptest.NewServer(e)
	defer proxy.Close()

	resp, err := http.Get(proxy.URL + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	defer releaseUpstream()

	reader := bufio.NewReader(resp.Body)
	lines := make(chan string, 1)
	go func() {
		line, _ := reader.ReadString('\n')
		lines <- line
	}()

	select {
	case line := <-lines:
		if line != "data: first\n" {
			t.Errorf("first line = %q, want %q", line, "data: first\n")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first event was held back until the upstream finished")
	}

	releaseUpstream()
	rest, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read rest: %v", err)
	}
	if string(rest) != "\ndata: second\n\n" {
		t.Errorf("rest = %q, want %q", rest, "\ndata: second\n\n")
	}
}

// assertBare500 checks the fixed fallback response.
func assertBare500(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if n := len(rec.Result().Header); n != 0 {
		t.Errorf("got %d response headers, want none: %v", n, rec.Result().Header)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
}

func TestProxyHandler_Handle_MissingOrigin(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()

	m := metrics.New()
	h := newTestProxyHandler(upstream, config.Variables{"header_name": testHeader}, m)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/items", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Response().Header().Set("X-Set-Earlier", "1")

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	assertBare500(t, rec)
	if hits.Load() != 0 {
		t.Errorf("upstream hit %d times, want 0", hits.Load())
	}
	if got := testutil.ToFloat64(m.Fallbacks.WithLabelValues("config")); got != 1 {
		t.Errorf("fallbacks{stage=config} = %v, want 1", got)
	}
}

func TestProxyHandler_Handle_UpstreamDown(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	origin := hostOf(t, upstream)
	upstream.Close()

	m := metrics.New()
	h := newTestProxyHandler(upstream, config.Variables{"origin": origin, "header_name": testHeader}, m)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/items", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	assertBare500(t, rec)
	if got := testutil.ToFloat64(m.Fallbacks.WithLabelValues("response")); got != 1 {
		t.Errorf("fallbacks{stage=response} = %v, want 1", got)
	}
	if c.Get(model.CorrelationIDKey) == nil {
		t.Error("expected correlation id on context for logging")
	}
}

func TestProxyHandler_Handle_TruncatedUpstreamAborts(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		conn, buf, err := http.NewResponseController(w).Hijack()
		if err != nil {
			t.Errorf("Hijack: %v", err)
			return
		}
		defer func() { _ = conn.Close() }()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n0123456789")
		_ = buf.Flush()
	}))
	defer upstream.Close()

	h := newTestProxyHandler(upstream, config.Variables{"origin": hostOf(t, upstream), "header_name": testHeader}, nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/big", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	defer func() {
		if r := recover(); r != http.ErrAbortHandler {
			t.Errorf("recover() = %v, want http.ErrAbortHandler", r)
		}
	}()
	_ = h.Handle(c)
	t.Error("Handle() returned normally for a truncated upstream body")
}

func TestErrorHandler_BareStatus(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(testLogger())
	e.Use(echomw.Recover())
	e.GET("/limited", func(echo.Context) error {
		return echo.ErrTooManyRequests
	})
	e.GET("/panics", func(c echo.Context) error {
		c.Response().Header().Set("X-Partial", "1")
		panic("boom")
	})
	e.GET("/plain", func(echo.Context) error {
		return errors.New("plain error")
	})

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/limited", http.StatusTooManyRequests},
		{"/panics", http.StatusInternalServerError},
		{"/plain", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Body.Len() != 0 {
				t.Errorf("body = %q, want empty", rec.Body.String())
			}
			if n := len(rec.Result().Header); n != 0 {
				t.Errorf("got %d headers, want none", n)
			}
		})
	}
}
