package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"correlation-proxy/internal/config"
)

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(&config.Config{}, "test")
	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name       string
		vars       config.Variables
		wantStatus string
		wantOrigin string
	}{
		{
			name:       "configured",
			vars:       config.Variables{"origin": "api.example.com", "header_name": "X-Correlation-Id"},
			wantStatus: "ok",
			wantOrigin: "api.example.com",
		},
		{
			name:       "missing header name",
			vars:       config.Variables{"origin": "api.example.com"},
			wantStatus: "degraded",
			wantOrigin: "api.example.com",
		},
		{
			name:       "nothing set",
			vars:       nil,
			wantStatus: "degraded",
			wantOrigin: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h := NewHealthHandler(&config.Config{Variables: tt.vars}, "1.2.3")
			if err := h.Status(c); err != nil {
				t.Fatalf("Status() error = %v", err)
			}

			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["status"] != tt.wantStatus {
				t.Errorf("body.status = %q, want %q", body["status"], tt.wantStatus)
			}
			if body["version"] != "1.2.3" {
				t.Errorf("body.version = %q, want %q", body["version"], "1.2.3")
			}
			if body["origin"] != tt.wantOrigin {
				t.Errorf("body.origin = %q, want %q", body["origin"], tt.wantOrigin)
			}
		})
	}
}
