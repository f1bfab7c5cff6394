package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/config"
	"github.com/lims/lims/internal/platform/metrics"
)

func testConfig() *config.Config {
	return &config.Config{Env: "development", CORSOrigins: []string{"*"}}
}

func TestNewEcho_Routes(t *testing.T) {
	e := newEcho(testConfig(), &app{metrics: metrics.New()}, nil, zerolog.Nop())

	have := map[string]bool{}
	for _, r := range e.Routes() {
		have[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"GET /health",
		"GET /health/db",
		"GET /metrics",
		"POST /api/v1/samples",
		"POST /api/v1/samples/:id/transitions",
		"POST /api/v1/sample-tests/:id/transitions",
		"POST /api/v1/sample-tests/:id/results",
		"POST /api/v1/qc/controls/:id/runs",
		"GET /api/v1/qc/batches/:batch/status",
		"POST /api/v1/samples/:id/reports",
		"POST /api/v1/reports/:id/finalize",
		"GET /api/v1/reports/:id/pdf",
		"PUT /api/v1/signatures-on-file/:role",
	} {
		if !have[want] {
			t.Errorf("route %s not registered", want)
		}
	}
}

func TestNewEcho_MetricsEndpoint(t *testing.T) {
	e := newEcho(testConfig(), &app{metrics: metrics.New()}, nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestNewEcho_Health(t *testing.T) {
	e := newEcho(testConfig(), &app{metrics: metrics.New()}, nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestNewEcho_ProductionRequiresToken(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.AuthSigningKey = "k"
	e := newEcho(cfg, &app{metrics: metrics.New()}, nil, zerolog.Nop())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/samples", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a bearer token, got %d", rec.Code)
	}
}
