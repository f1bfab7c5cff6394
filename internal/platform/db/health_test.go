package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runHealth(t *testing.T, ping func(context.Context) error) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	stats := func() *PoolStats { return &PoolStats{TotalConns: 3, MaxConns: 20, Healthy: true} }
	if err := checkHandler(ping, stats)(c); err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec, body
}

func TestHealthHandler_Healthy(t *testing.T) {
	rec, body := runHealth(t, func(context.Context) error { return nil })
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
	pool := body["pool"].(map[string]interface{})
	if pool["max_conns"].(float64) != 20 {
		t.Errorf("expected max_conns 20, got %v", pool["max_conns"])
	}
}

func TestHealthHandler_PingFailure(t *testing.T) {
	rec, body := runHealth(t, func(context.Context) error { return errors.New("connection refused") })
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if body["error"] != "connection refused" {
		t.Errorf("unexpected error field: %v", body["error"])
	}
	pool := body["pool"].(map[string]interface{})
	if pool["healthy"] != false {
		t.Error("expected pool to be reported unhealthy")
	}
}
