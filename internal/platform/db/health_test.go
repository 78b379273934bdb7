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

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func runCheck(t *testing.T, h echo.HandlerFunc) (int, healthReport) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), rec)
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var r healthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, r
}

func TestHealthHandler_MemoryBackend(t *testing.T) {
	code, r := runCheck(t, HealthHandler(nil, "memory"))
	if code != http.StatusOK || r.Status != "healthy" || r.Backend != "memory" {
		t.Errorf("got %d %+v", code, r)
	}
	if r.Pool != nil {
		t.Error("memory backend should not report pool stats")
	}
}

func TestHealthCheck(t *testing.T) {
	stats := func() *PoolStats { return &PoolStats{TotalConns: 2, MaxConns: 20} }

	code, r := runCheck(t, healthCheck(fakePinger{}, "postgres", stats))
	if code != http.StatusOK || r.Status != "healthy" || r.Pool == nil || r.Pool.MaxConns != 20 {
		t.Errorf("healthy check: %d %+v", code, r)
	}

	code, r = runCheck(t, healthCheck(fakePinger{err: errors.New("dial tcp: connection refused")}, "postgres", stats))
	if code != http.StatusServiceUnavailable || r.Status != "unhealthy" {
		t.Errorf("failing check: %d %+v", code, r)
	}
	if r.Error == "dial tcp: connection refused" {
		t.Error("driver error must not leak to the client")
	}
}
