package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSecurityHeaders(t *testing.T) {
	for _, hsts := range []bool{true, false} {
		e := echo.New()
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/access-requests/abc", nil), rec)

		err := SecurityHeaders(hsts)(func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]string{"state": "approved"})
		})(c)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		for _, kv := range apiHeaders {
			if got := rec.Header().Get(kv[0]); got != kv[1] {
				t.Errorf("hsts=%v header %s = %q, want %q", hsts, kv[0], got, kv[1])
			}
		}
		got := rec.Header().Get("Strict-Transport-Security")
		if hsts && got != hstsValue {
			t.Errorf("expected HSTS %q, got %q", hstsValue, got)
		}
		if !hsts && got != "" {
			t.Errorf("expected no HSTS header, got %q", got)
		}
	}
}

func TestSecurityHeaders_SetOnErrorResponses(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/vault/unlock", nil), rec)

	err := SecurityHeaders(false)(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusForbidden, "no active grant")
	})(c)

	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusForbidden {
		t.Fatalf("expected handler's 403, got %v", err)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("expected headers to be set before the handler fails")
	}
}
