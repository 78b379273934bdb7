package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func runWithTimeout(t *testing.T, d time.Duration, h echo.HandlerFunc) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/access-requests/abc", nil), rec)
	return rec, RequestTimeout(d)(h)(c)
}

func TestRequestTimeout_FastHandler(t *testing.T) {
	rec, err := runWithTimeout(t, time.Second, func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected request context to carry a deadline")
		}
		return c.JSON(http.StatusOK, map[string]string{"state": "pending"})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequestTimeout_SlowHandlerGets504(t *testing.T) {
	_, err := runWithTimeout(t, 20*time.Millisecond, func(c echo.Context) error {
		select {
		case <-time.After(2 * time.Second):
			return c.NoContent(http.StatusOK)
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	})
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %v", err)
	}
}

func TestRequestTimeout_HandlerErrorsPassThrough(t *testing.T) {
	_, err := runWithTimeout(t, time.Second, func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "request is no longer pending")
	})
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
}

func TestRequestTimeout_CommittedResponseKeepsError(t *testing.T) {
	rec, err := runWithTimeout(t, 20*time.Millisecond, func(c echo.Context) error {
		c.Response().WriteHeader(http.StatusOK)
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	})
	var he *echo.HTTPError
	if errors.As(err, &he) {
		t.Fatalf("expected raw context error once headers are sent, got %v", he)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected committed 200 to stand, got %d", rec.Code)
	}
}
