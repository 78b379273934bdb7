package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1M", 1 << 20},
		{"11M", 11 << 20},
		{"512k", 512 << 10},
		{"2MB", 2 << 20},
		{"1G", 1 << 30},
		{"1024", 1024},
		{"64B", 64},
		{"", 1 << 20},
		{"lots", 1 << 20},
		{"-5M", 1 << 20},
	}
	for _, tt := range tests {
		if got := parseLimit(tt.input); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func is413(err error) bool {
	var he *echo.HTTPError
	return errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge
}

func TestBodyLimit_Routes(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		path    string
		size    int
		wantErr bool
	}{
		{"decision under default", http.MethodPost, "/api/v1/access-requests/abc/decision", 256, false},
		{"decision over default", http.MethodPost, "/api/v1/access-requests/abc/decision", 2048, true},
		{"upload uses upload limit", http.MethodPost, "/api/v1/patients/P-2026-047/documents", 2048, false},
		{"upload trailing slash", http.MethodPost, "/api/v1/patients/P-2026-047/documents/", 2048, false},
		{"upload over upload limit", http.MethodPost, "/api/v1/patients/P-2026-047/documents", 8192, true},
		{"non-POST to documents uses default", http.MethodPut, "/api/v1/patients/P-2026-047/documents", 2048, true},
		{"licence upload uses upload limit", http.MethodPut, "/api/v1/doctors/me/credential", 2048, false},
		{"licence download uses default", http.MethodGet, "/api/v1/doctors/me/credential", 2048, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(tt.method, tt.path, bytes.NewReader(bytes.Repeat([]byte("x"), tt.size)))
			c := e.NewContext(req, httptest.NewRecorder())

			called := false
			h := BodyLimit("1K", "4K")(func(c echo.Context) error {
				called = true
				_, err := io.ReadAll(c.Request().Body)
				return err
			})
			err := h(c)

			if tt.wantErr {
				if !is413(err) {
					t.Fatalf("expected 413, got %v", err)
				}
				if called {
					t.Error("handler ran despite Content-Length over limit")
				}
				return
			}
			if err != nil || !called {
				t.Fatalf("expected handler to read body, called=%v err=%v", called, err)
			}
		})
	}
}

func TestBodyLimit_NoBody(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/access-requests", nil), httptest.NewRecorder())

	h := BodyLimit("1", "1")(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBodyLimit_UnknownLengthTripsDuringRead(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/request-patient-access", bytes.NewReader(bytes.Repeat([]byte("a"), 1024)))
	req.ContentLength = -1
	c := e.NewContext(req, httptest.NewRecorder())

	var readErr, secondErr error
	h := BodyLimit("512", "10M")(func(c echo.Context) error {
		_, readErr = io.ReadAll(c.Request().Body)
		_, secondErr = c.Request().Body.Read(make([]byte, 8))
		return readErr
	})
	if err := h(c); !is413(err) {
		t.Fatalf("expected 413 from read, got %v", err)
	}
	if !is413(secondErr) {
		t.Errorf("expected reads after overflow to keep failing, got %v", secondErr)
	}
}
