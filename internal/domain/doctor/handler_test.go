package doctor

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/platform/auth"
)

var (
	doctorID      = auth.Identity{UserID: "user-1", Email: "dr.rao@clinic.example", Roles: []string{auth.RoleDoctor}}
	adminID       = auth.Identity{UserID: "admin-1", Email: "admin@medvault.example", Roles: []string{auth.RoleAdmin}}
	patientCaller = auth.Identity{UserID: "user-9", Email: "asha@example.com", Roles: []string{auth.RolePatient}, PatientID: "P-2026-047"}
)

// serve routes req through the registered endpoints as id.
func serve(h *Handler, req *http.Request, id auth.Identity) *httptest.ResponseRecorder {
	e := echo.New()
	h.RegisterRoutes(e.Group("/api/v1"))
	req = req.WithContext(auth.WithIdentity(req.Context(), id))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func uploadRequest(t *testing.T, contentType string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="licence.pdf"`)
	hdr.Set("Content-Type", contentType)
	part, err := w.CreatePart(hdr)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(content)
	w.Close()
	req := httptest.NewRequest(http.MethodPut, "/api/v1/doctors/me/credential", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func TestHandler_OnboardAndVerify(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc)

	rec := serve(h, jsonRequest(http.MethodPost, "/api/v1/doctors/me",
		`{"fullName":"Meera Rao","specialty":"Cardiology","experienceYears":12,"licenseId":"MED-78451"}`), doctorID)
	if rec.Code != http.StatusOK {
		t.Fatalf("apply: %d %s", rec.Code, rec.Body.String())
	}
	var d Doctor
	json.Unmarshal(rec.Body.Bytes(), &d)
	if d.Status != StatusPending || d.Email != doctorID.Email {
		t.Fatalf("unexpected application %+v", d)
	}

	verify := "/api/v1/doctors/" + d.ID.String() + "/verify"
	if rec := serve(h, jsonRequest(http.MethodPost, verify, ""), adminID); rec.Code != http.StatusConflict {
		t.Errorf("verify without licence: expected 409, got %d", rec.Code)
	}

	rec = serve(h, uploadRequest(t, "application/pdf", []byte("%PDF-1.7")), doctorID)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}

	if rec := serve(h, jsonRequest(http.MethodPost, verify, ""), doctorID); rec.Code != http.StatusForbidden {
		t.Errorf("doctor verifying self: expected 403, got %d", rec.Code)
	}

	rec = serve(h, jsonRequest(http.MethodPost, verify, `{"note":"licence checked"}`), adminID)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: %d %s", rec.Code, rec.Body.String())
	}
	json.Unmarshal(rec.Body.Bytes(), &d)
	if d.Status != StatusVerified || d.ReviewedBy != adminID.Email || d.ReviewNote != "licence checked" {
		t.Errorf("unexpected review %+v", d)
	}

	rec = serve(h, jsonRequest(http.MethodGet, "/api/v1/doctors/me", ""), doctorID)
	json.Unmarshal(rec.Body.Bytes(), &d)
	if rec.Code != http.StatusOK || d.Status != StatusVerified || !d.HasCredential {
		t.Errorf("me: %d %+v", rec.Code, d)
	}
}

func TestHandler_AdminOnly(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc)
	d := onboard(t, svc)

	for _, target := range []string{
		"/api/v1/doctors",
		"/api/v1/doctors/" + d.ID.String(),
		"/api/v1/doctors/" + d.ID.String() + "/credential",
	} {
		if rec := serve(h, jsonRequest(http.MethodGet, target, ""), doctorID); rec.Code != http.StatusForbidden {
			t.Errorf("GET %s as doctor: expected 403, got %d", target, rec.Code)
		}
	}
	if rec := serve(h, jsonRequest(http.MethodPost, "/api/v1/doctors/me", `{}`), patientCaller); rec.Code != http.StatusForbidden {
		t.Errorf("patient applying: expected 403, got %d", rec.Code)
	}
}

func TestHandler_ListAndDownload(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc)
	d := onboard(t, svc)

	rec := serve(h, jsonRequest(http.MethodGet, "/api/v1/doctors?status=pending", ""), adminID)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var page struct {
		Data  []Doctor `json:"data"`
		Total int      `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 || len(page.Data) != 1 || page.Data[0].LicenseID != "MED-78451" {
		t.Errorf("unexpected page %+v", page)
	}
	if rec := serve(h, jsonRequest(http.MethodGet, "/api/v1/doctors?status=bogus", ""), adminID); rec.Code != http.StatusBadRequest {
		t.Errorf("bad status filter: expected 400, got %d", rec.Code)
	}

	rec = serve(h, jsonRequest(http.MethodGet, "/api/v1/doctors/"+d.ID.String()+"/credential", ""), adminID)
	if rec.Code != http.StatusOK {
		t.Fatalf("download: %d", rec.Code)
	}
	if rec.Body.String() != "%PDF-1.7 licence" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "no-store" || rec.Header().Get(echo.HeaderContentType) != "application/pdf" {
		t.Errorf("unexpected headers %v", rec.Header())
	}
}

func TestHandler_RejectAndUnknown(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc)
	d := onboard(t, svc)

	rec := serve(h, jsonRequest(http.MethodPost, "/api/v1/doctors/"+d.ID.String()+"/reject", `{"note":"licence unreadable"}`), adminID)
	if rec.Code != http.StatusOK {
		t.Fatalf("reject: %d %s", rec.Code, rec.Body.String())
	}
	if ok, _ := svc.IsVerified(context.Background(), doctorID.Email); ok {
		t.Error("rejected doctor reported verified")
	}
	if rec := serve(h, jsonRequest(http.MethodPost, "/api/v1/doctors/not-a-uuid/verify", ""), adminID); rec.Code != http.StatusNotFound {
		t.Errorf("unknown doctor: expected 404, got %d", rec.Code)
	}
	if rec := serve(h, uploadRequest(t, "text/plain", []byte("x")), doctorID); rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("text licence: expected 415, got %d", rec.Code)
	}
}
