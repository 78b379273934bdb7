package access

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/upstream"
	"github.com/medvault/medvault/pkg/pagination"
)

type Handler struct {
	ledger    *Ledger
	pollAfter time.Duration
}

// NewHandler builds the access endpoints. pollAfter is the cadence suggested
// to doctors waiting on a decision.
func NewHandler(ledger *Ledger, pollAfter time.Duration) *Handler {
	if pollAfter <= 0 {
		pollAfter = 3 * time.Second
	}
	return &Handler{ledger: ledger, pollAfter: pollAfter}
}

// RegisterRoutes mounts the access endpoints under v1 and the aliases the web
// client calls under legacy (/api).
func (h *Handler) RegisterRoutes(v1 *echo.Group, legacy *echo.Group) {
	doctor := auth.RequireRole(auth.RoleDoctor)
	patient := auth.RequireRole(auth.RolePatient)

	v1.POST("/access-requests", h.CreateRequest, doctor)
	v1.GET("/access-requests", h.ListPending, patient)
	v1.GET("/access-requests/:id", h.GetStatus, doctor)
	v1.POST("/access-requests/:id/decision", h.Decide, patient)
	v1.POST("/access-requests/:id/revoke", h.Revoke, patient)
	v1.GET("/patients/:patient_id/access-requests", h.History, patient)

	legacy.POST("/request-patient-access", h.CreateRequest, doctor)
	legacy.GET("/check-access-requests", h.ListPending, patient)
	legacy.POST("/approve-access-request", h.Decide, patient)
	legacy.GET("/check-request-status", h.GetStatus, doctor)
}

type createRequest struct {
	DoctorIdentity string `json:"doctorIdentity"`
	PatientID      string `json:"patientId"`
	Reason         string `json:"reason"`
}

type decisionRequest struct {
	RequestID string          `json:"requestId"`
	Decision  Decision        `json:"decision"`
	Payload   json.RawMessage `json:"payload"`
}

type statusResponse struct {
	RequestID      string          `json:"requestId"`
	State          State           `json:"state"`
	GrantExpiresAt *time.Time      `json:"grantExpiresAt,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Terminal       bool            `json:"terminal"`
	PollAfterMS    int64           `json:"poll_after_ms"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// requestID reads the id from the path, or from the query string on the
// legacy routes.
func requestID(c echo.Context) string {
	if id := c.Param("id"); id != "" {
		return id
	}
	return c.QueryParam("requestId")
}

// CreateRequest opens a request as the calling doctor. The token's email is
// the doctor's identity; a body value is only used when the token has none.
func (h *Handler) CreateRequest(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	doctor := auth.EmailFromContext(ctx)
	body := strings.TrimSpace(req.DoctorIdentity)
	switch {
	case doctor == "":
		doctor = body
	case body != "" && !strings.EqualFold(body, doctor) && !auth.HasRole(ctx, auth.RoleAdmin):
		return echo.NewHTTPError(http.StatusForbidden, "doctorIdentity does not match the caller")
	case body != "":
		doctor = body
	}

	id, err := h.ledger.Create(ctx, doctor, strings.TrimSpace(req.PatientID), req.Reason)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"requestId": id})
}

// ListPending returns the oldest live request waiting on the patient.
func (h *Handler) ListPending(c echo.Context) error {
	ctx := c.Request().Context()
	pid := c.QueryParam("patientId")
	if pid == "" {
		pid = auth.PatientIDFromContext(ctx)
	}
	if pid == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patientId is required")
	}
	if !auth.CanActForPatient(ctx, pid) {
		return echo.NewHTTPError(http.StatusForbidden, "not your record")
	}
	r, err := h.ledger.ListPendingFor(ctx, pid)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]*AccessRequest{"request": r})
}

// GetStatus is polled by the requesting doctor.
func (h *Handler) GetStatus(c echo.Context) error {
	ctx := c.Request().Context()
	id := requestID(c)
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "requestId is required")
	}
	r, err := h.ledger.Get(ctx, id)
	if err != nil {
		return toHTTPError(err)
	}
	if !auth.HasRole(ctx, auth.RoleAdmin) && !strings.EqualFold(auth.EmailFromContext(ctx), r.DoctorIdentity) {
		return toHTTPError(ErrNotFound)
	}

	st, err := h.ledger.PollStatus(ctx, id)
	if err != nil {
		return toHTTPError(err)
	}
	state := st.RequesterState()
	resp := statusResponse{
		RequestID:      st.RequestID,
		State:          state,
		GrantExpiresAt: st.GrantExpiresAt,
		Payload:        st.Payload,
		Terminal:       state.Terminal(),
	}
	if state == StatePending {
		resp.PollAfterMS = h.pollAfter.Milliseconds()
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, resp)
}

// Decide records the patient's approval or denial.
func (h *Handler) Decide(c echo.Context) error {
	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id := c.Param("id")
	if id == "" {
		id = req.RequestID
	}
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "requestId is required")
	}
	if _, err := h.ownRequest(c, id); err != nil {
		return err
	}
	if err := h.ledger.Decide(c.Request().Context(), id, req.Decision, req.Payload); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, okResponse{OK: true})
}

// Revoke ends a live grant early.
func (h *Handler) Revoke(c echo.Context) error {
	id := c.Param("id")
	r, err := h.ownRequest(c, id)
	if err != nil {
		return err
	}
	if err := h.ledger.Revoke(c.Request().Context(), id, r.PatientID); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, okResponse{OK: true})
}

// History lists a patient's requests, newest first.
func (h *Handler) History(c echo.Context) error {
	ctx := c.Request().Context()
	pid := c.Param("patient_id")
	if !auth.CanActForPatient(ctx, pid) {
		return echo.NewHTTPError(http.StatusForbidden, "not your record")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.ledger.History(ctx, pid, pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg, c.Request().URL.Path))
}

// ownRequest rejects callers who are not the addressed patient. Another
// patient's request reads as not found.
func (h *Handler) ownRequest(c echo.Context, id string) (*AccessRequest, error) {
	ctx := c.Request().Context()
	r, err := h.ledger.Get(ctx, id)
	if err != nil {
		return nil, toHTTPError(err)
	}
	if !auth.CanActForPatient(ctx, r.PatientID) {
		return nil, toHTTPError(ErrNotFound)
	}
	return r, nil
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidPatient):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidDecision), errors.Is(err, ErrPayloadRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "access request not found")
	case errors.Is(err, ErrAlreadyDecided), errors.Is(err, ErrExpiredRequest):
		return echo.NewHTTPError(http.StatusConflict, "request is no longer pending")
	case errors.Is(err, ErrNotGranted):
		return echo.NewHTTPError(http.StatusConflict, "no active grant")
	case errors.Is(err, ErrDoctorNotVerified):
		return echo.NewHTTPError(http.StatusForbidden, "doctor credentials are pending verification")
	case errors.Is(err, upstream.ErrUpstreamUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "access ledger unavailable")
	}
}
