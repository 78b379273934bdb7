package vault

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/domain/access"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/summarizer"
	"github.com/medvault/medvault/internal/platform/upstream"
	"github.com/medvault/medvault/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the vault endpoints. Uploads end in /documents so
// the body limit middleware applies the upload limit to them.
func (h *Handler) RegisterRoutes(v1 *echo.Group) {
	doctor := auth.RequireRole(auth.RoleDoctor)

	docs := v1.Group("/patients/:patient_id/documents", auth.RequireRole(auth.RolePatient))
	docs.POST("", h.Upload)
	docs.GET("", h.List)

	v1.POST("/vault/unlock", h.Unlock, doctor)
	v1.POST("/vault/summarize", h.SummarizeDocument, doctor)
	v1.POST("/emergency/override", h.EmergencyOverride, doctor)
	v1.POST("/summarize", h.Summarize, doctor)
}

type unlockRequest struct {
	RecordHash string `json:"recordHash"`
	Reason     string `json:"reason"`
}

type overrideRequest struct {
	PatientID string `json:"patientId"`
	Reason    string `json:"reason"`
	LegalAck  bool   `json:"legalAck"`
}

type summarizeRequest struct {
	PatientID string `json:"patientId"`
	Text      string `json:"text"`
}

func ownPatient(c echo.Context) (string, error) {
	pid := c.Param("patient_id")
	if !auth.CanActForPatient(c.Request().Context(), pid) {
		return "", echo.NewHTTPError(http.StatusForbidden, "not your record")
	}
	return pid, nil
}

// caller is the doctor identity recorded in the audit trail.
func caller(c echo.Context) (string, error) {
	ctx := c.Request().Context()
	if email := auth.EmailFromContext(ctx); email != "" {
		return email, nil
	}
	if id := auth.UserIDFromContext(ctx); id != "" {
		return id, nil
	}
	return "", echo.NewHTTPError(http.StatusUnauthorized, "caller identity required")
}

// Upload stores a multipart "file" field in the caller's vault.
func (h *Handler) Upload(c echo.Context) error {
	pid, err := ownPatient(c)
	if err != nil {
		return err
	}
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to open uploaded file")
	}
	defer src.Close()

	content, err := io.ReadAll(io.LimitReader(src, MaxDocumentSize+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read uploaded file")
	}
	name := c.FormValue("name")
	if name == "" {
		name = file.Filename
	}
	doc, err := h.svc.Store(c.Request().Context(), pid, name, file.Header.Get("Content-Type"), Tier(c.FormValue("tier")), content)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, doc)
}

func (h *Handler) List(c echo.Context) error {
	pid, err := ownPatient(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	docs, total, err := h.svc.List(c.Request().Context(), pid, Tier(c.QueryParam("tier")), pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(docs, total, pg, c.Request().URL.Path))
}

func (h *Handler) Unlock(c echo.Context) error {
	var req unlockRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	doctor, err := caller(c)
	if err != nil {
		return err
	}
	u, err := h.svc.Gatekeeper(c.Request().Context(), doctor, req.RecordHash, req.Reason)
	if err != nil {
		return toHTTPError(err)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) SummarizeDocument(c echo.Context) error {
	var req unlockRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	doctor, err := caller(c)
	if err != nil {
		return err
	}
	sum, err := h.svc.SummarizeDocument(c.Request().Context(), doctor, req.RecordHash, req.Reason)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) EmergencyOverride(c echo.Context) error {
	var req overrideRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	doctor, err := caller(c)
	if err != nil {
		return err
	}
	out, err := h.svc.EmergencyOverride(c.Request().Context(), doctor, req.PatientID, req.Reason, req.LegalAck)
	if err != nil {
		return toHTTPError(err)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Summarize(c echo.Context) error {
	var req summarizeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sum, err := h.svc.Summarize(c.Request().Context(), req.PatientID, req.Text)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, sum)
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidPatient), errors.Is(err, ErrInvalidTier),
		errors.Is(err, ErrMissingName), errors.Is(err, ErrEmptyDocument),
		errors.Is(err, ErrReasonTooShort), errors.Is(err, ErrLegalAck),
		errors.Is(err, summarizer.ErrEmptyInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidContentType):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, ErrTooLarge), errors.Is(err, summarizer.ErrInputTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	case errors.Is(err, ErrNoGrant):
		return echo.NewHTTPError(http.StatusForbidden, "no active access grant for this record")
	case errors.Is(err, access.ErrDoctorNotVerified):
		return echo.NewHTTPError(http.StatusForbidden, "doctor credentials are pending verification")
	case errors.Is(err, ErrDuplicate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, upstream.ErrUpstreamUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "vault unavailable")
	}
}
