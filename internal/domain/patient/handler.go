package patient

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/skip2/go-qrcode"

	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/pkg/pagination"
)

const qrSize = 256

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the directory under v1 and the registration endpoints
// the web client calls directly under legacy (/api).
func (h *Handler) RegisterRoutes(v1 *echo.Group, legacy *echo.Group) {
	legacy.POST("/complete-registration", h.CompleteRegistration)
	legacy.POST("/register-patient", h.CompleteRegistration)

	v1.GET("/patients", h.ListPatients, auth.RequireRole(auth.RoleAdmin))

	own := v1.Group("/patients/:patient_id", auth.RequireRole(auth.RolePatient))
	own.GET("", h.GetPatient)
	own.PUT("", h.UpdatePatient)
	own.GET("/qr", h.GetQRCode)
}

type registrationRequest struct {
	UserID   string `json:"userId"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
}

type registrationResponse struct {
	Message   string `json:"message"`
	PatientID string `json:"patientId"`
}

func (h *Handler) CompleteRegistration(c echo.Context) error {
	var req registrationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	admin := auth.HasRole(ctx, auth.RoleAdmin)
	var ok bool
	if req.UserID, ok = callerValue(auth.UserIDFromContext(ctx), strings.TrimSpace(req.UserID), admin, false); !ok {
		return echo.NewHTTPError(http.StatusForbidden, "userId does not match the caller")
	}
	if req.Email, ok = callerValue(auth.EmailFromContext(ctx), strings.TrimSpace(req.Email), admin, true); !ok {
		return echo.NewHTTPError(http.StatusForbidden, "email does not match the caller")
	}
	if req.UserID == "" || req.Email == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing required user details")
	}

	p, created, err := h.svc.Register(ctx, req.UserID, req.Email, req.FullName)
	if err != nil {
		return toHTTPError(err)
	}
	msg := "Patient already registered"
	if created {
		msg = "Patient registered"
	}
	return c.JSON(http.StatusOK, registrationResponse{Message: msg, PatientID: p.PatientID})
}

// callerValue resolves a registration field against the token. The body is
// only used when the token carries nothing, or when an admin registers on
// someone's behalf.
func callerValue(token, body string, admin, fold bool) (string, bool) {
	switch {
	case token == "" || body == "":
		if token != "" {
			return token, true
		}
		return body, true
	case token == body || (fold && strings.EqualFold(token, body)):
		return token, true
	case admin:
		return body, true
	default:
		return "", false
	}
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	patients, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list patients")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(patients, total, pg, c.Path()))
}

func (h *Handler) authorize(c echo.Context) (string, error) {
	pid := c.Param("patient_id")
	if !ValidID(pid) {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	if !auth.CanActForPatient(c.Request().Context(), pid) {
		return "", echo.NewHTTPError(http.StatusForbidden, "not your record")
	}
	return pid, nil
}

func (h *Handler) GetPatient(c echo.Context) error {
	pid, err := h.authorize(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetByPatientID(c.Request().Context(), pid)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	pid, err := h.authorize(c)
	if err != nil {
		return err
	}
	var u ProfileUpdate
	if err := c.Bind(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.UpdateProfile(c.Request().Context(), pid, u)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// GetQRCode renders the patient identifier as a PNG for scan-to-treat.
func (h *Handler) GetQRCode(c echo.Context) error {
	pid, err := h.authorize(c)
	if err != nil {
		return err
	}
	if _, err := h.svc.GetByPatientID(c.Request().Context(), pid); err != nil {
		return toHTTPError(err)
	}
	png, err := qrcode.Encode(pid, qrcode.Medium, qrSize)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to render QR code")
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Blob(http.StatusOK, "image/png", png)
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrEmailTaken):
		return echo.NewHTTPError(http.StatusConflict, "email already registered")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "patient directory unavailable")
	}
}
