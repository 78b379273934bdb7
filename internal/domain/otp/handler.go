package otp

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/domain/patient"
	"github.com/medvault/medvault/internal/platform/upstream"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the login endpoints. Both are public.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/send-otp", h.SendOTP)
	api.POST("/verify-otp", h.VerifyOTP)
}

type sendRequest struct {
	Email string `json:"email"`
}

type verifyRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

func (h *Handler) SendOTP(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil || req.Email == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Email is required")
	}
	if err := h.svc.Issue(c.Request().Context(), req.Email); err != nil {
		if errors.Is(err, upstream.ErrUpstreamUnavailable) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "Failed to send OTP")
		}
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "OTP sent"})
}

func (h *Handler) VerifyOTP(c echo.Context) error {
	var req verifyRequest
	if err := c.Bind(&req); err != nil || req.Email == "" || req.OTP == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Email and otp required")
	}
	res, err := h.svc.Verify(c.Request().Context(), req.Email, req.OTP)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, struct {
		Message string `json:"message"`
		VerifyResult
	}{"Verified", res})
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, patient.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid email address")
	case errors.Is(err, ErrInvalidCode), errors.Is(err, ErrTooManyAttempts):
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid or expired OTP")
	case errors.Is(err, ErrThrottled):
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many codes requested; try again shortly")
	case errors.Is(err, upstream.ErrUpstreamUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
