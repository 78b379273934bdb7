package doctor

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts onboarding for doctors under /doctors/me and the
// credential review queue for administrators.
func (h *Handler) RegisterRoutes(v1 *echo.Group) {
	me := v1.Group("/doctors/me", auth.RequireRole(auth.RoleDoctor))
	me.GET("", h.Me)
	me.POST("", h.Apply)
	me.PUT("/credential", h.UploadCredential)

	admin := v1.Group("/doctors", auth.RequireRole(auth.RoleAdmin))
	admin.GET("", h.List)
	admin.GET("/stats", h.Stats)
	admin.GET("/:id", h.Get)
	admin.GET("/:id/credential", h.DownloadCredential)
	admin.POST("/:id/verify", h.Verify)
	admin.POST("/:id/reject", h.Reject)
}

type reviewRequest struct {
	Note string `json:"note"`
}

func callerIDs(c echo.Context) (string, string, error) {
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	if userID == "" {
		return "", "", echo.NewHTTPError(http.StatusUnauthorized, "caller identity required")
	}
	return userID, auth.EmailFromContext(ctx), nil
}

func (h *Handler) Me(c echo.Context) error {
	userID, _, err := callerIDs(c)
	if err != nil {
		return err
	}
	d, err := h.svc.Me(c.Request().Context(), userID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// Apply submits the caller's profile. The email always comes from the token.
func (h *Handler) Apply(c echo.Context) error {
	var app Application
	if err := c.Bind(&app); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	userID, email, err := callerIDs(c)
	if err != nil {
		return err
	}
	if email == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token carries no email")
	}
	d, err := h.svc.Apply(c.Request().Context(), userID, email, app)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// UploadCredential takes the licence document as multipart field "file".
func (h *Handler) UploadCredential(c echo.Context) error {
	userID, _, err := callerIDs(c)
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

	content, err := io.ReadAll(io.LimitReader(src, MaxCredentialSize+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read uploaded file")
	}
	cred, err := h.svc.UploadCredential(c.Request().Context(), userID, file.Filename, file.Header.Get("Content-Type"), content)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, cred)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	doctors, total, err := h.svc.List(c.Request().Context(), Status(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(doctors, total, pg, c.Request().URL.Path))
}

func (h *Handler) Stats(c echo.Context) error {
	counts, err := h.svc.Counts(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, counts)
}

func (h *Handler) Get(c echo.Context) error {
	d, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) DownloadCredential(c echo.Context) error {
	cred, err := h.svc.Credential(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	hdr := c.Response().Header()
	hdr.Set("Cache-Control", "no-store")
	hdr.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", cred.Name))
	hdr.Set("X-Content-SHA256", cred.Hash)
	return c.Blob(http.StatusOK, cred.ContentType, cred.Content)
}

func (h *Handler) Verify(c echo.Context) error {
	return h.review(c, StatusVerified)
}

func (h *Handler) Reject(c echo.Context) error {
	return h.review(c, StatusRejected)
}

func (h *Handler) review(c echo.Context, status Status) error {
	var req reviewRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	ctx := c.Request().Context()
	reviewer := auth.EmailFromContext(ctx)
	if reviewer == "" {
		reviewer = auth.UserIDFromContext(ctx)
	}
	d, err := h.svc.Review(ctx, c.Param("id"), status, req.Note, reviewer)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "doctor not found")
	case errors.Is(err, ErrNoCredential):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrEmptyCredential):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrContentType):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, ErrTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ErrDuplicateUser), errors.Is(err, ErrEmailTaken),
		errors.Is(err, ErrLicenseTaken), errors.Is(err, ErrAlreadyVerified),
		errors.Is(err, ErrNotReviewable), errors.Is(err, ErrStatusChanged):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "doctor registry unavailable")
	}
}
