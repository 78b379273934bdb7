package notification

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/platform/auth"
)

// Handler exposes delivery state to administrators.
type Handler struct {
	manager *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{manager: mgr}
}

// RegisterRoutes mounts the admin-only notification routes on api.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/notifications", auth.RequireRole(auth.RoleAdmin))
	g.GET("/stats", h.HandleStats)
	g.GET("/:id", h.HandleGet)
	g.POST("/:id/retry", h.HandleRetry)
}

func (h *Handler) HandleGet(c echo.Context) error {
	n, err := h.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "notification not found")
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) HandleRetry(c echo.Context) error {
	id := c.Param("id")
	if err := h.manager.Retry(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "notification not found")
		}
		if errors.Is(err, ErrNotRetryable) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		n, _ := h.manager.Get(c.Request().Context(), id)
		if n != nil && n.Status == StatusFailed {
			return c.JSON(http.StatusBadGateway, n)
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	n, _ := h.manager.Get(c.Request().Context(), id)
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Stats(c.Request().Context()))
}
