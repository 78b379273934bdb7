package audit

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/pkg/pagination"
)

// Handler exposes the audit trail. Admins search everything; a patient reads
// who accessed their own record and why.
type Handler struct {
	searcher Searcher
	verifier Verifier
}

// NewHandler reads from sink. Backends that cannot read back or verify
// answer those routes with 501.
func NewHandler(sink Sink) *Handler {
	h := &Handler{}
	h.searcher, _ = sink.(Searcher)
	h.verifier, _ = sink.(Verifier)
	return h
}

func (h *Handler) RegisterRoutes(v1 *echo.Group) {
	admin := v1.Group("/audit", auth.RequireRole(auth.RoleAdmin))
	admin.GET("", h.Search)
	admin.GET("/verify", h.Verify)

	v1.GET("/patients/:patient_id/audit", h.PatientTrail, auth.RequireRole(auth.RolePatient))
}

var errBadTime = errors.New("since and until must be RFC 3339 timestamps")

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, errBadTime
	}
	return &t, nil
}

func searchParams(c echo.Context) (SearchParams, pagination.Params, error) {
	pg := pagination.FromContext(c)
	p := SearchParams{
		PatientID: c.QueryParam("patient_id"),
		Actor:     c.QueryParam("actor"),
		Action:    c.QueryParam("action"),
		Limit:     pg.Limit,
		Offset:    pg.Offset,
	}
	var err error
	if p.Since, err = parseTime(c.QueryParam("since")); err != nil {
		return p, pg, err
	}
	if p.Until, err = parseTime(c.QueryParam("until")); err != nil {
		return p, pg, err
	}
	return p, pg, nil
}

func (h *Handler) search(c echo.Context, p SearchParams, pg pagination.Params) error {
	if h.searcher == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "audit backend does not support search")
	}
	records, total, err := h.searcher.Search(c.Request().Context(), p)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "audit trail unavailable")
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, pagination.NewResponse(records, total, pg, c.Request().URL.Path))
}

// Search handles GET /audit with patient_id, actor, action, since and until
// filters.
func (h *Handler) Search(c echo.Context) error {
	p, pg, err := searchParams(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.search(c, p, pg)
}

// PatientTrail handles GET /patients/:patient_id/audit.
func (h *Handler) PatientTrail(c echo.Context) error {
	pid := c.Param("patient_id")
	if !auth.CanActForPatient(c.Request().Context(), pid) {
		return echo.NewHTTPError(http.StatusForbidden, "not your record")
	}
	p, pg, err := searchParams(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.PatientID = pid
	return h.search(c, p, pg)
}

type verifyResponse struct {
	Intact bool   `json:"intact"`
	Blocks uint64 `json:"blocks"`
	Error  string `json:"error,omitempty"`
}

// Verify handles GET /audit/verify. A broken chain answers 409 with the
// number of blocks that checked out before the break.
func (h *Handler) Verify(c echo.Context) error {
	if h.verifier == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "audit backend is not tamper-evident")
	}
	n, err := h.verifier.Verify(c.Request().Context())
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, verifyResponse{Intact: true, Blocks: n})
	case errors.Is(err, ErrChainBroken):
		return c.JSON(http.StatusConflict, verifyResponse{Blocks: n, Error: err.Error()})
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "audit trail unavailable")
	}
}
