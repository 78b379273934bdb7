package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole lets the request through when the caller holds any of roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	denied := "required role: " + strings.Join(roles, " or ")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, _ := IdentityFromContext(c.Request().Context())
			for _, r := range roles {
				if id.Has(r) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, denied)
		}
	}
}

// HasRole reports whether the caller holds role, treating admin as every role.
func HasRole(ctx context.Context, role string) bool {
	id, _ := IdentityFromContext(ctx)
	return id.Has(role)
}

// CanActForPatient reports whether the caller may act on behalf of patientID:
// admins always, patients only for the identifier bound to their account.
func CanActForPatient(ctx context.Context, patientID string) bool {
	id, _ := IdentityFromContext(ctx)
	if id.IsAdmin() {
		return true
	}
	return id.PatientID != "" && id.PatientID == patientID
}
