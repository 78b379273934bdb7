package middleware

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/platform/auth"
)

// AuditEntry represents an audit log entry produced by the middleware.
// It captures who accessed what, when, from where, and the action type.
type AuditEntry struct {
	UserID       string
	UserRoles    []string
	ResourceType string
	PatientID    string
	Action       string // read, create, update, delete
	IPAddress    string
	UserAgent    string
	Path         string
	Method       string
	Emergency    bool
	Timestamp    time.Time
	RequestID    string
	StatusCode   int
}

// AuditRecorder persists audit entries produced by the middleware.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

var patientIDPattern = regexp.MustCompile(`P-\d{4}-\d{3,}`)

// Audit returns Echo middleware that logs every request touching patient data
// (/api/v1/* and the legacy /api/* routes) as a phi_access event. Requests to
// an emergency override path are logged at warn level.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			ctx := req.Context()
			entry := AuditEntry{
				Timestamp:    time.Now().UTC(),
				Path:         path,
				Method:       req.Method,
				IPAddress:    c.RealIP(),
				UserAgent:    req.UserAgent(),
				StatusCode:   status,
				UserID:       auth.UserIDFromContext(ctx),
				UserRoles:    auth.RolesFromContext(ctx),
				Action:       httpMethodToAction(req.Method),
				ResourceType: extractResourceType(path),
				PatientID:    extractPatientID(c),
				Emergency:    strings.Contains(path, "/emergency"),
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if entry.Emergency {
				evt = logger.Warn()
			}
			evt.
				Str("type", "phi_access").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource_type", entry.ResourceType).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Bool("emergency", entry.Emergency).
				Msg("phi_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	if !strings.HasPrefix(path, "/api/") {
		return false
	}
	return path != "/api/send-otp" && path != "/api/verify-otp"
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractResourceType returns the first path segment after the API prefix:
//   - /api/v1/access-requests/abc -> access-requests
//   - /api/check-request-status   -> check-request-status
func extractResourceType(path string) string {
	rest := strings.TrimPrefix(path, "/api/")
	rest = strings.TrimPrefix(rest, "v1/")
	seg, _, _ := strings.Cut(rest, "/")
	if seg == "" {
		return "unknown"
	}
	return seg
}

// extractPatientID looks for a patient identifier in the :patient_id route
// param, the patientId query param, then anywhere in the path.
func extractPatientID(c echo.Context) string {
	if pid := c.Param("patient_id"); pid != "" {
		return pid
	}
	if pid := c.QueryParam("patientId"); pid != "" {
		return pid
	}
	return patientIDPattern.FindString(c.Request().URL.Path)
}
