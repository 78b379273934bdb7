package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists route paths that bypass authentication: health checks and
// the OTP login exchange that happens before a session exists.
var publicPaths = map[string]bool{
	"/health":         true,
	"/health/db":      true,
	"/api/send-otp":   true,
	"/api/verify-otp": true,
}

// AuthSkipper returns true for requests whose path should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether the given path is a public endpoint.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
