package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const fallbackLimit int64 = 1 << 20

// sizeUnits is checked in order, so two-letter suffixes come first.
var sizeUnits = []struct {
	suffix string
	shift  uint
}{
	{"GB", 30}, {"MB", 20}, {"KB", 10},
	{"G", 30}, {"M", 20}, {"K", 10}, {"B", 0},
}

// BodyLimit caps request bodies at defaultLimit, or at uploadLimit for vault
// uploads (POST .../documents) and licence uploads (PUT .../credential). Limits are sizes such as "512K" or "10M";
// a bare number is bytes.
func BodyLimit(defaultLimit, uploadLimit string) echo.MiddlewareFunc {
	standard := parseLimit(defaultLimit)
	upload := parseLimit(uploadLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := standard
			if isDocumentUpload(req) {
				limit = upload
			}
			if req.ContentLength > limit {
				return bodyTooLarge(limit)
			}

			// Content-Length may be absent or wrong; count what is actually read.
			req.Body = &cappedBody{ReadCloser: req.Body, left: limit, limit: limit}
			return next(c)
		}
	}
}

func isDocumentUpload(req *http.Request) bool {
	path := strings.TrimSuffix(req.URL.Path, "/")
	switch req.Method {
	case http.MethodPost:
		return strings.HasSuffix(path, "/documents")
	case http.MethodPut:
		return strings.HasSuffix(path, "/doctors/me/credential")
	}
	return false
}

func bodyTooLarge(limit int64) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
		fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", limit))
}

// cappedBody fails every read once more than limit bytes have been seen.
type cappedBody struct {
	io.ReadCloser
	left    int64
	limit   int64
	tripped bool
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.tripped {
		return 0, bodyTooLarge(b.limit)
	}
	// One byte past the limit is enough to detect overflow.
	if room := b.left + 1; int64(len(p)) > room {
		p = p[:room]
	}
	n, err := b.ReadCloser.Read(p)
	b.left -= int64(n)
	if b.left < 0 {
		b.tripped = true
		return 0, bodyTooLarge(b.limit)
	}
	return n, err
}

// parseLimit turns "10M" into bytes. Unparseable or non-positive sizes fall
// back to 1 MB.
func parseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	var shift uint
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			s, shift = strings.TrimSuffix(s, u.suffix), u.shift
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return fallbackLimit
	}
	return n << shift
}
