package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Claims is the token body issued by the identity provider.
type Claims struct {
	jwt.RegisteredClaims
	Email     string   `json:"email"`
	Roles     []string `json:"roles"`
	PatientID string   `json:"patient_id,omitempty"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	// JWKSURL defaults to the issuer's discovery document.
	JWKSURL string
	// SigningKey switches verification to HS256. Local and test setups only.
	SigningKey []byte
}

// JWTMiddleware validates the bearer token and stores the caller's identity on
// the request context. Paths accepted by AuthSkipper pass through untouched.
//
// Only one algorithm is accepted: HS256 when a signing key is configured,
// RS256 against the JWKS otherwise.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	var keys *keySet
	if len(cfg.SigningKey) > 0 {
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	} else {
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
		url := cfg.JWKSURL
		if url == "" && cfg.Issuer != "" {
			if p, err := NewOIDCProvider(cfg.Issuer); err == nil {
				url = p.JWKSURI
			}
		}
		keys = newKeySet(url)
	}
	parser := jwt.NewParser(opts...)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if AuthSkipper(c) {
				return next(c)
			}
			raw, err := bearerToken(c.Request())
			if err != nil {
				return err
			}

			var keyfunc jwt.Keyfunc
			if keys != nil {
				keyfunc = keys.keyfunc(c.Request().Context())
			} else {
				keyfunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(raw, claims, keyfunc)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx := WithIdentity(c.Request().Context(), Identity{
				UserID:    claims.Subject,
				Email:     claims.Email,
				Roles:     claims.Roles,
				PatientID: claims.PatientID,
			})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	scheme, tok, ok := strings.Cut(h, " ")
	tok = strings.TrimSpace(tok)
	if !ok || !strings.EqualFold(scheme, "bearer") || tok == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return tok, nil
}

// Headers honoured by DevAuthMiddleware so a local frontend can act as a
// doctor or patient without an identity provider.
const (
	DevRoleHeader      = "X-Dev-Role"
	DevEmailHeader     = "X-Dev-Email"
	DevPatientIDHeader = "X-Dev-Patient-ID"
)

// DevAuthMiddleware attaches an identity built from the X-Dev-* headers,
// defaulting to an admin. Requests that carry an Authorization header are
// handed to tokens instead; with tokens nil the header is ignored.
func DevAuthMiddleware(tokens echo.MiddlewareFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		verified := next
		if tokens != nil {
			verified = tokens(next)
		}
		return func(c echo.Context) error {
			h := c.Request().Header
			if h.Get("Authorization") != "" && tokens != nil {
				return verified(c)
			}

			id := Identity{
				UserID:    "dev-user",
				Email:     h.Get(DevEmailHeader),
				Roles:     []string{RoleAdmin},
				PatientID: h.Get(DevPatientIDHeader),
			}
			if role := h.Get(DevRoleHeader); role != "" {
				id.Roles = []string{role}
			}
			if id.Email == "" {
				id.Email = "dev@localhost"
			}
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}
