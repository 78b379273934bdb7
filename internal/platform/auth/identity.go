package auth

import "context"

// Roles understood by the route groups.
const (
	RoleAdmin   = "admin"
	RoleDoctor  = "doctor"
	RolePatient = "patient"
)

// Identity is the authenticated caller. PatientID is only set for patient
// accounts and carries the P-<year>-<nnn> identifier bound to the login.
type Identity struct {
	UserID    string
	Email     string
	Roles     []string
	PatientID string
}

// Has reports whether the identity holds role. Admin satisfies every role.
func (id Identity) Has(role string) bool {
	for _, r := range id.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

func (id Identity) IsAdmin() bool {
	for _, r := range id.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}

type identityKey struct{}

// WithIdentity returns ctx carrying id. Handlers and tests use it to build
// an authenticated context without going through a token.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the caller, if any middleware attached one.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func UserIDFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.UserID
}

func RolesFromContext(ctx context.Context) []string {
	id, _ := IdentityFromContext(ctx)
	return id.Roles
}

func EmailFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.Email
}

// PatientIDFromContext returns the patient identifier bound to the caller's
// account, or "" for non-patient accounts.
func PatientIDFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.PatientID
}
