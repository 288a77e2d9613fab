// Package auth extracts the caller identity forwarded by the edge gateway.
// The gateway terminates authentication and passes the verified identity in
// headers; this service trusts them and only enforces ownership and role
// rules against that identity.
package auth

import (
	"net/http"

	"github.com/pmx/trade-engine/internal/apperr"
)

// Header names set by the gateway.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// RoleAdmin marks callers allowed to perform balance adjustments and other
// operator actions.
const RoleAdmin = "admin"

// Actor is the authenticated caller of a request.
type Actor struct {
	UserID string
	Role   string
}

// IsAdmin reports whether the actor carries the admin role.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// FromRequest reads the actor from the identity headers. Returns an
// unauthorized error when no user ID is present.
func FromRequest(r *http.Request) (Actor, error) {
	id := r.Header.Get(HeaderUserID)
	if id == "" {
		return Actor{}, apperr.E(apperr.KindUnauthorized, "missing user identity")
	}
	return Actor{UserID: id, Role: r.Header.Get(HeaderUserRole)}, nil
}
