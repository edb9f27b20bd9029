// Package auth implements the role/visibility access gate: role derivation
// from a session, and the Private/Internal/Public visibility rule, ported
// from the original Role/Visibility enums (this spec's AccessGate).
package auth

import (
	"encoding/json"
	"fmt"

	"github.com/collabpad/core/internal/session"
)

// Role is the caller's authorization level, derived from session presence
// and the admin flag.
type Role int

const (
	// RoleAnon is an unauthenticated caller.
	RoleAnon Role = iota
	// RoleUser is an authenticated, non-admin caller.
	RoleUser
	// RoleAdmin is an authenticated, admin caller.
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleAnon:
		return "anon"
	case RoleUser:
		return "user"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// RoleFor derives a Role from an optional authenticated user.
func RoleFor(user *session.User) Role {
	if user == nil {
		return RoleAnon
	}
	if user.Admin {
		return RoleAdmin
	}
	return RoleUser
}

// Visibility is a document's access policy, ordered Private < Internal < Public.
type Visibility int

const (
	VisibilityPrivate Visibility = iota
	VisibilityInternal
	VisibilityPublic
)

var visibilityNames = [...]string{"private", "internal", "public"}

func (v Visibility) String() string {
	if v < VisibilityPrivate || v > VisibilityPublic {
		return "unknown"
	}
	return visibilityNames[v]
}

// MarshalJSON encodes Visibility using its lowercase name, matching the
// protocol's "private"|"internal"|"public" wire values.
func (v Visibility) MarshalJSON() ([]byte, error) {
	if v < VisibilityPrivate || v > VisibilityPublic {
		return nil, fmt.Errorf("auth: invalid visibility %d", v)
	}
	return json.Marshal(visibilityNames[v])
}

// UnmarshalJSON parses the lowercase wire name back into a Visibility.
func (v *Visibility) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for i, name := range visibilityNames {
		if name == s {
			*v = Visibility(i)
			return nil
		}
	}
	return fmt.Errorf("auth: unknown visibility %q", s)
}

// CanAccess reports whether a caller with role can access a document with
// the given visibility: Public admits any role; Internal admits User or
// Admin; Private admits Admin only.
func CanAccess(role Role, visibility Visibility) bool {
	switch visibility {
	case VisibilityPrivate:
		return role == RoleAdmin
	case VisibilityInternal:
		return role != RoleAnon
	case VisibilityPublic:
		return true
	default:
		return false
	}
}

// Provider resolves a session to its authenticated user. The OpenID Connect
// login flow that populates a real provider's backing store is out of
// scope for this module (see spec.md Non-goals); Provider is the seam an
// external auth flow plugs into.
type Provider interface {
	// User returns the authenticated user for session, or ok=false if the
	// session is absent, unknown, or expired.
	User(s session.Session) (session.User, bool)
}

// TableProvider adapts a *session.Table to Provider.
type TableProvider struct {
	Table *session.Table
}

// User implements Provider.
func (p TableProvider) User(s session.Session) (session.User, bool) {
	return p.Table.Get(s)
}

// NoneProvider is a Provider that never authenticates anyone; it is the
// default when OPENID_CONFIG is unset, matching the spec's "absent
// disables authentication" rule.
type NoneProvider struct{}

// User implements Provider.
func (NoneProvider) User(session.Session) (session.User, bool) {
	return session.User{}, false
}
