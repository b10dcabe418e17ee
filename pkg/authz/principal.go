// Package authz is the request authorization filter. It verifies the
// bearer token on incoming HTTP requests and gRPC calls, resolves the
// token to a principal (a directory user or a registered application),
// enforces the terms of service gate and per-route privilege
// requirements, and places the principal in the request context.
//
// Authorization snapshots are memoized through the [cache.Cache] so
// that steady-state requests do not hit the identity database. The
// cache is advisory: a miss or a cache failure falls back to a
// directory lookup.
package authz

import (
	"time"

	"github.com/google/uuid"

	"github.com/helixmed/authgate/pkg/cache"
	"github.com/helixmed/authgate/pkg/identity"
)

// PrincipalType distinguishes human users from registered applications.
type PrincipalType string

const (
	// PrincipalTypeUser is a directory user authenticated with a
	// session or long-term token.
	PrincipalTypeUser PrincipalType = "user"

	// PrincipalTypeApplication is a registered application
	// authenticating with its stored application token.
	PrincipalTypeApplication PrincipalType = "application"
)

// String returns the string representation of the principal type.
func (t PrincipalType) String() string {
	return string(t)
}

// Principal is an authenticated caller. Implementations are immutable
// and safe for concurrent use.
type Principal interface {
	// ID returns the principal's directory identifier.
	ID() string

	// Type returns whether the principal is a user or an application.
	Type() PrincipalType

	// Email returns the user's email, or an empty string for
	// applications.
	Email() string

	// HasPrivilege reports whether the principal holds the named
	// privilege.
	HasPrivilege(name string) bool

	// Privileges returns the principal's privilege names.
	Privileges() []string
}

// UserPrincipal is a directory user resolved from a verified token.
type UserPrincipal struct {
	id          uuid.UUID
	subject     string
	email       string
	privileges  []string
	active      bool
	acceptedTOS bool
	longTerm    bool
}

// NewUserPrincipal builds a principal from a directory user. The terms
// of service gate is evaluated against since at construction time.
func NewUserPrincipal(u *identity.User, since time.Time, longTerm bool) *UserPrincipal {
	return &UserPrincipal{
		id:          u.ID,
		subject:     u.Subject,
		email:       u.Email,
		privileges:  u.PrivilegeNames(),
		active:      u.Active,
		acceptedTOS: u.HasAcceptedTOS(since),
		longTerm:    longTerm,
	}
}

// UserPrincipalFromEntry builds a principal from a cached authorization
// snapshot.
func UserPrincipalFromEntry(e *cache.Entry, longTerm bool) *UserPrincipal {
	privileges := make([]string, len(e.Privileges))
	copy(privileges, e.Privileges)
	return &UserPrincipal{
		id:          e.UserID,
		subject:     e.Subject,
		email:       e.Email,
		privileges:  privileges,
		active:      e.Active,
		acceptedTOS: e.AcceptedTOS,
		longTerm:    longTerm,
	}
}

// ID returns the user's directory UUID as a string.
func (p *UserPrincipal) ID() string { return p.id.String() }

// UserID returns the user's directory UUID.
func (p *UserPrincipal) UserID() uuid.UUID { return p.id }

// Type returns PrincipalTypeUser.
func (p *UserPrincipal) Type() PrincipalType { return PrincipalTypeUser }

// Email returns the user's email address.
func (p *UserPrincipal) Email() string { return p.email }

// Subject returns the upstream subject the user is linked to.
func (p *UserPrincipal) Subject() string { return p.subject }

// Active reports whether the user account is active.
func (p *UserPrincipal) Active() bool { return p.active }

// AcceptedTOS reports whether the user has accepted the current terms
// of service.
func (p *UserPrincipal) AcceptedTOS() bool { return p.acceptedTOS }

// LongTerm reports whether the user authenticated with a long-term
// token.
func (p *UserPrincipal) LongTerm() bool { return p.longTerm }

// HasPrivilege reports whether the user holds the named privilege.
func (p *UserPrincipal) HasPrivilege(name string) bool {
	for _, priv := range p.privileges {
		if priv == name {
			return true
		}
	}
	return false
}

// Privileges returns a copy of the user's privilege names.
func (p *UserPrincipal) Privileges() []string {
	copied := make([]string, len(p.privileges))
	copy(copied, p.privileges)
	return copied
}

// ApplicationPrincipal is a registered application authenticated with
// its stored token.
type ApplicationPrincipal struct {
	id         uuid.UUID
	name       string
	privileges []string
}

// NewApplicationPrincipal builds a principal from a registered
// application.
func NewApplicationPrincipal(app *identity.Application) *ApplicationPrincipal {
	privileges := make([]string, 0, len(app.Privileges))
	for _, priv := range app.Privileges {
		privileges = append(privileges, priv.Name)
	}
	return &ApplicationPrincipal{
		id:         app.ID,
		name:       app.Name,
		privileges: privileges,
	}
}

// ID returns the application's directory UUID.
func (p *ApplicationPrincipal) ID() string { return p.id.String() }

// Type returns PrincipalTypeApplication.
func (p *ApplicationPrincipal) Type() PrincipalType { return PrincipalTypeApplication }

// Email returns an empty string; applications have no email.
func (p *ApplicationPrincipal) Email() string { return "" }

// Name returns the application's registered name.
func (p *ApplicationPrincipal) Name() string { return p.name }

// HasPrivilege reports whether the application holds the named
// privilege.
func (p *ApplicationPrincipal) HasPrivilege(name string) bool {
	for _, priv := range p.privileges {
		if priv == name {
			return true
		}
	}
	return false
}

// Privileges returns a copy of the application's privilege names.
func (p *ApplicationPrincipal) Privileges() []string {
	copied := make([]string, len(p.privileges))
	copy(copied, p.privileges)
	return copied
}

var (
	_ Principal = (*UserPrincipal)(nil)
	_ Principal = (*ApplicationPrincipal)(nil)
)
