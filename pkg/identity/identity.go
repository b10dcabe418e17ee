// Package identity stores and resolves platform users. It owns the
// PostgreSQL-backed directory of users, roles, privileges, trusted
// applications, and upstream connections, and implements the resolution
// step that maps an extracted upstream identity onto a directory user.
//
// The store talks to PostgreSQL through pgxpool with OpenTelemetry
// tracing on every operation. For unit tests, [NewStoreFromPool] accepts
// a pgxmock pool.
package identity

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RoleManualPrefix marks roles assigned by administrators. Roles with
// this prefix survive upstream role reconciliation.
const RoleManualPrefix = "MANUAL_"

// Names of built-in roles that reconciliation never removes.
const (
	RoleAdmin      = "ADMIN"
	RoleSuperAdmin = "SUPER_ADMIN"
	RoleOpenAccess = "OPEN_ACCESS"
)

// RoleFencePrefix marks roles derived from FENCE project access grants.
// These are replaced wholesale on every login.
const RoleFencePrefix = "FENCE_"

// User is a directory user. Roles are loaded with the user; privileges
// are derived from roles on demand.
//
// Matched records how the user entered the directory: administrators
// may pre-create users by email, and such placeholders stay unmatched
// until a claim-path match links them to an upstream subject.
// Auto-provisioned users keep Matched false.
type User struct {
	ID              uuid.UUID
	Subject         string
	Email           string
	ConnectionID    string
	GeneralMetadata json.RawMessage
	Active          bool
	Matched         bool
	AcceptedTOS     *time.Time
	Passport        string
	Roles           []Role
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasAcceptedTOS reports whether the user has accepted a terms of
// service version at or after since. A zero since accepts any recorded
// acceptance.
func (u *User) HasAcceptedTOS(since time.Time) bool {
	if u.AcceptedTOS == nil {
		return false
	}
	return since.IsZero() || !u.AcceptedTOS.Before(since)
}

// RoleNames returns the names of the user's roles.
func (u *User) RoleNames() []string {
	names := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		names = append(names, r.Name)
	}
	return names
}

// PrivilegeNames returns the deduplicated names of all privileges
// granted through the user's roles.
func (u *User) PrivilegeNames() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, role := range u.Roles {
		for _, priv := range role.Privileges {
			if _, ok := seen[priv.Name]; ok {
				continue
			}
			seen[priv.Name] = struct{}{}
			names = append(names, priv.Name)
		}
	}
	return names
}

// HasPrivilege reports whether any of the user's roles grants the named
// privilege.
func (u *User) HasPrivilege(name string) bool {
	for _, role := range u.Roles {
		for _, priv := range role.Privileges {
			if priv.Name == name {
				return true
			}
		}
	}
	return false
}

// Role is a named bundle of privileges.
type Role struct {
	ID          uuid.UUID
	Name        string
	Description string
	Privileges  []Privilege
}

// Preserved reports whether the role survives upstream role
// reconciliation: manually assigned roles, admin roles, and the open
// access role are never removed by a login.
func (r Role) Preserved() bool {
	if strings.HasPrefix(r.Name, RoleManualPrefix) {
		return true
	}
	switch r.Name {
	case RoleAdmin, RoleSuperAdmin, RoleOpenAccess:
		return true
	}
	return false
}

// Privilege is a named capability checked by the authorization filter.
type Privilege struct {
	ID          uuid.UUID
	Name        string
	Description string
}

// Application is a trusted service principal. Applications authenticate
// with a long-lived token issued at registration; the stored token must
// match the presented one exactly.
type Application struct {
	ID         uuid.UUID
	Name       string
	Token      string
	URL        string
	Enabled    bool
	Privileges []Privilege
}

// ClaimMapping pairs a path into the upstream claim document with a
// path into the stored user's general metadata. Paths use gjson syntax.
type ClaimMapping struct {
	ClaimPath    string `json:"claim_path"`
	MetadataPath string `json:"metadata_path"`
}

// Connection describes an upstream identity provider registration and
// how its claims match pre-created users.
type Connection struct {
	ID        string
	Label     string
	Subprefix string
	Mappings  []ClaimMapping
}
