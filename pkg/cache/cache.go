// Package cache holds short-lived authorization snapshots so that
// request filtering does not hit the identity database on every call.
// Entries are keyed by the user's email and carry the resolved
// privilege set. The cache is advisory: a miss or a cache failure falls
// back to a database lookup, and logout invalidates synchronously.
//
// Two backends are provided: a Redis-backed cache for multi-replica
// deployments and an in-memory cache for single-instance ones.
package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Entry is a cached authorization snapshot for one user.
type Entry struct {
	UserID      uuid.UUID `json:"user_id"`
	Subject     string    `json:"subject"`
	Email       string    `json:"email"`
	Roles       []string  `json:"roles"`
	Privileges  []string  `json:"privileges"`
	Active      bool      `json:"active"`
	AcceptedTOS bool      `json:"accepted_tos"`
	CachedAt    time.Time `json:"cached_at"`
}

// HasPrivilege reports whether the snapshot carries the named privilege.
func (e *Entry) HasPrivilege(name string) bool {
	for _, p := range e.Privileges {
		if p == name {
			return true
		}
	}
	return false
}

// Cache stores authorization snapshots keyed by email.
//
// Get returns CodeNotFound on a miss. Put overwrites any existing
// snapshot for the email. Invalidate is synchronous: when it returns,
// the snapshot is gone from the backend.
type Cache interface {
	Get(ctx context.Context, email string) (*Entry, error)
	Put(ctx context.Context, email string, entry *Entry) error
	Invalidate(ctx context.Context, email string) error
	Health(ctx context.Context) error
	Close() error
}
