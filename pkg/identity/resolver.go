package identity

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/helixmed/authgate/pkg/claims"
	sserr "github.com/helixmed/authgate/pkg/errors"
)

// notifyTimeout bounds the fire-and-forget denial notification.
const notifyTimeout = 10 * time.Second

// Directory is the slice of the store the resolver needs. *Store
// satisfies it.
type Directory interface {
	UserBySubject(ctx context.Context, subject string) (*User, error)
	UserByID(ctx context.Context, id uuid.UUID) (*User, error)
	UnmatchedUsers(ctx context.Context, connectionID string) ([]*User, error)
	ClaimSubject(ctx context.Context, userID uuid.UUID, subject string, metadata json.RawMessage) error
	CreateUser(ctx context.Context, user *User) (*User, error)
	UpdateMetadata(ctx context.Context, userID uuid.UUID, email string, metadata json.RawMessage) error
	ConnectionByID(ctx context.Context, id string) (*Connection, error)
	EnsureRoles(ctx context.Context, names []string, description string) error
	SetUserRoles(ctx context.Context, userID uuid.UUID, roleNames []string) error
}

var _ Directory = (*Store)(nil)

// DenialNotifier is told about login attempts that matched no directory
// user. Notification failures are logged, never surfaced to the login.
type DenialNotifier interface {
	NotifyAccessDenied(ctx context.Context, subject, connectionID, email string) error
}

// ResolverConfig configures identity resolution.
type ResolverConfig struct {
	// AutoProvision creates a directory user on first login instead of
	// rejecting unknown subjects. Created users start with no roles.
	AutoProvision bool `json:"auto_provision" yaml:"auto_provision" env:"IDENTITY_AUTO_PROVISION" envDefault:"false"`

	// Notifier, when set, is informed of denied logins.
	Notifier DenialNotifier `json:"-" yaml:"-"`

	// Logger defaults to slog.Default().
	Logger *slog.Logger `json:"-" yaml:"-"`
}

// Resolver maps extracted upstream identities onto directory users.
type Resolver struct {
	dir      Directory
	config   ResolverConfig
	logger   *slog.Logger
	tracer   trace.Tracer
	notifyFn func(func()) // test seam for the fire-and-forget goroutine
}

// NewResolver creates a Resolver over a directory.
func NewResolver(dir Directory, cfg ResolverConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		dir:      dir,
		config:   cfg,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		notifyFn: func(f func()) { go f() },
	}
}

// Resolve finds the directory user for an extracted upstream identity.
//
// Resolution proceeds in three stages: lookup by subject, claim-path
// matching against pre-created users of the same connection, and
// optionally auto-provisioning. A login that matches no user returns
// CodeAuthenticationNoMatchingUser and notifies the configured
// DenialNotifier. Upstream role grants (FENCE) are reconciled onto the
// matched user before it is returned, and an inactive user fails with
// CodeAuthenticationInactive.
func (r *Resolver) Resolve(ctx context.Context, ext *claims.ExternalIdentity) (*User, error) {
	ctx, span := r.tracer.Start(ctx, "identity.Resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("identity.connection", ext.Connection),
	)

	user, err := r.dir.UserBySubject(ctx, ext.Subject)
	switch {
	case err == nil:
	case sserr.HasCode(err, sserr.CodeNotFoundUser):
		user, err = r.matchOrProvision(ctx, ext)
		if err != nil {
			spanError(span, err)
			return nil, err
		}
	default:
		spanError(span, err)
		return nil, err
	}

	if err := r.dir.UpdateMetadata(ctx, user.ID, ext.Email, ext.RawClaims); err != nil {
		spanError(span, err)
		return nil, err
	}

	// An empty grant set from a role-bearing provider still reconciles:
	// access revoked upstream must drop the derived roles here.
	if ext.SyncRoles {
		user, err = r.reconcileRoles(ctx, user, ext.RoleNames)
		if err != nil {
			spanError(span, err)
			return nil, err
		}
	}

	if !user.Active {
		err := sserr.Newf(sserr.CodeAuthenticationInactive, "identity: user %s is deactivated", user.ID)
		spanError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("identity.user_id", user.ID.String()))
	return user, nil
}

// matchOrProvision handles a subject with no directory user: claim-path
// matching first, then auto-provisioning when enabled, otherwise a
// denial.
func (r *Resolver) matchOrProvision(ctx context.Context, ext *claims.ExternalIdentity) (*User, error) {
	conn, err := r.dir.ConnectionByID(ctx, ext.Connection)
	if err != nil && !sserr.HasCode(err, sserr.CodeNotFoundConnection) {
		return nil, err
	}

	if conn != nil && len(conn.Mappings) > 0 {
		user, matched, err := r.matchByClaims(ctx, ext, conn)
		if err != nil {
			return nil, err
		}
		if matched {
			r.logger.InfoContext(ctx, "matched login to pre-created user",
				"user_id", user.ID, "connection", conn.ID)
			return user, nil
		}
	}

	if r.config.AutoProvision {
		user, err := r.dir.CreateUser(ctx, &User{
			Subject:         ext.Subject,
			Email:           ext.Email,
			ConnectionID:    ext.Connection,
			GeneralMetadata: ext.RawClaims,
			Active:          true,
		})
		if err != nil {
			return nil, err
		}
		r.logger.InfoContext(ctx, "auto-provisioned user",
			"user_id", user.ID, "connection", ext.Connection)
		return user, nil
	}

	r.notifyDenied(ctx, ext)
	return nil, sserr.New(sserr.CodeAuthenticationNoMatchingUser,
		"identity: login matched no registered user")
}

// matchByClaims compares the login's claim document against every
// unmatched user of the connection. A candidate matches when every
// configured mapping yields equal, non-empty values on both sides
// (case-insensitive). The first match is claimed.
func (r *Resolver) matchByClaims(ctx context.Context, ext *claims.ExternalIdentity, conn *Connection) (*User, bool, error) {
	candidates, err := r.dir.UnmatchedUsers(ctx, conn.ID)
	if err != nil {
		return nil, false, err
	}

	for _, candidate := range candidates {
		if !mappingsMatch(ext.RawClaims, candidate.GeneralMetadata, conn.Mappings) {
			continue
		}
		err := r.dir.ClaimSubject(ctx, candidate.ID, ext.Subject, ext.RawClaims)
		if err != nil {
			// Claimed concurrently by another login of the same subject.
			if sserr.HasCode(err, sserr.CodeConflict) {
				user, lookupErr := r.dir.UserBySubject(ctx, ext.Subject)
				if lookupErr == nil {
					return user, true, nil
				}
				continue
			}
			return nil, false, err
		}
		user, err := r.dir.UserByID(ctx, candidate.ID)
		if err != nil {
			return nil, false, err
		}
		return user, true, nil
	}
	return nil, false, nil
}

// reconcileRoles replaces the user's upstream-derived roles with the
// current grants while keeping manually assigned and built-in roles.
func (r *Resolver) reconcileRoles(ctx context.Context, user *User, grantedRoles []string) (*User, error) {
	if err := r.dir.EnsureRoles(ctx, grantedRoles, "granted by upstream identity provider"); err != nil {
		return nil, err
	}

	final := make([]string, 0, len(user.Roles)+len(grantedRoles))
	for _, role := range user.Roles {
		if role.Preserved() {
			final = append(final, role.Name)
		}
	}
	final = append(final, grantedRoles...)

	if err := r.dir.SetUserRoles(ctx, user.ID, final); err != nil {
		return nil, err
	}
	return r.dir.UserByID(ctx, user.ID)
}

// notifyDenied informs the configured notifier in the background. The
// login result never waits on, or fails because of, the notification.
func (r *Resolver) notifyDenied(ctx context.Context, ext *claims.ExternalIdentity) {
	if r.config.Notifier == nil {
		return
	}
	notifyCtx := context.WithoutCancel(ctx)
	subject, connection, email := ext.Subject, ext.Connection, ext.Email
	r.notifyFn(func() {
		notifyCtx, cancel := context.WithTimeout(notifyCtx, notifyTimeout)
		defer cancel()
		if err := r.config.Notifier.NotifyAccessDenied(notifyCtx, subject, connection, email); err != nil {
			r.logger.WarnContext(notifyCtx, "denial notification failed",
				"subject", subject, "error", err)
		}
	})
}

// mappingsMatch reports whether every mapping yields equal non-empty
// values in the claim document and the stored metadata.
func mappingsMatch(claimDoc, metadata json.RawMessage, mappings []ClaimMapping) bool {
	if len(metadata) == 0 {
		return false
	}
	for _, m := range mappings {
		claimVal := gjson.GetBytes(claimDoc, m.ClaimPath).String()
		metaVal := gjson.GetBytes(metadata, m.MetadataPath).String()
		if claimVal == "" || metaVal == "" {
			return false
		}
		if !strings.EqualFold(claimVal, metaVal) {
			return false
		}
	}
	return true
}

func spanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}
