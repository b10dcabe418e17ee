package authz

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/helixmed/authgate/pkg/cache"
	sserr "github.com/helixmed/authgate/pkg/errors"
	"github.com/helixmed/authgate/pkg/identity"
	"github.com/helixmed/authgate/pkg/token"
)

const tracerName = "github.com/helixmed/authgate/pkg/authz"

// Directory is the subset of the identity store the filter needs.
// *identity.Store satisfies it.
type Directory interface {
	UserBySubject(ctx context.Context, subject string) (*identity.User, error)
	ApplicationByID(ctx context.Context, id uuid.UUID) (*identity.Application, error)
}

var _ Directory = (*identity.Store)(nil)

// FilterConfig configures the authorization filter.
type FilterConfig struct {
	// Codec verifies bearer tokens. Required.
	Codec *token.Codec

	// Directory resolves token subjects to users and applications.
	// Required.
	Directory Directory

	// Cache memoizes authorization snapshots by email. Optional; when
	// nil every request hits the directory.
	Cache cache.Cache

	// TermsSince returns the effective date of the current terms of
	// service. Users whose acceptance predates it must re-accept; a
	// zero time accepts any recorded acceptance. Nil disables the
	// terms of service gate entirely.
	TermsSince func() time.Time

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Filter authorizes requests: it verifies the bearer token, resolves
// the principal, and enforces the terms of service gate and per-route
// privilege requirements.
type Filter struct {
	codec        *token.Codec
	dir          Directory
	cache        cache.Cache
	termsEnabled bool
	termsSince   func() time.Time
	logger       *slog.Logger
	tracer       trace.Tracer
}

// NewFilter creates a filter from the given configuration.
func NewFilter(cfg FilterConfig) (*Filter, error) {
	if cfg.Codec == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "filter requires a token codec")
	}
	if cfg.Directory == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "filter requires a directory")
	}
	termsEnabled := cfg.TermsSince != nil
	termsSince := cfg.TermsSince
	if termsSince == nil {
		termsSince = func() time.Time { return time.Time{} }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{
		codec:        cfg.Codec,
		dir:          cfg.Directory,
		cache:        cfg.Cache,
		termsEnabled: termsEnabled,
		termsSince:   termsSince,
		logger:       logger,
		tracer:       otel.Tracer(tracerName),
	}, nil
}

// Authorize verifies the bearer token against the route's requirements
// and returns the authenticated principal.
func (f *Filter) Authorize(ctx context.Context, tokenStr string, route Route) (Principal, error) {
	ctx, span := f.tracer.Start(ctx, "authz.Authorize",
		trace.WithAttributes(attribute.String("route.name", route.Name)))
	defer span.End()

	principal, err := f.authorize(ctx, tokenStr, route)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.String("principal.type", principal.Type().String()))
	return principal, nil
}

func (f *Filter) authorize(ctx context.Context, tokenStr string, route Route) (Principal, error) {
	claims, err := f.codec.Verify(ctx, tokenStr)
	if err != nil {
		return nil, err
	}

	if claims.IsApplication() {
		return f.authorizeApplication(ctx, tokenStr, claims, route)
	}
	return f.authorizeUser(ctx, claims, route)
}

// authorizeApplication resolves an application token. The presented
// token must match the registered application token exactly, and
// application tokens are only accepted on routes declared for them.
func (f *Filter) authorizeApplication(ctx context.Context, tokenStr string, claims *token.Claims, route Route) (Principal, error) {
	if !route.ApplicationOnly {
		return nil, sserr.New(sserr.CodeAuthorization, "application tokens are not accepted on this route")
	}

	appID, err := uuid.Parse(claims.BareSubject())
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "malformed application token subject")
	}

	app, err := f.dir.ApplicationByID(ctx, appID)
	if err != nil {
		if sserr.IsNotFound(err) {
			return nil, sserr.Newf(sserr.CodeAuthentication, "unknown application %s", appID)
		}
		return nil, err
	}
	if !app.Enabled {
		return nil, sserr.Newf(sserr.CodeAuthenticationInactive, "application %s is disabled", app.Name)
	}
	if app.Token != tokenStr {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "token does not match the registered application token")
	}

	principal := NewApplicationPrincipal(app)
	if err := checkPrivileges(route, principal); err != nil {
		return nil, err
	}
	return principal, nil
}

// authorizeUser resolves a user token, consulting the authorization
// cache before the directory.
func (f *Filter) authorizeUser(ctx context.Context, claims *token.Claims, route Route) (Principal, error) {
	if route.ApplicationOnly {
		return nil, sserr.New(sserr.CodeAuthorization, "route requires an application token")
	}

	longTerm := claims.IsLongTerm()
	if longTerm && !route.AllowLongTerm {
		return nil, sserr.New(sserr.CodeAuthorization, "long-term tokens are not accepted on this route")
	}

	principal := f.cachedPrincipal(ctx, claims, longTerm)
	if principal == nil {
		var err error
		principal, err = f.lookupPrincipal(ctx, claims, longTerm)
		if err != nil {
			return nil, err
		}
	}

	if !principal.Active() {
		return nil, sserr.New(sserr.CodeAuthenticationInactive, "user account is deactivated")
	}
	if f.termsEnabled && !route.SkipTOSGate && !principal.AcceptedTOS() {
		return nil, sserr.New(sserr.CodeAuthorizationTermsOfService, "terms of service not accepted")
	}
	if err := checkPrivileges(route, principal); err != nil {
		return nil, err
	}
	return principal, nil
}

// cachedPrincipal returns a principal from the authorization cache, or
// nil when there is no usable snapshot. A snapshot whose subject no
// longer matches the token is evicted.
func (f *Filter) cachedPrincipal(ctx context.Context, claims *token.Claims, longTerm bool) *UserPrincipal {
	if f.cache == nil || claims.Email == "" {
		return nil
	}

	entry, err := f.cache.Get(ctx, claims.Email)
	if err != nil {
		if !sserr.IsNotFound(err) {
			f.logger.WarnContext(ctx, "authorization cache lookup failed",
				"email", claims.Email, "error", err)
		}
		return nil
	}
	if entry.Subject != claims.BareSubject() {
		if err := f.cache.Invalidate(ctx, claims.Email); err != nil {
			f.logger.WarnContext(ctx, "failed to evict stale authorization snapshot",
				"email", claims.Email, "error", err)
		}
		return nil
	}
	return UserPrincipalFromEntry(entry, longTerm)
}

// lookupPrincipal resolves the token subject against the directory and
// refreshes the authorization cache.
func (f *Filter) lookupPrincipal(ctx context.Context, claims *token.Claims, longTerm bool) (*UserPrincipal, error) {
	user, err := f.dir.UserBySubject(ctx, claims.BareSubject())
	if err != nil {
		if sserr.IsNotFound(err) {
			return nil, sserr.New(sserr.CodeAuthentication, "no user for token subject")
		}
		return nil, err
	}

	since := f.termsSince()
	if f.cache != nil && user.Email != "" {
		entry := &cache.Entry{
			UserID:      user.ID,
			Subject:     user.Subject,
			Email:       user.Email,
			Roles:       user.RoleNames(),
			Privileges:  user.PrivilegeNames(),
			Active:      user.Active,
			AcceptedTOS: user.HasAcceptedTOS(since),
			CachedAt:    time.Now().UTC(),
		}
		if err := f.cache.Put(ctx, user.Email, entry); err != nil {
			f.logger.WarnContext(ctx, "failed to store authorization snapshot",
				"email", user.Email, "error", err)
		}
	}

	return NewUserPrincipal(user, since, longTerm), nil
}

// checkPrivileges enforces the route's privilege requirement: the
// principal must hold every declared privilege. A principal with no
// privileges at all hitting a gated route is a deployment
// configuration problem, not a denial.
func checkPrivileges(route Route, p Principal) error {
	if len(route.Privileges) == 0 {
		return nil
	}
	if len(p.Privileges()) == 0 {
		return sserr.Newf(sserr.CodeInternalConfiguration,
			"principal %s has no privileges assigned; route %s requires %v",
			p.ID(), route.Name, route.Privileges)
	}
	for _, required := range route.Privileges {
		if !p.HasPrivilege(required) {
			return sserr.Newf(sserr.CodeAuthorizationDenied,
				"principal lacks the privileges required for route %s", route.Name)
		}
	}
	return nil
}
