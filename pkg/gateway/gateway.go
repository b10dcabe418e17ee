// Package gateway orchestrates the login pipeline: it drives the
// upstream code exchange, claim extraction, identity resolution, and
// session token issuance, and owns logout, terms of service acceptance,
// token introspection, and token refresh.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/helixmed/authgate/pkg/cache"
	"github.com/helixmed/authgate/pkg/claims"
	sserr "github.com/helixmed/authgate/pkg/errors"
	"github.com/helixmed/authgate/pkg/federation"
	"github.com/helixmed/authgate/pkg/identity"
	"github.com/helixmed/authgate/pkg/token"
)

const tracerName = "github.com/helixmed/authgate/pkg/gateway"

// DefaultSessionTTL is the lifetime of issued session tokens when the
// configuration does not specify one.
const DefaultSessionTTL = time.Hour

// Flow selects how a provider's access token is turned into claims.
type Flow string

const (
	// FlowProfile fetches the provider's user profile endpoint
	// (FENCE/Gen3).
	FlowProfile Flow = "profile"

	// FlowIntrospection introspects the access token and decodes any
	// embedded GA4GH passport (RAS).
	FlowIntrospection Flow = "introspection"

	// FlowUserinfo fetches an OIDC userinfo document carrying the
	// subject in user_id and the connection in identities.
	FlowUserinfo Flow = "userinfo"
)

// Upstream is the subset of [federation.Provider] the gateway drives
// during login.
type Upstream interface {
	ExchangeCode(ctx context.Context, code, redirectURI string) (*federation.TokenResponse, error)
	FetchProfile(ctx context.Context, accessToken string) (json.RawMessage, error)
	IntrospectToken(ctx context.Context, accessToken string) (json.RawMessage, error)
}

var _ Upstream = (*federation.Provider)(nil)

// Provider binds a federation client to its claim flow and directory
// connection.
type Provider struct {
	Upstream     Upstream
	Flow         Flow
	ConnectionID string
}

// Store is the subset of the identity store the gateway needs.
// *identity.Store satisfies it.
type Store interface {
	UserByID(ctx context.Context, id uuid.UUID) (*identity.User, error)
	UserBySubject(ctx context.Context, subject string) (*identity.User, error)
	SetPassport(ctx context.Context, userID uuid.UUID, passport string) error
	AcceptTermsOfService(ctx context.Context, userID uuid.UUID, at time.Time) error
}

var _ Store = (*identity.Store)(nil)

// Resolver maps extracted upstream identities onto directory users.
// *identity.Resolver satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, ext *claims.ExternalIdentity) (*identity.User, error)
}

var _ Resolver = (*identity.Resolver)(nil)

// Terms is the current terms of service document.
type Terms struct {
	Content   string    `json:"content" yaml:"content"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Config configures the gateway.
type Config struct {
	// Codec issues and verifies session tokens. Required.
	Codec *token.Codec

	// Extractor normalizes upstream claim documents. Required.
	Extractor *claims.Extractor

	// Resolver maps extracted identities onto directory users.
	// Required.
	Resolver Resolver

	// Store persists passports and terms of service acceptance.
	// Required.
	Store Store

	// Cache is the authorization cache, evicted on login, logout, and
	// terms acceptance. Optional.
	Cache cache.Cache

	// Providers maps provider names to their login configuration.
	Providers map[string]Provider

	// SessionTTL is the lifetime of issued session tokens. Defaults
	// to one hour.
	SessionTTL time.Duration `json:"session_ttl" yaml:"session_ttl" env:"GATEWAY_SESSION_TTL" envDefault:"1h"`

	// Terms is the current terms of service document. Users whose
	// acceptance predates Terms.UpdatedAt must re-accept.
	Terms Terms

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// LoginRequest carries the authorization code returned by the upstream
// provider's redirect. RedirectURI is optional; when empty the
// provider's configured redirect is used.
type LoginRequest struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri,omitempty"`
}

// LoginResponse is returned to the client after a successful login.
type LoginResponse struct {
	Token          string    `json:"token"`
	Name           string    `json:"name,omitempty"`
	Email          string    `json:"email"`
	UserID         uuid.UUID `json:"user_id"`
	AcceptedTOS    bool      `json:"accepted_tos"`
	ExpirationDate string    `json:"expiration_date"`
}

// Introspection is the gateway's answer to a token inspection request.
// An invalid or expired token yields Active false with no other fields.
type Introspection struct {
	Active      bool       `json:"active"`
	Subject     string     `json:"sub,omitempty"`
	Email       string     `json:"email,omitempty"`
	Privileges  []string   `json:"privileges,omitempty"`
	AcceptedTOS bool       `json:"accepted_tos,omitempty"`
	ExpiresAt   *time.Time `json:"exp,omitempty"`
}

// RefreshResponse carries a possibly reissued session token.
type RefreshResponse struct {
	Token          string `json:"token"`
	ExpirationDate string `json:"expiration_date"`
	Refreshed      bool   `json:"refreshed"`
}

// Gateway orchestrates login, logout, terms of service, and token
// maintenance.
type Gateway struct {
	codec     *token.Codec
	extractor *claims.Extractor
	resolver  Resolver
	store     Store
	cache     cache.Cache
	providers map[string]Provider
	ttl       time.Duration
	terms     Terms
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// New creates a gateway from the given configuration.
func New(cfg Config) (*Gateway, error) {
	if cfg.Codec == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "gateway requires a token codec")
	}
	if cfg.Extractor == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "gateway requires a claim extractor")
	}
	if cfg.Resolver == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "gateway requires an identity resolver")
	}
	if cfg.Store == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "gateway requires an identity store")
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	providers := make(map[string]Provider, len(cfg.Providers))
	for name, p := range cfg.Providers {
		providers[name] = p
	}
	return &Gateway{
		codec:     cfg.Codec,
		extractor: cfg.Extractor,
		resolver:  cfg.Resolver,
		store:     cfg.Store,
		cache:     cfg.Cache,
		providers: providers,
		ttl:       cfg.SessionTTL,
		terms:     cfg.Terms,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}, nil
}

// ----------------------------------------------------------------------------
// Login and logout
// ----------------------------------------------------------------------------

// Login runs the full authentication pipeline for the named provider:
// code exchange, claim extraction, identity resolution, cache eviction,
// and session token issuance.
func (g *Gateway) Login(ctx context.Context, providerName string, req LoginRequest) (*LoginResponse, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Login",
		trace.WithAttributes(attribute.String("provider", providerName)))
	defer span.End()

	resp, err := g.login(ctx, providerName, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

func (g *Gateway) login(ctx context.Context, providerName string, req LoginRequest) (*LoginResponse, error) {
	provider, ok := g.providers[providerName]
	if !ok {
		return nil, sserr.Newf(sserr.CodeNotFoundConnection, "unknown identity provider %q", providerName)
	}

	tok, err := provider.Upstream.ExchangeCode(ctx, req.Code, req.RedirectURI)
	if err != nil {
		return nil, err
	}

	ext, passport, err := g.extract(ctx, provider, tok.AccessToken)
	if err != nil {
		return nil, err
	}

	user, err := g.resolver.Resolve(ctx, ext)
	if err != nil {
		return nil, err
	}

	// Role reconciliation may have changed the privilege set; the
	// cached snapshot is stale either way.
	g.evict(ctx, user.Email)

	if passport != "" {
		if err := g.store.SetPassport(ctx, user.ID, passport); err != nil {
			return nil, err
		}
	}

	expiresAt := g.now().Add(g.ttl).UTC()
	session, err := g.codec.Issue(ctx, user.Subject, map[string]any{
		"email": user.Email,
		"name":  ext.Name,
	}, g.ttl)
	if err != nil {
		return nil, err
	}

	g.logger.InfoContext(ctx, "login succeeded",
		"provider", providerName,
		"user_id", user.ID,
		"email", user.Email,
		"expires_at", expiresAt)

	return &LoginResponse{
		Token:          session,
		Name:           ext.Name,
		Email:          user.Email,
		UserID:         user.ID,
		AcceptedTOS:    user.HasAcceptedTOS(g.terms.UpdatedAt),
		ExpirationDate: expiresAt.Format(time.RFC3339),
	}, nil
}

// extract runs the provider's claim flow and returns the normalized
// identity plus any embedded GA4GH passport for persistence.
func (g *Gateway) extract(ctx context.Context, provider Provider, accessToken string) (*claims.ExternalIdentity, string, error) {
	switch provider.Flow {
	case FlowProfile:
		profile, err := provider.Upstream.FetchProfile(ctx, accessToken)
		if err != nil {
			return nil, "", err
		}
		ext, err := g.extractor.FromFenceProfile(ctx, profile, provider.ConnectionID)
		return ext, "", err

	case FlowIntrospection:
		introspection, err := provider.Upstream.IntrospectToken(ctx, accessToken)
		if err != nil {
			return nil, "", err
		}
		ext, err := g.extractor.FromIntrospection(ctx, introspection, provider.ConnectionID)
		if err != nil {
			return nil, "", err
		}
		return ext, gjson.GetBytes(introspection, "passport_jwt_v11").String(), nil

	case FlowUserinfo:
		userinfo, err := provider.Upstream.FetchProfile(ctx, accessToken)
		if err != nil {
			return nil, "", err
		}
		ext, err := g.extractor.FromUserinfo(ctx, userinfo)
		return ext, "", err

	default:
		return nil, "", sserr.Newf(sserr.CodeInternalConfiguration, "provider has unknown claim flow %q", provider.Flow)
	}
}

// Logout ends the session for the token's user: the stored passport is
// cleared and the authorization snapshot is evicted before returning.
func (g *Gateway) Logout(ctx context.Context, tokenStr string) error {
	ctx, span := g.tracer.Start(ctx, "gateway.Logout")
	defer span.End()

	err := g.logout(ctx, tokenStr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (g *Gateway) logout(ctx context.Context, tokenStr string) error {
	tokenClaims, err := g.codec.Verify(ctx, tokenStr)
	if err != nil {
		return err
	}

	user, err := g.store.UserBySubject(ctx, tokenClaims.BareSubject())
	if err != nil {
		return err
	}

	if user.Passport != "" {
		if err := g.store.SetPassport(ctx, user.ID, ""); err != nil {
			return err
		}
	}

	// The eviction is the terminal write: the client must not receive
	// a logout confirmation while a stale snapshot could still
	// authorize requests.
	if g.cache != nil {
		if err := g.cache.Invalidate(ctx, user.Email); err != nil {
			return err
		}
	}

	g.logger.InfoContext(ctx, "logout completed", "user_id", user.ID, "email", user.Email)
	return nil
}

// ----------------------------------------------------------------------------
// Terms of service
// ----------------------------------------------------------------------------

// LatestTerms returns the current terms of service document.
func (g *Gateway) LatestTerms() Terms {
	return g.terms
}

// HasAcceptedTerms reports whether the user has accepted the current
// terms of service version.
func (g *Gateway) HasAcceptedTerms(ctx context.Context, userID uuid.UUID) (bool, error) {
	user, err := g.store.UserByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return user.HasAcceptedTOS(g.terms.UpdatedAt), nil
}

// AcceptTerms records the user's acceptance of the current terms of
// service and evicts their authorization snapshot so the gate reopens
// immediately.
func (g *Gateway) AcceptTerms(ctx context.Context, userID uuid.UUID) error {
	user, err := g.store.UserByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := g.store.AcceptTermsOfService(ctx, userID, g.now().UTC()); err != nil {
		return err
	}
	g.evict(ctx, user.Email)
	return nil
}

// ----------------------------------------------------------------------------
// Token maintenance
// ----------------------------------------------------------------------------

// Inspect reports whether a session token is active, for registered
// applications validating tokens presented to them. An invalid,
// expired, or unresolvable token yields Active false, not an error.
func (g *Gateway) Inspect(ctx context.Context, tokenStr string) *Introspection {
	tokenClaims, err := g.codec.Verify(ctx, tokenStr)
	if err != nil {
		return &Introspection{Active: false}
	}

	user, err := g.store.UserBySubject(ctx, tokenClaims.BareSubject())
	if err != nil {
		return &Introspection{Active: false}
	}
	if !user.Active {
		return &Introspection{Active: false}
	}

	expiresAt := tokenClaims.ExpiresAt
	return &Introspection{
		Active:      true,
		Subject:     user.Subject,
		Email:       user.Email,
		Privileges:  user.PrivilegeNames(),
		AcceptedTOS: user.HasAcceptedTOS(g.terms.UpdatedAt),
		ExpiresAt:   &expiresAt,
	}
}

// Refresh reissues the session token when it has passed the midpoint of
// its lifetime. A token still in its first half is returned unchanged.
// Long-term and application tokens are never refreshed.
func (g *Gateway) Refresh(ctx context.Context, tokenStr string) (*RefreshResponse, error) {
	tokenClaims, err := g.codec.Verify(ctx, tokenStr)
	if err != nil {
		return nil, err
	}
	if tokenClaims.IsLongTerm() || tokenClaims.IsApplication() {
		return nil, sserr.New(sserr.CodeAuthorization, "only session tokens can be refreshed")
	}

	if !tokenClaims.ShouldRefresh(g.now(), g.ttl) {
		return &RefreshResponse{
			Token:          tokenStr,
			ExpirationDate: tokenClaims.ExpiresAt.UTC().Format(time.RFC3339),
			Refreshed:      false,
		}, nil
	}

	user, err := g.store.UserBySubject(ctx, tokenClaims.BareSubject())
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, sserr.New(sserr.CodeAuthenticationInactive, "user account is deactivated")
	}

	expiresAt := g.now().Add(g.ttl).UTC()
	session, err := g.codec.Issue(ctx, user.Subject, map[string]any{
		"email": user.Email,
	}, g.ttl)
	if err != nil {
		return nil, err
	}
	return &RefreshResponse{
		Token:          session,
		ExpirationDate: expiresAt.Format(time.RFC3339),
		Refreshed:      true,
	}, nil
}

// evict drops the user's authorization snapshot. Failures are logged;
// login and terms acceptance must not fail on a cache hiccup.
func (g *Gateway) evict(ctx context.Context, email string) {
	if g.cache == nil || email == "" {
		return
	}
	if err := g.cache.Invalidate(ctx, email); err != nil {
		g.logger.WarnContext(ctx, "failed to evict authorization snapshot",
			"email", email, "error", err)
	}
}
