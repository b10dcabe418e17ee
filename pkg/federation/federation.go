// Package federation talks to upstream identity providers: OAuth2 code
// exchange, profile and introspection lookups, and GA4GH passport
// validation against the NIH RAS polling endpoint.
//
// Each configured provider gets its own [Provider]. Calls are single
// attempt with a finite timeout; retry policy belongs to the caller.
package federation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/helixmed/authgate/pkg/errors"
	"github.com/helixmed/authgate/pkg/token"
)

const tracerName = "github.com/helixmed/authgate/pkg/federation"

const (
	// DefaultTimeout bounds every upstream call.
	DefaultTimeout = 30 * time.Second

	// DefaultPassportValidateEndpoint is the RAS passport polling path.
	DefaultPassportValidateEndpoint = "/passport/validate"

	// maxResponseBytes caps how much of an upstream response is read.
	maxResponseBytes = 1 << 20
)

// ----------------------------------------------------------------------------
// Configuration
// ----------------------------------------------------------------------------

// Config describes one upstream identity provider.
type Config struct {
	// Label names the provider ("fence", "ras"). Used in logs and
	// span attributes only.
	Label string `json:"label" yaml:"label"`

	// BaseURL is the provider origin, e.g. "https://gen3.example.org".
	// A trailing slash is stripped. Required.
	BaseURL string `json:"base_url" yaml:"base_url"`

	// ClientID identifies this deployment to the provider. Required.
	ClientID string `json:"client_id" yaml:"client_id"`

	// ClientSecret authenticates the token and introspection calls.
	ClientSecret token.Secret `json:"-" yaml:"client_secret"`

	// RedirectURI is sent with the code exchange and must match the
	// URI registered with the provider. Required.
	RedirectURI string `json:"redirect_uri" yaml:"redirect_uri"`

	// TokenEndpoint is the path of the OAuth2 token endpoint,
	// e.g. "/user/oauth2/token" (FENCE) or
	// "/oauth2/default/v1/token" (RAS via Okta). Required.
	TokenEndpoint string `json:"token_endpoint" yaml:"token_endpoint"`

	// ProfileEndpoint is the path of the userinfo/profile endpoint,
	// e.g. "/user/user" (FENCE). Optional.
	ProfileEndpoint string `json:"profile_endpoint" yaml:"profile_endpoint"`

	// IntrospectEndpoint is the path of the token introspection
	// endpoint, e.g. "/oauth2/default/v1/introspect". Optional.
	IntrospectEndpoint string `json:"introspect_endpoint" yaml:"introspect_endpoint"`

	// PassportValidateEndpoint is the RAS passport polling path.
	// Defaults to "/passport/validate".
	PassportValidateEndpoint string `json:"passport_validate_endpoint" yaml:"passport_validate_endpoint"`

	// Timeout bounds each upstream call. Defaults to 30s.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// HTTPClient overrides the transport. Defaults to an
	// [http.Client] with Timeout.
	HTTPClient HTTPClient `json:"-" yaml:"-"`

	// Logger defaults to slog.Default().
	Logger *slog.Logger `json:"-" yaml:"-"`
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() *sserr.Error {
	if c.BaseURL == "" {
		return sserr.New(sserr.CodeInternalConfiguration, "provider base URL is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration, "invalid provider base URL: %s", c.BaseURL)
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.ClientID == "" {
		return sserr.New(sserr.CodeInternalConfiguration, "provider client id is required")
	}
	if c.TokenEndpoint == "" {
		return sserr.New(sserr.CodeInternalConfiguration, "provider token endpoint is required")
	}
	if c.PassportValidateEndpoint == "" {
		c.PassportValidateEndpoint = DefaultPassportValidateEndpoint
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return nil
}

// ----------------------------------------------------------------------------
// Types
// ----------------------------------------------------------------------------

// HTTPClient is the subset of [http.Client] the provider uses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

var _ HTTPClient = (*http.Client)(nil)

// TokenResponse is the payload of a successful OAuth2 code exchange.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ValidationStatus is the outcome of a RAS passport validation poll.
type ValidationStatus string

// Passport validation statuses returned by the RAS polling endpoint.
// Anything but StatusValid means the stored passport must be cleared
// and the user logged out.
const (
	StatusValid            ValidationStatus = "VALID"
	StatusPermissionUpdate ValidationStatus = "PERMISSION_UPDATE"
	StatusInvalid          ValidationStatus = "INVALID"
	StatusMissing          ValidationStatus = "MISSING"
	StatusInvalidPassport  ValidationStatus = "INVALID_PASSPORT"
	StatusVisaExpired      ValidationStatus = "VISA_EXPIRED"
	StatusTxnError         ValidationStatus = "TXN_ERROR"
	StatusExpirationError  ValidationStatus = "EXPIRATION_ERROR"
	StatusValidationError  ValidationStatus = "VALIDATION_ERROR"
	StatusExpiredPolling   ValidationStatus = "EXPIRED_POLLING"
)

var knownStatuses = map[ValidationStatus]struct{}{
	StatusValid: {}, StatusPermissionUpdate: {}, StatusInvalid: {},
	StatusMissing: {}, StatusInvalidPassport: {}, StatusVisaExpired: {},
	StatusTxnError: {}, StatusExpirationError: {}, StatusValidationError: {},
	StatusExpiredPolling: {},
}

// Valid reports whether the passport may continue to be trusted.
func (s ValidationStatus) Valid() bool { return s == StatusValid }

// ----------------------------------------------------------------------------
// Provider
// ----------------------------------------------------------------------------

// Provider performs the upstream calls for one identity provider.
type Provider struct {
	config Config
	client HTTPClient
	logger *slog.Logger
	tracer trace.Tracer
}

// NewProvider creates a provider from the given configuration. The
// provider is not contacted until the first call.
func NewProvider(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Provider{
		config: cfg,
		client: client,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}, nil
}

// Label returns the configured provider label.
func (p *Provider) Label() string { return p.config.Label }

// ExchangeCode swaps an authorization code for an access token at the
// provider's token endpoint. The call uses HTTP basic auth with the
// client credentials and a form-encoded body, single attempt. An empty
// redirectURI falls back to the configured one.
func (p *Provider) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	ctx, span := p.startSpan(ctx, "federation.ExchangeCode", p.config.TokenEndpoint)
	defer span.End()

	if code == "" {
		err := sserr.New(sserr.CodeAuthenticationInvalid, "authorization code is empty")
		p.finishSpan(span, err)
		return nil, err
	}
	if redirectURI == "" {
		redirectURI = p.config.RedirectURI
	}

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	}
	body, err := p.postForm(ctx, p.config.TokenEndpoint, form, true)
	if err != nil {
		p.finishSpan(span, err)
		return nil, err
	}

	var tok TokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		wrapped := sserr.Wrap(err, sserr.CodeUpstreamResponse, "failed to decode token response")
		p.finishSpan(span, wrapped)
		return nil, wrapped
	}
	if tok.AccessToken == "" {
		err := sserr.New(sserr.CodeUpstreamResponse, "token response has no access token")
		p.finishSpan(span, err)
		return nil, err
	}

	p.finishSpan(span, nil)
	return &tok, nil
}

// FetchProfile retrieves the provider's user profile for the given
// access token. The raw JSON body is returned for claim extraction.
func (p *Provider) FetchProfile(ctx context.Context, accessToken string) (json.RawMessage, error) {
	ctx, span := p.startSpan(ctx, "federation.FetchProfile", p.config.ProfileEndpoint)
	defer span.End()

	if p.config.ProfileEndpoint == "" {
		err := sserr.Newf(sserr.CodeInternalConfiguration, "provider %s has no profile endpoint", p.config.Label)
		p.finishSpan(span, err)
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.BaseURL+p.config.ProfileEndpoint, nil)
	if err != nil {
		wrapped := sserr.Wrap(err, sserr.CodeInternal, "failed to build profile request")
		p.finishSpan(span, wrapped)
		return nil, wrapped
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	body, err := p.do(req)
	p.finishSpan(span, err)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// IntrospectToken asks the provider whether the access token is still
// active and returns the introspection payload, including any embedded
// GA4GH passport.
func (p *Provider) IntrospectToken(ctx context.Context, accessToken string) (json.RawMessage, error) {
	ctx, span := p.startSpan(ctx, "federation.IntrospectToken", p.config.IntrospectEndpoint)
	defer span.End()

	if p.config.IntrospectEndpoint == "" {
		err := sserr.Newf(sserr.CodeInternalConfiguration, "provider %s has no introspection endpoint", p.config.Label)
		p.finishSpan(span, err)
		return nil, err
	}

	form := url.Values{
		"token_type_hint": {"access_token"},
		"token":           {accessToken},
	}
	body, err := p.postForm(ctx, p.config.IntrospectEndpoint, form, true)
	p.finishSpan(span, err)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// ValidatePassport polls the RAS validation endpoint for the given
// encoded passport and returns the reported status. An unknown status
// string is an upstream response error.
func (p *Provider) ValidatePassport(ctx context.Context, passport string) (ValidationStatus, error) {
	ctx, span := p.startSpan(ctx, "federation.ValidatePassport", p.config.PassportValidateEndpoint)
	defer span.End()

	if passport == "" {
		err := sserr.New(sserr.CodeAuthenticationInvalid, "passport is empty")
		p.finishSpan(span, err)
		return "", err
	}

	endpoint := p.config.PassportValidateEndpoint + "?visa=" + url.QueryEscape(passport)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+endpoint, nil)
	if err != nil {
		wrapped := sserr.Wrap(err, sserr.CodeInternal, "failed to build validation request")
		p.finishSpan(span, wrapped)
		return "", wrapped
	}
	req.Header.Set("Accept", "application/json")

	body, err := p.do(req)
	if err != nil {
		p.finishSpan(span, err)
		return "", err
	}

	var resp struct {
		Status ValidationStatus `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		wrapped := sserr.Wrap(err, sserr.CodeUpstreamResponse, "failed to decode validation response")
		p.finishSpan(span, wrapped)
		return "", wrapped
	}
	if _, ok := knownStatuses[resp.Status]; !ok {
		err := sserr.Newf(sserr.CodeUpstreamResponse, "unknown passport validation status: %q", resp.Status)
		p.finishSpan(span, err)
		return "", err
	}

	if !resp.Status.Valid() {
		p.logger.InfoContext(ctx, "passport validation failed",
			"provider", p.config.Label,
			"status", string(resp.Status))
	}

	p.finishSpan(span, nil)
	return resp.Status, nil
}

// ----------------------------------------------------------------------------
// Transport helpers
// ----------------------------------------------------------------------------

// postForm sends a form-encoded POST, optionally with client basic
// auth, and returns the response body.
func (p *Provider) postForm(ctx context.Context, endpoint string, form url.Values, basicAuth bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternal, "failed to build provider request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if basicAuth {
		req.SetBasicAuth(p.config.ClientID, p.config.ClientSecret.Value())
	}
	return p.do(req)
}

// do executes the request and returns the body of a 2xx response.
func (p *Provider) do(req *http.Request) ([]byte, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, wrapTransportError(err, p.config.Label)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, wrapTransportError(err, p.config.Label)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, sserr.Newf(sserr.CodeUpstreamResponse,
			"provider %s returned status %d for %s", p.config.Label, resp.StatusCode, req.URL.Path)
	}
	return body, nil
}

func wrapTransportError(err error, label string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrapf(err, sserr.CodeTimeoutUpstream, "call to provider %s timed out", label)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return sserr.Wrapf(err, sserr.CodeTimeoutUpstream, "call to provider %s timed out", label)
	}
	return sserr.Wrapf(err, sserr.CodeUpstream, "call to provider %s failed", label)
}

// ----------------------------------------------------------------------------
// Tracing helpers
// ----------------------------------------------------------------------------

func (p *Provider) startSpan(ctx context.Context, name, endpoint string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("peer.service", p.config.Label),
			attribute.String("url.full", p.config.BaseURL+endpoint),
		),
	)
}

func (p *Provider) finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
