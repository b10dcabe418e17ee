// Package token implements the session token codec for the authgate
// gateway. It issues and verifies HMAC-signed (HS256) JWTs carrying the
// platform user's subject and email, with support for long-term tokens,
// application tokens, and a signing secret that may be configured either
// as raw bytes or base64-encoded.
//
// Verification tries the raw secret bytes first. If and only if the
// signature does not verify, the codec retries once with the
// base64-decoded secret. Malformed and expired tokens are never retried,
// so an expired token always surfaces as expired rather than invalid.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/helixmed/authgate/pkg/errors"
)

// ---------------------------------------------------------------------------
// Secret type — prevents accidental logging of sensitive values
// ---------------------------------------------------------------------------

// Secret is a string type that redacts its value in String(), GoString(), and
// MarshalText() to prevent accidental exposure in logs, JSON output, or
// fmt.Printf. The actual value is only accessible via the [Secret.Value]
// method, which should be called only where the raw value is truly needed
// (e.g., passing to a cryptographic function).
type Secret string

// secretRedacted is the placeholder text shown instead of the actual secret
// value when the secret is printed, formatted, or serialized.
const secretRedacted = "[REDACTED]"

// String returns the redacted placeholder, preventing the secret from being
// printed via fmt.Println, log.Printf, or similar functions.
func (s Secret) String() string { return secretRedacted }

// GoString returns the redacted placeholder, preventing the secret from being
// printed via fmt.Printf("%#v", secret).
func (s Secret) GoString() string { return secretRedacted }

// Value returns the actual secret string. This is the only way to access the
// underlying value and should be used only where the raw secret is required.
func (s Secret) Value() string { return string(s) }

// MarshalText implements [encoding.TextMarshaler], returning the redacted
// placeholder. This prevents the secret from leaking into JSON, YAML, or
// any other text-based serialization format.
func (s Secret) MarshalText() ([]byte, error) { return []byte(secretRedacted), nil }

// ---------------------------------------------------------------------------
// Subject prefixes — long-term and application tokens
// ---------------------------------------------------------------------------

// Subject prefixes mark tokens with restricted validity. A long-term token
// is only accepted on the user profile endpoint; an application token is
// only accepted on the token introspection endpoint. The prefix is joined
// to the underlying subject with "|".
const (
	// LongTermPrefix marks user-requested long-lived tokens.
	LongTermPrefix = "LONG_TERM_TOKEN"

	// ApplicationPrefix marks machine tokens issued to registered
	// applications.
	ApplicationPrefix = "APPLICATION_TOKEN"
)

// IsLongTermSubject reports whether the subject carries the long-term
// token prefix.
func IsLongTermSubject(sub string) bool {
	return strings.HasPrefix(sub, LongTermPrefix+"|")
}

// IsApplicationSubject reports whether the subject carries the
// application token prefix.
func IsApplicationSubject(sub string) bool {
	return strings.HasPrefix(sub, ApplicationPrefix+"|")
}

// BareSubject strips a long-term or application prefix from the subject,
// returning the underlying identity. Unprefixed subjects are returned
// unchanged.
func BareSubject(sub string) string {
	for _, p := range []string{LongTermPrefix, ApplicationPrefix} {
		if strings.HasPrefix(sub, p+"|") {
			return sub[len(p)+1:]
		}
	}
	return sub
}

// ---------------------------------------------------------------------------
// Config — codec configuration
// ---------------------------------------------------------------------------

// Config holds the configuration for [Codec]. The signing secret is
// required and must be at least 32 bytes; all other fields have working
// defaults.
type Config struct {
	// Issuer is the "iss" claim stamped on issued tokens and verified on
	// inbound tokens. Defaults to "authgate".
	Issuer string `json:"issuer" yaml:"issuer" env:"TOKEN_ISSUER" envDefault:"authgate"`

	// SigningSecret is the HMAC key used to sign and verify tokens. The
	// operator may supply either the raw key bytes or their base64
	// encoding; verification accepts both (raw first, decoded on
	// signature failure). Must be at least 32 bytes.
	SigningSecret Secret `json:"-" yaml:"signing_secret" env:"TOKEN_SIGNING_SECRET"`

	// DefaultTTL is the lifetime applied when Issue is called with a
	// negative ttl. Defaults to 7 days.
	DefaultTTL time.Duration `json:"default_ttl" yaml:"default_ttl" env:"TOKEN_DEFAULT_TTL" envDefault:"168h"`

	// LongTermTTL is the lifetime applied when Issue is called with a
	// zero ttl, used for user-requested long-term tokens. Defaults to
	// 999 days.
	LongTermTTL time.Duration `json:"long_term_ttl" yaml:"long_term_ttl" env:"TOKEN_LONG_TERM_TTL" envDefault:"23976h"`

	// ClockSkew is the maximum allowed clock difference between the
	// gateway and a token's issuer. Must be non-negative. Defaults to
	// 30 seconds.
	ClockSkew time.Duration `json:"clock_skew" yaml:"clock_skew" env:"TOKEN_CLOCK_SKEW" envDefault:"30s"`

	// CacheTTL is the maximum time a verified token's claims are cached
	// before re-verification. The effective TTL for a token is the
	// minimum of this value and the token's remaining lifetime. Must be
	// non-negative. Defaults to 5 minutes.
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl" env:"TOKEN_CACHE_TTL" envDefault:"5m"`

	// CacheMaxSize is the maximum number of entries in the verification
	// cache. Must be greater than zero. Defaults to 10000.
	CacheMaxSize int `json:"cache_max_size" yaml:"cache_max_size" env:"TOKEN_CACHE_MAX_SIZE" envDefault:"10000"`
}

// maxTokenSize is the maximum accepted size for a JWT token string (8 KB).
// Tokens larger than this are rejected to prevent resource exhaustion.
const maxTokenSize = 8192

// Validate checks the configuration for logical correctness and returns
// a *[sserr.Error] with code [sserr.CodeValidation] if any field is invalid.
func (c *Config) Validate() *sserr.Error {
	if len(c.SigningSecret.Value()) < 32 {
		return sserr.New(sserr.CodeValidation, "token: signing secret must be at least 32 bytes")
	}
	if c.DefaultTTL <= 0 {
		return sserr.New(sserr.CodeValidation, "token: default TTL must be positive")
	}
	if c.LongTermTTL <= 0 {
		return sserr.New(sserr.CodeValidation, "token: long-term TTL must be positive")
	}
	if c.ClockSkew < 0 {
		return sserr.New(sserr.CodeValidation, "token: clock skew must be non-negative")
	}
	if c.CacheTTL < 0 {
		return sserr.New(sserr.CodeValidation, "token: cache TTL must be non-negative")
	}
	if c.CacheMaxSize <= 0 {
		return sserr.New(sserr.CodeValidation, "token: cache max size must be greater than zero")
	}
	return nil
}

// DefaultConfig returns a Config with working defaults. The signing
// secret must still be supplied before the config validates.
func DefaultConfig() Config {
	return Config{
		Issuer:       "authgate",
		DefaultTTL:   7 * 24 * time.Hour,
		LongTermTTL:  999 * 24 * time.Hour,
		ClockSkew:    30 * time.Second,
		CacheTTL:     5 * time.Minute,
		CacheMaxSize: 10000,
	}
}

// ---------------------------------------------------------------------------
// Claims — the verified content of a session token
// ---------------------------------------------------------------------------

// Claims holds the verified content of a session token.
type Claims struct {
	// Subject is the raw "sub" claim, possibly carrying a long-term or
	// application prefix. Use [Claims.BareSubject] for the underlying
	// identity.
	Subject string

	// Email is the "email" claim, when present.
	Email string

	// Issuer is the "iss" claim.
	Issuer string

	// IssuedAt and ExpiresAt are the token's validity window.
	IssuedAt  time.Time
	ExpiresAt time.Time

	// Raw holds all claims as decoded, for callers that need
	// non-standard fields.
	Raw map[string]any
}

// IsLongTerm reports whether the token was issued as a long-term token.
func (c *Claims) IsLongTerm() bool { return IsLongTermSubject(c.Subject) }

// IsApplication reports whether the token belongs to a registered
// application rather than a user.
func (c *Claims) IsApplication() bool { return IsApplicationSubject(c.Subject) }

// BareSubject returns the subject with any prefix stripped.
func (c *Claims) BareSubject() string { return BareSubject(c.Subject) }

// ShouldRefresh reports whether a token should be reissued: it is not
// yet expired but has passed the midpoint of the given lifetime.
func (c *Claims) ShouldRefresh(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 || !now.Before(c.ExpiresAt) {
		return false
	}
	return c.ExpiresAt.Sub(now) < ttl/2
}

// ---------------------------------------------------------------------------
// verifyCache — in-memory cache for verified token claims
// ---------------------------------------------------------------------------

// verifyCacheEntry stores cached claims and their eviction time.
type verifyCacheEntry struct {
	claims    *Claims
	expiresAt time.Time
}

// verifyCache caches verified token claims keyed by the SHA-256 hash of
// the token string, avoiding re-verification on every request.
type verifyCache struct {
	mu      sync.RWMutex
	entries map[string]*verifyCacheEntry
	maxSize int
	ttl     time.Duration
}

func newVerifyCache(ttl time.Duration, maxSize int) *verifyCache {
	return &verifyCache{
		entries: make(map[string]*verifyCacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// get retrieves cached claims by token hash. Returns the claims and true
// if the entry exists and has not expired.
func (c *verifyCache) get(tokenHash string) (*Claims, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[tokenHash]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.claims, true
}

// put stores verified claims. The effective cache TTL is the minimum of
// the configured TTL and the token's remaining lifetime. At capacity,
// expired entries are evicted first, then the oldest entry.
func (c *verifyCache) put(tokenHash string, claims *Claims) {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := time.Until(claims.ExpiresAt)
	if remaining <= 0 {
		return // Token already expired; do not cache.
	}
	ttl := c.ttl
	if remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictExpiredLocked()
	}
	if len(c.entries) >= c.maxSize {
		var oldestKey string
		var oldestTime time.Time
		first := true
		for k, v := range c.entries {
			if first || v.expiresAt.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.expiresAt
				first = false
			}
		}
		if oldestKey != "" {
			delete(c.entries, oldestKey)
		}
	}

	c.entries[tokenHash] = &verifyCacheEntry{
		claims:    claims,
		expiresAt: time.Now().Add(ttl),
	}
}

// evictExpiredLocked removes all expired entries. Caller must hold the
// write lock.
func (c *verifyCache) evictExpiredLocked() {
	now := time.Now()
	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// ---------------------------------------------------------------------------
// Codec — issue and verify session tokens
// ---------------------------------------------------------------------------

// tracerName is the OpenTelemetry instrumentation scope name for token spans.
const tracerName = "github.com/helixmed/authgate/pkg/token"

// Codec issues and verifies HS256 session tokens with built-in claim
// caching and OpenTelemetry tracing.
//
// Codec is safe for concurrent use by multiple goroutines.
type Codec struct {
	config Config
	tracer trace.Tracer
	cache  *verifyCache

	// now is swappable for tests.
	now func() time.Time
}

// NewCodec creates a new Codec with the given configuration. The
// configuration is validated before use.
func NewCodec(cfg Config) (*Codec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Codec{
		config: cfg,
		tracer: otel.Tracer(tracerName),
		cache:  newVerifyCache(cfg.CacheTTL, cfg.CacheMaxSize),
		now:    time.Now,
	}, nil
}

// Issue creates a signed session token for the given subject. The custom
// map is merged into the claims before the registered claims are stamped;
// registered claims always win.
//
// TTL handling:
//   - ttl > 0: used as given
//   - ttl < 0: the configured DefaultTTL applies
//   - ttl == 0: the configured LongTermTTL applies (long-term issuance)
func (c *Codec) Issue(ctx context.Context, subject string, custom map[string]any, ttl time.Duration) (string, error) {
	_, span := startSpan(ctx, c.tracer, "token.Issue")
	defer span.End()

	if subject == "" {
		err := sserr.New(sserr.CodeValidation, "token: subject must not be empty")
		finishSpan(span, err)
		return "", err
	}

	switch {
	case ttl < 0:
		ttl = c.config.DefaultTTL
	case ttl == 0:
		ttl = c.config.LongTermTTL
	}

	now := c.now()
	claims := jwt.MapClaims{}
	for k, v := range custom {
		claims[k] = v
	}
	claims["sub"] = subject
	claims["iss"] = c.config.Issuer
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(ttl).Unix()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(c.config.SigningSecret.Value()))
	if err != nil {
		wrapped := sserr.Wrap(err, sserr.CodeInternal, "token: failed to sign token")
		finishSpan(span, wrapped)
		return "", wrapped
	}

	span.SetAttributes(attribute.String("token.subject", subject))
	return signed, nil
}

// IssueLongTerm creates a long-term token for the given subject. The
// subject is prefixed with [LongTermPrefix] so the authorization filter
// can restrict where the token is accepted.
func (c *Codec) IssueLongTerm(ctx context.Context, subject string, custom map[string]any) (string, error) {
	return c.Issue(ctx, LongTermPrefix+"|"+subject, custom, 0)
}

// Verify checks the token's signature and validity window and returns
// its claims.
//
// The signature is first checked against the raw secret bytes. If and
// only if that fails with a signature error, verification is retried
// once with the base64-decoded secret, so deployments that configured
// the secret in either encoding verify correctly. Expired tokens fail
// with [sserr.CodeAuthenticationExpired]; every other failure maps to
// [sserr.CodeAuthenticationInvalid].
func (c *Codec) Verify(ctx context.Context, tokenStr string) (*Claims, error) {
	_, span := startSpan(ctx, c.tracer, "token.Verify")
	defer span.End()

	if tokenStr == "" {
		err := sserr.New(sserr.CodeAuthenticationInvalid, "token: token must not be empty")
		finishSpan(span, err)
		return nil, err
	}
	if len(tokenStr) > maxTokenSize {
		err := sserr.New(sserr.CodeAuthenticationInvalid, "token: token exceeds maximum size")
		finishSpan(span, err)
		return nil, err
	}

	hash := tokenHash(tokenStr)
	if claims, ok := c.cache.get(hash); ok {
		span.SetAttributes(attribute.Bool("token.cache_hit", true))
		return claims, nil
	}
	span.SetAttributes(attribute.Bool("token.cache_hit", false))

	// Inspect the header before verification to reject alg:none.
	parser := jwt.NewParser()
	unverified, _, err := parser.ParseUnverified(tokenStr, jwt.MapClaims{})
	if err != nil || unverified == nil {
		parseErr := sserr.New(sserr.CodeAuthenticationInvalid, "token: token is malformed")
		finishSpan(span, parseErr)
		return nil, parseErr
	}
	algStr, _ := unverified.Header["alg"].(string)
	if strings.EqualFold(algStr, "none") {
		err := sserr.New(sserr.CodeAuthenticationInvalid, "token: algorithm 'none' is not permitted")
		finishSpan(span, err)
		return nil, err
	}

	claims, err := c.parseWithKey(tokenStr, []byte(c.config.SigningSecret.Value()))
	if err != nil && errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		// The secret may have been configured base64-encoded. Retry
		// with the decoded bytes; only signature failures reach here,
		// so expired and malformed tokens keep their original error.
		if decoded, decErr := decodeBase64Secret(c.config.SigningSecret.Value()); decErr == nil {
			retried, retryErr := c.parseWithKey(tokenStr, decoded)
			switch {
			case retryErr == nil:
				claims, err = retried, nil
				span.SetAttributes(attribute.Bool("token.base64_secret", true))
			case !errors.Is(retryErr, jwt.ErrTokenSignatureInvalid):
				// The decoded key verified the signature; the retry's
				// claim error (e.g. expiry) is the authoritative one.
				err = retryErr
			}
		}
	}
	if err != nil {
		classified := classifyError(err)
		finishSpan(span, classified)
		return nil, classified
	}

	c.cache.put(hash, claims)
	span.SetAttributes(attribute.String("token.subject", claims.Subject))
	return claims, nil
}

// parseWithKey verifies the token with the given HMAC key and converts
// the result to Claims. jwt.WithValidMethods restricts accepted
// algorithms to HS256 only, preventing algorithm confusion attacks.
func (c *Codec) parseWithKey(tokenStr string, key []byte) (*Claims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithLeeway(c.config.ClockSkew),
	}
	if c.config.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(c.config.Issuer))
	}

	tok, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	}, parserOpts...)
	if err != nil {
		return nil, err
	}

	mc, ok := tok.Claims.(jwt.MapClaims)
	if !ok || !tok.Valid {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "token: invalid token claims")
	}

	claims := &Claims{Raw: mapClaimsToMap(mc)}
	claims.Subject, _ = claims.Raw["sub"].(string)
	claims.Email, _ = claims.Raw["email"].(string)
	claims.Issuer, _ = claims.Raw["iss"].(string)
	if exp, expErr := mc.GetExpirationTime(); expErr == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	if iat, iatErr := mc.GetIssuedAt(); iatErr == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	return claims, nil
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// tokenHash computes the SHA-256 hash of a token string and returns it
// as a hex-encoded string. This is used as the cache key to avoid storing
// raw tokens in memory.
func tokenHash(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// decodeBase64Secret decodes a secret that was configured base64-encoded,
// accepting both padded and unpadded standard encoding.
func decodeBase64Secret(s string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// mapClaimsToMap converts jwt.MapClaims to a plain map[string]any so the
// claims can flow to callers without carrying the jwt.MapClaims type.
func mapClaimsToMap(mc jwt.MapClaims) map[string]any {
	result := make(map[string]any, len(mc))
	for k, v := range mc {
		result[k] = v
	}
	return result
}

// classifyError converts a JWT library error to an appropriate
// *sserr.Error. If the error is already an *sserr.Error, it is returned
// as-is.
func classifyError(err error) *sserr.Error {
	if err == nil {
		return nil
	}

	var ssError *sserr.Error
	if errors.As(err, &ssError) {
		return ssError
	}

	if errors.Is(err, jwt.ErrTokenExpired) {
		return sserr.Wrap(err, sserr.CodeAuthenticationExpired, "token: token has expired")
	}
	if errors.Is(err, jwt.ErrTokenMalformed) {
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "token: token is malformed")
	}
	if errors.Is(err, jwt.ErrSignatureInvalid) || errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "token: token signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "token: token is unverifiable")
	}
	if errors.Is(err, jwt.ErrTokenNotValidYet) {
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "token: token is not yet valid")
	}
	if errors.Is(err, jwt.ErrTokenInvalidIssuer) {
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "token: token issuer is invalid")
	}
	if errors.Is(err, jwt.ErrTokenInvalidClaims) {
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "token: token claims are invalid")
	}

	return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "token: token verification failed")
}

// startSpan creates a new OpenTelemetry span with the given name.
func startSpan(ctx context.Context, tracer trace.Tracer, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// finishSpan records an error on the span if err is non-nil and sets the
// span status to Error.
func finishSpan(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
