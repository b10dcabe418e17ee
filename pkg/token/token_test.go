package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixmed/authgate/internal/testutil"
	sserr "github.com/helixmed/authgate/pkg/errors"
)

// testSigningKey is a 32-byte HMAC key used across codec tests.
const testSigningKey = "this-is-a-32-byte-test-signing-k"

// tokenTestSign creates an HS256 token signed with the given key.
func tokenTestSign(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(key)
	require.NoError(t, err, "failed to sign test token")
	return signed
}

// newTestCodec creates a codec with the default config and the given secret.
func newTestCodec(t *testing.T, secret Secret) *Codec {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SigningSecret = secret
	codec, err := NewCodec(cfg)
	require.NoError(t, err, "failed to create codec")
	return codec
}

// ---------------------------------------------------------------------------
// Secret tests
// ---------------------------------------------------------------------------

func TestSecret_String_ReturnsRedacted(t *testing.T) {
	t.Parallel()
	s := Secret("super-secret-value")
	assert.Equal(t, "[REDACTED]", s.String())
}

func TestSecret_GoString_ReturnsRedacted(t *testing.T) {
	t.Parallel()
	s := Secret("super-secret-value")
	assert.Equal(t, "[REDACTED]", s.GoString())
}

func TestSecret_Value_ReturnsActualValue(t *testing.T) {
	t.Parallel()
	s := Secret("super-secret-value")
	assert.Equal(t, "super-secret-value", s.Value())
}

func TestSecret_MarshalText_ReturnsRedacted(t *testing.T) {
	t.Parallel()
	s := Secret("super-secret-value")
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))
}

func TestConfig_JSONOmitsSigningSecret(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.SigningSecret = Secret("super-secret-value")
	testutil.AssertJSONNotContains(t, cfg, "super-secret-value")
	testutil.AssertJSONContains(t, cfg, "issuer")
}

// ---------------------------------------------------------------------------
// Subject prefix tests
// ---------------------------------------------------------------------------

func TestSubjectPrefixes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		subject       string
		isLongTerm    bool
		isApplication bool
		bare          string
	}{
		{"plain subject", "auth0|abc123", false, false, "auth0|abc123"},
		{"long-term subject", "LONG_TERM_TOKEN|auth0|abc123", true, false, "auth0|abc123"},
		{"application subject", "APPLICATION_TOKEN|app-uuid", false, true, "app-uuid"},
		{"prefix without separator", "LONG_TERM_TOKENabc", false, false, "LONG_TERM_TOKENabc"},
		{"empty subject", "", false, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.isLongTerm, IsLongTermSubject(tt.subject))
			assert.Equal(t, tt.isApplication, IsApplicationSubject(tt.subject))
			assert.Equal(t, tt.bare, BareSubject(tt.subject))
		})
	}
}

// ---------------------------------------------------------------------------
// Config tests
// ---------------------------------------------------------------------------

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"short secret", func(c *Config) { c.SigningSecret = "too-short" }, true},
		{"zero default TTL", func(c *Config) { c.DefaultTTL = 0 }, true},
		{"zero long-term TTL", func(c *Config) { c.LongTermTTL = 0 }, true},
		{"negative clock skew", func(c *Config) { c.ClockSkew = -time.Second }, true},
		{"negative cache TTL", func(c *Config) { c.CacheTTL = -time.Second }, true},
		{"zero cache max size", func(c *Config) { c.CacheMaxSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			cfg.SigningSecret = testSigningKey
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.NotNil(t, err)
				assert.Equal(t, sserr.CodeValidation, err.Code)
			} else {
				assert.Nil(t, err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Issue tests
// ---------------------------------------------------------------------------

func TestCodec_Issue_RoundTrip(t *testing.T) {
	t.Parallel()
	codec := newTestCodec(t, testSigningKey)
	ctx := context.Background()

	signed, err := codec.Issue(ctx, "auth0|user1", map[string]any{"email": "user1@example.org"}, time.Hour)
	require.NoError(t, err)

	claims, err := codec.Verify(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, "auth0|user1", claims.Subject)
	assert.Equal(t, "user1@example.org", claims.Email)
	assert.Equal(t, "authgate", claims.Issuer)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, time.Minute)
}

func TestCodec_Issue_EmptySubject(t *testing.T) {
	t.Parallel()
	codec := newTestCodec(t, testSigningKey)

	_, err := codec.Issue(context.Background(), "", nil, time.Hour)
	require.Error(t, err)
	assert.True(t, sserr.IsValidation(err))
}

func TestCodec_Issue_NegativeTTLUsesDefault(t *testing.T) {
	t.Parallel()
	codec := newTestCodec(t, testSigningKey)
	ctx := context.Background()

	signed, err := codec.Issue(ctx, "auth0|user1", nil, -1)
	require.NoError(t, err)

	claims, err := codec.Verify(ctx, signed)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), claims.ExpiresAt, time.Minute)
}

func TestCodec_Issue_ZeroTTLUsesLongTerm(t *testing.T) {
	t.Parallel()
	codec := newTestCodec(t, testSigningKey)
	ctx := context.Background()

	signed, err := codec.Issue(ctx, "auth0|user1", nil, 0)
	require.NoError(t, err)

	claims, err := codec.Verify(ctx, signed)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(999*24*time.Hour), claims.ExpiresAt, time.Minute)
}

func TestCodec_Issue_CustomClaimsCannotOverrideRegistered(t *testing.T) {
	t.Parallel()
	codec := newTestCodec(t, testSigningKey)
	ctx := context.Background()

	signed, err := codec.Issue(ctx, "auth0|user1", map[string]any{
		"sub": "spoofed",
		"iss": "spoofed-issuer",
	}, time.Hour)
	require.NoError(t, err)

	claims, err := codec.Verify(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, "auth0|user1", claims.Subject)
	assert.Equal(t, "authgate", claims.Issuer)
}

func TestCodec_IssueLongTerm_PrefixesSubject(t *testing.T) {
	t.Parallel()
	codec := newTestCodec(t, testSigningKey)
	ctx := context.Background()

	signed, err := codec.IssueLongTerm(ctx, "auth0|user1", nil)
	require.NoError(t, err)

	claims, err := codec.Verify(ctx, signed)
	require.NoError(t, err)
	assert.True(t, claims.IsLongTerm())
	assert.Equal(t, "auth0|user1", claims.BareSubject())
	assert.WithinDuration(t, time.Now().Add(999*24*time.Hour), claims.ExpiresAt, time.Minute)
}

// ---------------------------------------------------------------------------
// Verify tests
// ---------------------------------------------------------------------------

func TestCodec_Verify_EmptyToken(t *testing.T) {
	t.Parallel()
	codec := newTestCodec(t, testSigningKey)

	_, err := codec.Verify(context.Background(), "")
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeAuthenticationInvalid))
}

func TestCodec_Verify_OversizedToken(t *testing.T) {
	t.Parallel()
	codec := newTestCodec(t, testSigningKey)

	_, err := codec.Verify(context.Background(), strings.Repeat("a", maxTokenSize+1))
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeAuthenticationInvalid))
}

func TestCodec_Verify_MalformedToken(t *testing.T) {
	t.Parallel()
	codec := newTestCodec(t, testSigningKey)

	_, err := codec.Verify(context.Background(), "not-a-jwt")
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeAuthenticationInvalid))
}

func TestCodec_Verify_AlgNoneRejected(t *testing.T) {
	t.Parallel()
	codec := newTestCodec(t, testSigningKey)

	// Hand-build an unsigned token with alg:none.
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"auth0|user1","iss":"authgate"}`))
	unsigned := header + "." + payload + "."

	_, err := codec.Verify(context.Background(), unsigned)
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeAuthenticationInvalid))
}

func TestCodec_Verify_WrongSignature(t *testing.T) {
	t.Parallel()
	codec := newTestCodec(t, testSigningKey)

	other := tokenTestSign(t, []byte("a-different-32-byte-signing-key!"), jwt.MapClaims{
		"sub": "auth0|user1",
		"iss": "authgate",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := codec.Verify(context.Background(), other)
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeAuthenticationInvalid))
}

func TestCodec_Verify_ExpiredToken(t *testing.T) {
	t.Parallel()
	codec := newTestCodec(t, testSigningKey)

	expired := tokenTestSign(t, []byte(testSigningKey), jwt.MapClaims{
		"sub": "auth0|user1",
		"iss": "authgate",
		"iat": time.Now().Add(-2 * time.Hour).Unix(),
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err := codec.Verify(context.Background(), expired)
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeAuthenticationExpired),
		"expired token must be distinguishable from invalid, got %v", err)
}

func TestCodec_Verify_WrongIssuer(t *testing.T) {
	t.Parallel()
	codec := newTestCodec(t, testSigningKey)

	other := tokenTestSign(t, []byte(testSigningKey), jwt.MapClaims{
		"sub": "auth0|user1",
		"iss": "someone-else",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := codec.Verify(context.Background(), other)
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeAuthenticationInvalid))
}

func TestCodec_Verify_Base64EncodedSecret(t *testing.T) {
	t.Parallel()
	// The operator configured the base64 encoding of the signing key;
	// tokens are signed with the raw key bytes.
	encoded := base64.StdEncoding.EncodeToString([]byte(testSigningKey))
	codec := newTestCodec(t, Secret(encoded))

	signed := tokenTestSign(t, []byte(testSigningKey), jwt.MapClaims{
		"sub": "auth0|user1",
		"iss": "authgate",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	claims, err := codec.Verify(context.Background(), signed)
	require.NoError(t, err, "verification should retry with the base64-decoded secret")
	assert.Equal(t, "auth0|user1", claims.Subject)
}

func TestCodec_Verify_Base64SecretExpiredToken(t *testing.T) {
	t.Parallel()
	encoded := base64.StdEncoding.EncodeToString([]byte(testSigningKey))
	codec := newTestCodec(t, Secret(encoded))

	expired := tokenTestSign(t, []byte(testSigningKey), jwt.MapClaims{
		"sub": "auth0|user1",
		"iss": "authgate",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err := codec.Verify(context.Background(), expired)
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeAuthenticationExpired),
		"decoded secret verifies the signature, so the expiry error wins, got %v", err)
}

func TestCodec_Verify_NoBase64RetryForValidRawSecret(t *testing.T) {
	t.Parallel()
	// When the raw secret verifies, the base64 retry must not run at all.
	codec := newTestCodec(t, testSigningKey)
	ctx := context.Background()

	signed, err := codec.Issue(ctx, "auth0|user1", nil, time.Hour)
	require.NoError(t, err)

	claims, err := codec.Verify(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, "auth0|user1", claims.Subject)
}

func TestCodec_Verify_CachesClaims(t *testing.T) {
	t.Parallel()
	codec := newTestCodec(t, testSigningKey)
	ctx := context.Background()

	signed, err := codec.Issue(ctx, "auth0|user1", nil, time.Hour)
	require.NoError(t, err)

	first, err := codec.Verify(ctx, signed)
	require.NoError(t, err)
	second, err := codec.Verify(ctx, signed)
	require.NoError(t, err)
	assert.Same(t, first, second, "second verification should be served from the cache")
}

// ---------------------------------------------------------------------------
// ShouldRefresh tests
// ---------------------------------------------------------------------------

func TestClaims_ShouldRefresh(t *testing.T) {
	t.Parallel()
	now := time.Now()
	ttl := time.Hour
	claims := &Claims{ExpiresAt: now.Add(ttl)}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"just issued", now, false},
		{"before midpoint", now.Add(20 * time.Minute), false},
		{"after midpoint", now.Add(40 * time.Minute), true},
		{"at expiry", now.Add(ttl), false},
		{"after expiry", now.Add(2 * ttl), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, claims.ShouldRefresh(tt.at, ttl))
		})
	}
}

// ---------------------------------------------------------------------------
// verifyCache tests
// ---------------------------------------------------------------------------

func TestVerifyCache_PutGet(t *testing.T) {
	t.Parallel()
	cache := newVerifyCache(time.Minute, 10)
	claims := &Claims{Subject: "auth0|user1", ExpiresAt: time.Now().Add(time.Hour)}

	cache.put("hash1", claims)
	got, ok := cache.get("hash1")
	require.True(t, ok)
	assert.Same(t, claims, got)
}

func TestVerifyCache_MissForUnknownKey(t *testing.T) {
	t.Parallel()
	cache := newVerifyCache(time.Minute, 10)

	_, ok := cache.get("unknown")
	assert.False(t, ok)
}

func TestVerifyCache_DoesNotCacheExpiredClaims(t *testing.T) {
	t.Parallel()
	cache := newVerifyCache(time.Minute, 10)
	claims := &Claims{Subject: "auth0|user1", ExpiresAt: time.Now().Add(-time.Minute)}

	cache.put("hash1", claims)
	_, ok := cache.get("hash1")
	assert.False(t, ok)
}

func TestVerifyCache_EvictsAtCapacity(t *testing.T) {
	t.Parallel()
	cache := newVerifyCache(time.Minute, 2)
	exp := time.Now().Add(time.Hour)

	cache.put("hash1", &Claims{Subject: "u1", ExpiresAt: exp})
	cache.put("hash2", &Claims{Subject: "u2", ExpiresAt: exp})
	cache.put("hash3", &Claims{Subject: "u3", ExpiresAt: exp})

	cache.mu.RLock()
	size := len(cache.entries)
	cache.mu.RUnlock()
	assert.LessOrEqual(t, size, 2, "cache must not exceed its capacity")

	_, ok := cache.get("hash3")
	assert.True(t, ok, "newest entry must survive eviction")
}
