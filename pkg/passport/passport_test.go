package passport

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/helixmed/authgate/pkg/errors"
)

// testVisaKey is a 32-byte HMAC key used across passport tests.
const testVisaKey = "visa-secret-32-bytes-for-testing"

// passportTestSign creates an HS256 token signed with the given key.
func passportTestSign(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(key)
	require.NoError(t, err, "failed to sign test token")
	return signed
}

// passportTestVisaClaims builds visa claims carrying one dbGaP permission.
func passportTestVisaClaims(phsID, consentGroup, version string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss": "https://sts.nih.gov",
		"sub": "ras-user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
		"ga4gh_visa_v1": map[string]any{
			"type":     "https://ras.nih.gov/visas/v1.1",
			"asserted": time.Now().Unix(),
			"value":    "https://stsstg.nih.gov/passport/dbgap/v1.1",
			"source":   "https://ncbi.nlm.nih.gov/gap",
			"by":       "dac",
		},
		"ras_dbgap_permissions": []map[string]any{
			{
				"consent_name":    "General Research Use",
				"phs_id":          phsID,
				"version":         version,
				"participant_set": "p1",
				"consent_group":   consentGroup,
				"role":            "pi",
				"expiration":      time.Now().Add(24 * time.Hour).Unix(),
			},
		},
	}
}

// newTestDecoder creates a decoder using testVisaKey, logging to the
// returned buffer.
func newTestDecoder(t *testing.T) (*Decoder, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	dec, err := NewDecoder(Config{
		VisaSecret: testVisaKey,
		ClockSkew:  30 * time.Second,
		Logger:     slog.New(slog.NewTextHandler(&buf, nil)),
	})
	require.NoError(t, err)
	return dec, &buf
}

// newTestPassport signs a passport wrapping the given visa tokens.
func newTestPassport(t *testing.T, visaTokens []string) string {
	t.Helper()
	return passportTestSign(t, []byte(testVisaKey), jwt.MapClaims{
		"iss":               "https://sts.nih.gov",
		"sub":               "ras-user-1",
		"jti":               "jti-1",
		"txn":               "txn-1",
		"exp":               time.Now().Add(time.Hour).Unix(),
		"ga4gh_passport_v1": visaTokens,
	})
}

func TestNewDecoder_RejectsShortSecret(t *testing.T) {
	t.Parallel()
	_, err := NewDecoder(Config{VisaSecret: "short"})
	require.Error(t, err)
	assert.True(t, sserr.IsValidation(err))
}

func TestDecoder_DecodePassport(t *testing.T) {
	t.Parallel()
	dec, _ := newTestDecoder(t)

	visa := passportTestSign(t, []byte(testVisaKey), passportTestVisaClaims("phs000001", "c1", "v1"))
	signed := newTestPassport(t, []string{visa})

	p, err := dec.DecodePassport(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, "ras-user-1", p.Subject)
	assert.Equal(t, "txn-1", p.TXN)
	assert.Len(t, p.VisaTokens, 1)
}

func TestDecoder_DecodePassport_Empty(t *testing.T) {
	t.Parallel()
	dec, _ := newTestDecoder(t)

	_, err := dec.DecodePassport(context.Background(), "")
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeAuthenticationInvalid))
}

func TestDecoder_DecodePassport_Expired(t *testing.T) {
	t.Parallel()
	dec, _ := newTestDecoder(t)

	signed := passportTestSign(t, []byte(testVisaKey), jwt.MapClaims{
		"iss":               "https://sts.nih.gov",
		"sub":               "ras-user-1",
		"exp":               time.Now().Add(-time.Hour).Unix(),
		"ga4gh_passport_v1": []string{},
	})

	_, err := dec.DecodePassport(context.Background(), signed)
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeAuthenticationExpired))
}

func TestDecoder_DecodePassport_BadSignature(t *testing.T) {
	t.Parallel()
	dec, _ := newTestDecoder(t)

	signed := passportTestSign(t, []byte("a-different-32-byte-signing-key!"), jwt.MapClaims{
		"sub": "ras-user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := dec.DecodePassport(context.Background(), signed)
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeAuthenticationInvalid))
}

func TestDecoder_DecodeVisas_AllValid(t *testing.T) {
	t.Parallel()
	dec, _ := newTestDecoder(t)
	ctx := context.Background()

	v1 := passportTestSign(t, []byte(testVisaKey), passportTestVisaClaims("phs000001", "c1", "v1"))
	v2 := passportTestSign(t, []byte(testVisaKey), passportTestVisaClaims("phs000002", "c1", "v1"))

	p, err := dec.DecodePassport(ctx, newTestPassport(t, []string{v1, v2}))
	require.NoError(t, err)

	visas := dec.DecodeVisas(ctx, p)
	require.Len(t, visas, 2)
	assert.Equal(t, "phs000001", visas[0].Permissions[0].PhsID)
	assert.Equal(t, "phs000002", visas[1].Permissions[0].PhsID)
	assert.Equal(t, "dac", visas[0].Assertion.By)
}

func TestDecoder_DecodeVisas_CorruptVisaDroppedSiblingsKept(t *testing.T) {
	t.Parallel()
	dec, logBuf := newTestDecoder(t)
	ctx := context.Background()

	good := passportTestSign(t, []byte(testVisaKey), passportTestVisaClaims("phs000001", "c1", "v1"))
	forged := passportTestSign(t, []byte("a-different-32-byte-signing-key!"), passportTestVisaClaims("phs000666", "c1", "v1"))
	alsoGood := passportTestSign(t, []byte(testVisaKey), passportTestVisaClaims("phs000002", "c2", "v1"))

	p, err := dec.DecodePassport(ctx, newTestPassport(t, []string{good, forged, alsoGood}))
	require.NoError(t, err)

	visas := dec.DecodeVisas(ctx, p)
	require.Len(t, visas, 2, "the forged visa must be dropped, siblings kept")
	assert.Equal(t, "phs000001", visas[0].Permissions[0].PhsID)
	assert.Equal(t, "phs000002", visas[1].Permissions[0].PhsID)
	assert.Contains(t, logBuf.String(), "dropping visa", "dropped visa must be logged")
}

func TestDecoder_DecodeVisas_ExpiredVisaDropped(t *testing.T) {
	t.Parallel()
	dec, logBuf := newTestDecoder(t)
	ctx := context.Background()

	expiredClaims := passportTestVisaClaims("phs000001", "c1", "v1")
	expiredClaims["exp"] = time.Now().Add(-time.Hour).Unix()
	expired := passportTestSign(t, []byte(testVisaKey), expiredClaims)
	valid := passportTestSign(t, []byte(testVisaKey), passportTestVisaClaims("phs000002", "c1", "v1"))

	p, err := dec.DecodePassport(ctx, newTestPassport(t, []string{expired, valid}))
	require.NoError(t, err)

	visas := dec.DecodeVisas(ctx, p)
	require.Len(t, visas, 1)
	assert.Equal(t, "phs000002", visas[0].Permissions[0].PhsID)
	assert.Contains(t, logBuf.String(), "dropping visa")
}

func TestDecoder_DecodeVisas_MalformedTokenDropped(t *testing.T) {
	t.Parallel()
	dec, _ := newTestDecoder(t)
	ctx := context.Background()

	valid := passportTestSign(t, []byte(testVisaKey), passportTestVisaClaims("phs000001", "c1", "v1"))
	p, err := dec.DecodePassport(ctx, newTestPassport(t, []string{"garbage", valid}))
	require.NoError(t, err)

	visas := dec.DecodeVisas(ctx, p)
	require.Len(t, visas, 1)
}

func TestPermissions_DedupeByStudyConsentVersion(t *testing.T) {
	t.Parallel()
	visas := []Visa{
		{Permissions: []Permission{
			{PhsID: "phs000001", ConsentGroup: "c1", Version: "v1", Role: "pi"},
			{PhsID: "phs000002", ConsentGroup: "c1", Version: "v1"},
		}},
		{Permissions: []Permission{
			// Same grant as the first entry, asserted by a second visa.
			{PhsID: "phs000001", ConsentGroup: "c1", Version: "v1", Role: "member"},
			// Same study, different version: a distinct grant.
			{PhsID: "phs000001", ConsentGroup: "c1", Version: "v2"},
		}},
	}

	merged := Permissions(visas)
	require.Len(t, merged, 3)
	assert.Equal(t, "phs000001", merged[0].PhsID)
	assert.Equal(t, "pi", merged[0].Role, "first occurrence wins")
	assert.Equal(t, "phs000002", merged[1].PhsID)
	assert.Equal(t, "v2", merged[2].Version)
}

func TestPermissions_Empty(t *testing.T) {
	t.Parallel()
	assert.Empty(t, Permissions(nil))
	assert.Empty(t, Permissions([]Visa{{}}))
}

func TestExtractPayload_NoVerification(t *testing.T) {
	t.Parallel()
	// A token signed with an unknown key still yields its payload.
	signed := passportTestSign(t, []byte("a-different-32-byte-signing-key!"), jwt.MapClaims{
		"sub": "ras-user-1",
		"txn": "txn-42",
	})

	var p Passport
	require.NoError(t, ExtractPayload(signed, &p))
	assert.Equal(t, "ras-user-1", p.Subject)
	assert.Equal(t, "txn-42", p.TXN)
}

func TestExtractPayload_Malformed(t *testing.T) {
	t.Parallel()
	var p Passport
	err := ExtractPayload("one.segment", &p)
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeAuthenticationInvalid))
}
