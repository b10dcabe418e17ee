package claims

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/helixmed/authgate/pkg/errors"
	"github.com/helixmed/authgate/pkg/passport"
	"github.com/helixmed/authgate/pkg/token"
)

const testVisaKey = "visa-secret-32-bytes-for-testing"

func claimsTestSign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(testVisaKey))
	require.NoError(t, err)
	return signed
}

func claimsTestExtractor(t *testing.T) *Extractor {
	t.Helper()
	decoder, err := passport.NewDecoder(passport.Config{
		VisaSecret: token.Secret(testVisaKey),
		ClockSkew:  30 * time.Second,
	})
	require.NoError(t, err)
	return NewExtractor(decoder, nil)
}

func TestFlexBoolUnmarshal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		json string
		want bool
	}{
		{name: "json true", json: `true`, want: true},
		{name: "json false", json: `false`, want: false},
		{name: "upper Y", json: `"Y"`, want: true},
		{name: "lower y", json: `"y"`, want: true},
		{name: "Yes", json: `"Yes"`, want: true},
		{name: "yes lowercase", json: `"yes"`, want: true},
		{name: "YES uppercase", json: `"YES"`, want: true},
		{name: "N", json: `"N"`, want: false},
		{name: "No", json: `"No"`, want: false},
		{name: "empty string", json: `""`, want: false},
		{name: "arbitrary string", json: `"true"`, want: false},
		{name: "null", json: `null`, want: false},
		{name: "number", json: `1`, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var b FlexBool
			require.NoError(t, json.Unmarshal([]byte(tt.json), &b))
			assert.Equal(t, tt.want, b.Bool())
		})
	}
}

func TestStudyMetadataUnmarshal(t *testing.T) {
	t.Parallel()

	raw := `{
		"study_identifier": "phs000001",
		"abbreviated_name": "FHS",
		"full_study_name": "Framingham Heart Study",
		"consent_group_code": "c1",
		"consent_group_name": "HMB-IRB-MDS",
		"study_version": "v3",
		"top_level_path": "\\phs000001\\",
		"is_harmonized": "Yes",
		"authZ": "/programs/topmed/projects/FHS"
	}`

	var meta StudyMetadata
	require.NoError(t, json.Unmarshal([]byte(raw), &meta))
	assert.Equal(t, "phs000001", meta.StudyIdentifier)
	assert.Equal(t, "c1", meta.ConsentGroupCode)
	assert.Equal(t, "v3", meta.StudyVersion)
	assert.True(t, meta.Harmonized.Bool())
	assert.Equal(t, "/programs/topmed/projects/FHS", meta.AuthZ)
}

func TestFromUserinfo(t *testing.T) {
	t.Parallel()

	userinfo := `{
		"user_id": "auth0|abc123",
		"email": "researcher@example.org",
		"name": "Ada Researcher",
		"identities": [{"connection": "Username-Password-Authentication", "provider": "auth0"}]
	}`

	ext, err := claimsTestExtractor(t).FromUserinfo(context.Background(), []byte(userinfo))
	require.NoError(t, err)
	assert.Equal(t, "auth0|abc123", ext.Subject)
	assert.Equal(t, "Username-Password-Authentication", ext.Connection)
	assert.Equal(t, "researcher@example.org", ext.Email)
	assert.Equal(t, "Ada Researcher", ext.Name)
	assert.JSONEq(t, userinfo, string(ext.RawClaims))
	assert.Empty(t, ext.RoleNames)
}

func TestFromUserinfoMissingFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		json string
	}{
		{name: "missing user_id", json: `{"identities": [{"connection": "x"}]}`},
		{name: "missing identities", json: `{"user_id": "auth0|abc"}`},
		{name: "empty identities array", json: `{"user_id": "auth0|abc", "identities": []}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := claimsTestExtractor(t).FromUserinfo(context.Background(), []byte(tt.json))
			require.Error(t, err)
			assert.True(t, sserr.HasCode(err, sserr.CodeAuthenticationInvalid))
		})
	}
}

func TestFromFenceProfile(t *testing.T) {
	t.Parallel()

	profile := `{
		"user_id": 4242,
		"username": "researcher@example.org",
		"project_access": {
			"admin": ["read"],
			"parent": ["read"],
			"phs000001.c1": ["read", "read-storage"],
			"phs000002": ["read"],
			"topmed.phs000003.c2": ["read"]
		}
	}`

	ext, err := claimsTestExtractor(t).FromFenceProfile(context.Background(), []byte(profile), "fence")
	require.NoError(t, err)
	assert.Equal(t, "fence|4242", ext.Subject)
	assert.Equal(t, "fence", ext.Connection)
	assert.Equal(t, "researcher@example.org", ext.Email)
	assert.ElementsMatch(t, []string{
		"FENCE_phs000001_c1",
		"FENCE_phs000002",
		"FENCE_topmed_c2",
	}, ext.RoleNames)
	assert.True(t, ext.SyncRoles)
}

func TestFromFenceProfileEmptyGrantsStillSyncRoles(t *testing.T) {
	t.Parallel()

	profile := `{"user_id": 4242, "username": "researcher@example.org", "project_access": {}}`

	ext, err := claimsTestExtractor(t).FromFenceProfile(context.Background(), []byte(profile), "fence")
	require.NoError(t, err)
	assert.Empty(t, ext.RoleNames)
	assert.True(t, ext.SyncRoles)
}

func TestFromFenceProfileMissingUserID(t *testing.T) {
	t.Parallel()

	_, err := claimsTestExtractor(t).FromFenceProfile(context.Background(), []byte(`{"username": "x"}`), "fence")
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeAuthenticationInvalid))
}

func TestFromIntrospection(t *testing.T) {
	t.Parallel()

	now := time.Now()
	visa := claimsTestSign(t, jwt.MapClaims{
		"iss": "https://sts.nih.gov",
		"sub": "ras-user-1",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
		"ga4gh_visa_v1": map[string]any{
			"type":  "https://ras.nih.gov/visas/v1.1",
			"value": "https://sts.nih.gov/passport/dbgap/v1.1",
		},
		"ras_dbgap_permissions": []map[string]any{
			{"phs_id": "phs000001", "consent_group": "c1", "version": "v1", "role": "pi"},
			{"phs_id": "phs000001", "consent_group": "c1", "version": "v1", "role": "downloader"},
			{"phs_id": "phs000002", "consent_group": "c2", "version": "v1"},
		},
	})
	passportJWT := claimsTestSign(t, jwt.MapClaims{
		"iss":               "https://sts.nih.gov",
		"sub":               "ras-user-1",
		"iat":               now.Unix(),
		"exp":               now.Add(time.Hour).Unix(),
		"ga4gh_passport_v1": []string{visa},
	})
	introspection := fmt.Sprintf(`{
		"active": true,
		"sub": "ras-user-1",
		"email": "ras@example.org",
		"passport_jwt_v11": %q
	}`, passportJWT)

	ext, err := claimsTestExtractor(t).FromIntrospection(context.Background(), []byte(introspection), "ras")
	require.NoError(t, err)
	assert.Equal(t, "ras-user-1", ext.Subject)
	assert.Equal(t, "ras", ext.Connection)
	assert.Equal(t, "ras@example.org", ext.Email)
	require.Len(t, ext.Permissions, 2)
	assert.Equal(t, "phs000001", ext.Permissions[0].PhsID)
	assert.Equal(t, "phs000002", ext.Permissions[1].PhsID)
}

func TestFromIntrospectionEmailFallsBackToSubject(t *testing.T) {
	t.Parallel()

	ext, err := claimsTestExtractor(t).FromIntrospection(context.Background(), []byte(`{"active": true, "sub": "ras-user-2"}`), "ras")
	require.NoError(t, err)
	assert.Equal(t, "ras-user-2", ext.Email)
	assert.Empty(t, ext.Permissions)
}

func TestFromIntrospectionInactive(t *testing.T) {
	t.Parallel()

	_, err := claimsTestExtractor(t).FromIntrospection(context.Background(), []byte(`{"active": false, "sub": "ras-user-3"}`), "ras")
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeAuthentication))
}

func TestFromIntrospectionBadPassport(t *testing.T) {
	t.Parallel()

	introspection := `{"active": true, "sub": "ras-user-4", "passport_jwt_v11": "not.a.passport"}`
	_, err := claimsTestExtractor(t).FromIntrospection(context.Background(), []byte(introspection), "ras")
	require.Error(t, err)
	assert.True(t, sserr.HasCode(err, sserr.CodeAuthenticationInvalid))
}

func TestFenceRoleName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key  string
		want string
	}{
		{key: "phs000001.c1", want: "FENCE_phs000001_c1"},
		{key: "phs000002", want: "FENCE_phs000002"},
		{key: "topmed.phs000003.c2", want: "FENCE_topmed_c2"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FenceRoleName(tt.key))
	}
}
