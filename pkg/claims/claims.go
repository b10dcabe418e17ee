// Package claims normalizes the payloads returned by upstream identity
// providers into a single ExternalIdentity shape the resolver can work
// with. Three upstream families are supported: OAuth userinfo documents
// (Auth0-style), Gen3/FENCE user profiles, and token introspection
// responses (RAS/Okta-style) that may carry a GA4GH passport.
package claims

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	sserr "github.com/helixmed/authgate/pkg/errors"
	"github.com/helixmed/authgate/pkg/passport"
)

// ---------------------------------------------------------------------------
// FlexBool — lenient boolean decoding for harmonization flags
// ---------------------------------------------------------------------------

// FlexBool decodes a boolean that upstream sources encode inconsistently.
// JSON true and the strings "Y" and "Yes" (case-insensitive) decode to
// true; everything else decodes to false. Upstream study catalogs vary
// in casing, so the lenient parse is deliberate.
type FlexBool bool

// UnmarshalJSON implements json.Unmarshaler.
func (b *FlexBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*b = false
		return nil
	}

	var asBool bool
	if err := json.Unmarshal(data, &asBool); err == nil {
		*b = FlexBool(asBool)
		return nil
	}

	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		*b = FlexBool(strings.EqualFold(asString, "Y") || strings.EqualFold(asString, "Yes"))
		return nil
	}

	// Numbers and other scalars are treated as false rather than
	// failing the whole document.
	*b = false
	return nil
}

// Bool returns the underlying bool.
func (b FlexBool) Bool() bool { return bool(b) }

// ---------------------------------------------------------------------------
// StudyMetadata — study catalog entry for FENCE-backed deployments
// ---------------------------------------------------------------------------

// StudyMetadata is one entry of the study catalog that maps FENCE access
// grants to query scopes. Only the fields the gateway acts on are kept.
type StudyMetadata struct {
	StudyIdentifier  string   `json:"study_identifier"`
	AbbreviatedName  string   `json:"abbreviated_name"`
	FullStudyName    string   `json:"full_study_name"`
	ConsentGroupCode string   `json:"consent_group_code"`
	ConsentGroupName string   `json:"consent_group_name"`
	StudyVersion     string   `json:"study_version"`
	TopLevelPath     string   `json:"top_level_path"`
	Harmonized       FlexBool `json:"is_harmonized"`
	AuthZ            string   `json:"authZ"`
}

// ---------------------------------------------------------------------------
// ExternalIdentity — the normalized upstream identity
// ---------------------------------------------------------------------------

// ExternalIdentity is the provider-independent result of claim
// extraction, consumed by the identity resolver.
type ExternalIdentity struct {
	// Subject is the provider-scoped stable identifier, including any
	// provider prefix (e.g. "fence|12345").
	Subject string

	// Connection identifies the upstream connection the identity came
	// from.
	Connection string

	// Email is the user's email, or the closest display attribute the
	// provider guarantees.
	Email string

	// Name is the display name, when the provider supplies one.
	Name string

	// RoleNames are role names derived from the provider's access
	// grants (FENCE project_access), to be reconciled by the resolver.
	RoleNames []string

	// SyncRoles marks providers whose grant set is authoritative for
	// the user's upstream roles. Reconciliation then runs even when
	// RoleNames is empty, so access revoked upstream is revoked here.
	SyncRoles bool

	// Permissions are dbGaP permissions extracted from a GA4GH
	// passport, when the provider supplied one.
	Permissions []passport.Permission

	// RawClaims is the provider's original JSON payload, retained for
	// claim-path matching against stored user metadata.
	RawClaims json.RawMessage
}

// ---------------------------------------------------------------------------
// Extractor
// ---------------------------------------------------------------------------

// Extractor converts provider payloads into ExternalIdentity values.
// The passport decoder is only needed for introspection payloads that
// carry passports; it may be nil otherwise.
type Extractor struct {
	decoder *passport.Decoder
	logger  *slog.Logger
}

// NewExtractor creates an Extractor. If logger is nil, slog.Default()
// is used.
func NewExtractor(decoder *passport.Decoder, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{decoder: decoder, logger: logger}
}

// FromUserinfo extracts an identity from an OAuth userinfo document
// (Auth0 shape). The subject comes from the "user_id" claim and the
// connection from the first entry of the "identities" array; both are
// required.
func (e *Extractor) FromUserinfo(_ context.Context, userinfo []byte) (*ExternalIdentity, error) {
	doc := gjson.ParseBytes(userinfo)

	sub := doc.Get("user_id").String()
	if sub == "" {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "claims: userinfo is missing the user_id claim")
	}
	conn := doc.Get("identities.0.connection").String()
	if conn == "" {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "claims: userinfo is missing the identity connection")
	}

	return &ExternalIdentity{
		Subject:    sub,
		Connection: conn,
		Email:      doc.Get("email").String(),
		Name:       doc.Get("name").String(),
		RawClaims:  json.RawMessage(userinfo),
	}, nil
}

// FromFenceProfile extracts an identity from a Gen3/FENCE user profile.
// The subject is "fence|" + user_id; the username doubles as the email
// attribute because it is the only display attribute FENCE guarantees.
// Keys of "project_access" become role names via [FenceRoleName], with
// the "admin" and "parent" grants skipped.
func (e *Extractor) FromFenceProfile(ctx context.Context, profile []byte, connection string) (*ExternalIdentity, error) {
	doc := gjson.ParseBytes(profile)

	userID := doc.Get("user_id").String()
	if userID == "" {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "claims: profile is missing the user_id claim")
	}

	var roleNames []string
	doc.Get("project_access").ForEach(func(key, _ gjson.Result) bool {
		grant := key.String()
		if grant == "admin" || grant == "parent" {
			return true
		}
		roleNames = append(roleNames, FenceRoleName(grant))
		return true
	})

	return &ExternalIdentity{
		Subject:    "fence|" + userID,
		Connection: connection,
		Email:      doc.Get("username").String(),
		Name:       doc.Get("name").String(),
		RoleNames:  roleNames,
		SyncRoles:  true,
		RawClaims:  json.RawMessage(profile),
	}, nil
}

// FromIntrospection extracts an identity from a token introspection
// response (RAS/Okta shape). The response must report the token as
// active. When a "passport_jwt_v11" claim is present, the passport is
// decoded and its dbGaP permissions attached; an undecodable passport
// fails the extraction, while individual bad visas are dropped by the
// passport decoder.
func (e *Extractor) FromIntrospection(ctx context.Context, introspection []byte, connection string) (*ExternalIdentity, error) {
	doc := gjson.ParseBytes(introspection)

	if !doc.Get("active").Bool() {
		return nil, sserr.New(sserr.CodeAuthentication, "claims: introspected token is not active")
	}
	sub := doc.Get("sub").String()
	if sub == "" {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "claims: introspection response is missing the sub claim")
	}

	ext := &ExternalIdentity{
		Subject:    sub,
		Connection: connection,
		Email:      doc.Get("email").String(),
		Name:       doc.Get("name").String(),
		RawClaims:  json.RawMessage(introspection),
	}
	if ext.Email == "" {
		ext.Email = sub
	}

	if passportJWT := doc.Get("passport_jwt_v11").String(); passportJWT != "" {
		if e.decoder == nil {
			return nil, sserr.New(sserr.CodeInternalConfiguration, "claims: passport present but no decoder configured")
		}
		p, err := e.decoder.DecodePassport(ctx, passportJWT)
		if err != nil {
			return nil, err
		}
		visas := e.decoder.DecodeVisas(ctx, p)
		ext.Permissions = passport.Permissions(visas)
	}

	return ext, nil
}

// FenceRoleName maps a FENCE project_access key to a role name. Grants
// of the form "<project>.<consent>" become "FENCE_<project>_<consent>";
// grants without a consent part become "FENCE_<grant>".
func FenceRoleName(accessKey string) string {
	parts := strings.Split(accessKey, ".")
	if len(parts) > 1 {
		return "FENCE_" + parts[0] + "_" + parts[len(parts)-1]
	}
	return "FENCE_" + accessKey
}
