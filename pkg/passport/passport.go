// Package passport decodes GA4GH passports and their embedded visas into
// dbGaP study permissions for the authorization pipeline.
//
// A passport is a signed JWT whose payload carries a "ga4gh_passport_v1"
// claim: a list of visa JWTs. Each visa is verified independently; a visa
// that fails verification (bad signature, expired, malformed) is dropped
// with a warning while its siblings remain trusted. Permissions extracted
// from the surviving visas are merged and de-duplicated by study,
// consent group, and version.
package passport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/helixmed/authgate/pkg/errors"
	"github.com/helixmed/authgate/pkg/token"
)

// tracerName is the OpenTelemetry instrumentation scope name for passport spans.
const tracerName = "github.com/helixmed/authgate/pkg/passport"

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

// Permission is a single dbGaP study permission asserted by a visa.
// Field names follow the RAS wire format.
type Permission struct {
	ConsentName    string `json:"consent_name"`
	PhsID          string `json:"phs_id"`
	Version        string `json:"version"`
	ParticipantSet string `json:"participant_set"`
	ConsentGroup   string `json:"consent_group"`
	Role           string `json:"role"`
	Expiration     int64  `json:"expiration"`
}

// permissionKey identifies a permission for de-duplication. Two
// permissions for the same study, consent group, and version are the
// same grant regardless of the other fields.
type permissionKey struct {
	phsID        string
	consentGroup string
	version      string
}

func (p Permission) key() permissionKey {
	return permissionKey{phsID: p.PhsID, consentGroup: p.ConsentGroup, version: p.Version}
}

// VisaAssertion is the "ga4gh_visa_v1" claim inside a visa payload.
type VisaAssertion struct {
	Type     string `json:"type"`
	Asserted int64  `json:"asserted"`
	Value    string `json:"value"`
	Source   string `json:"source"`
	By       string `json:"by"`
}

// Visa is the decoded payload of a single visa JWT.
type Visa struct {
	Issuer      string        `json:"iss"`
	Subject     string        `json:"sub"`
	IssuedAt    int64         `json:"iat"`
	ExpiresAt   int64         `json:"exp"`
	Scope       string        `json:"scope"`
	JTI         string        `json:"jti"`
	TXN         string        `json:"txn"`
	Assertion   VisaAssertion `json:"ga4gh_visa_v1"`
	Permissions []Permission  `json:"ras_dbgap_permissions"`
}

// Passport is the decoded payload of the outer passport JWT.
type Passport struct {
	Subject    string   `json:"sub"`
	JTI        string   `json:"jti"`
	Scope      string   `json:"scope"`
	TXN        string   `json:"txn"`
	Issuer     string   `json:"iss"`
	IssuedAt   int64    `json:"iat"`
	ExpiresAt  int64    `json:"exp"`
	VisaTokens []string `json:"ga4gh_passport_v1"`
}

// ---------------------------------------------------------------------------
// Decoder
// ---------------------------------------------------------------------------

// Config holds the configuration for [Decoder].
type Config struct {
	// VisaSecret is the HMAC key used to verify passport and visa
	// signatures. Required unless KeyFunc is set.
	VisaSecret token.Secret `json:"-" yaml:"visa_secret" env:"PASSPORT_VISA_SECRET"`

	// ClockSkew is the leeway applied to exp/iat validation. Must be
	// non-negative. Defaults to 30 seconds.
	ClockSkew time.Duration `json:"clock_skew" yaml:"clock_skew" env:"PASSPORT_CLOCK_SKEW" envDefault:"30s"`

	// KeyFunc overrides signature verification, for deployments whose
	// visa issuer signs with an asymmetric key. When set, VisaSecret is
	// ignored and the accepted algorithms are not restricted to HS256.
	KeyFunc jwt.Keyfunc `json:"-" yaml:"-"`

	// Logger receives warnings for dropped visas. If nil, slog.Default()
	// is used.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

// Validate checks the configuration for logical correctness.
func (c *Config) Validate() *sserr.Error {
	if c.KeyFunc == nil && len(c.VisaSecret.Value()) < 32 {
		return sserr.New(sserr.CodeValidation, "passport: visa secret must be at least 32 bytes")
	}
	if c.ClockSkew < 0 {
		return sserr.New(sserr.CodeValidation, "passport: clock skew must be non-negative")
	}
	return nil
}

// Decoder verifies passports and visas and extracts dbGaP permissions.
//
// Decoder is safe for concurrent use by multiple goroutines.
type Decoder struct {
	config Config
	tracer trace.Tracer
	logger *slog.Logger
}

// NewDecoder creates a new Decoder with the given configuration.
func NewDecoder(cfg Config) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		config: cfg,
		tracer: otel.Tracer(tracerName),
		logger: logger,
	}, nil
}

// DecodePassport verifies the outer passport token and returns its
// decoded payload. The embedded visa tokens are NOT verified here; use
// [Decoder.DecodeVisas] for that.
func (d *Decoder) DecodePassport(ctx context.Context, tokenStr string) (*Passport, error) {
	_, span := d.tracer.Start(ctx, "passport.DecodePassport")
	defer span.End()

	if tokenStr == "" {
		err := sserr.New(sserr.CodeAuthenticationInvalid, "passport: passport must not be empty")
		spanError(span, err)
		return nil, err
	}

	payload, err := d.verify(tokenStr)
	if err != nil {
		classified := classifyError(err)
		spanError(span, classified)
		return nil, classified
	}

	var p Passport
	if err := json.Unmarshal(payload, &p); err != nil {
		wrapped := sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "passport: passport payload is not valid JSON")
		spanError(span, wrapped)
		return nil, wrapped
	}

	span.SetAttributes(
		attribute.String("passport.subject", p.Subject),
		attribute.Int("passport.visa_count", len(p.VisaTokens)),
	)
	return &p, nil
}

// DecodeVisas verifies each visa token in the passport independently and
// returns the decoded visas that verify. A visa that fails verification
// is dropped with a warning; its siblings are unaffected. The returned
// slice preserves the passport's visa order.
func (d *Decoder) DecodeVisas(ctx context.Context, p *Passport) []Visa {
	_, span := d.tracer.Start(ctx, "passport.DecodeVisas")
	defer span.End()

	visas := make([]Visa, 0, len(p.VisaTokens))
	dropped := 0
	for i, visaToken := range p.VisaTokens {
		payload, err := d.verify(visaToken)
		if err != nil {
			dropped++
			d.logger.WarnContext(ctx, "dropping visa that failed verification",
				"index", i,
				"subject", p.Subject,
				"error", err,
			)
			continue
		}

		var visa Visa
		if err := json.Unmarshal(payload, &visa); err != nil {
			dropped++
			d.logger.WarnContext(ctx, "dropping visa with malformed payload",
				"index", i,
				"subject", p.Subject,
				"error", err,
			)
			continue
		}
		visas = append(visas, visa)
	}

	span.SetAttributes(
		attribute.Int("passport.visas_accepted", len(visas)),
		attribute.Int("passport.visas_dropped", dropped),
	)
	return visas
}

// Permissions merges the dbGaP permissions of the given visas,
// de-duplicated by (phs_id, consent_group, version). The first
// occurrence of a grant wins and the overall order is preserved.
func Permissions(visas []Visa) []Permission {
	seen := make(map[permissionKey]struct{})
	var merged []Permission
	for _, visa := range visas {
		for _, perm := range visa.Permissions {
			k := perm.key()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			merged = append(merged, perm)
		}
	}
	return merged
}

// verify checks the token's signature and validity window and returns
// the raw payload bytes for unmarshalling into a concrete type.
func (d *Decoder) verify(tokenStr string) ([]byte, error) {
	keyFunc := d.config.KeyFunc
	parserOpts := []jwt.ParserOption{jwt.WithLeeway(d.config.ClockSkew)}
	if keyFunc == nil {
		keyFunc = func(t *jwt.Token) (interface{}, error) {
			return []byte(d.config.VisaSecret.Value()), nil
		}
		parserOpts = append(parserOpts, jwt.WithValidMethods([]string{"HS256"}))
	}

	tok, err := jwt.Parse(tokenStr, keyFunc, parserOpts...)
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "passport: token is not valid")
	}

	return payloadSegment(tokenStr)
}

// ---------------------------------------------------------------------------
// Payload helpers
// ---------------------------------------------------------------------------

// ExtractPayload decodes the payload segment of a JWT into v WITHOUT
// verifying the signature. It exists for diagnostics (e.g. logging a
// visa's txn after a validation failure) and must never feed an
// authorization decision.
func ExtractPayload(tokenStr string, v any) error {
	payload, err := payloadSegment(tokenStr)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "passport: payload is not valid JSON")
	}
	return nil
}

// payloadSegment returns the base64-decoded payload segment of a JWT.
func payloadSegment(tokenStr string) ([]byte, error) {
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "passport: token does not have three segments")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "passport: payload segment is not valid base64")
	}
	return payload, nil
}

// classifyError converts a JWT library error to an appropriate
// *sserr.Error, distinguishing expiry from the other failure modes.
func classifyError(err error) *sserr.Error {
	if err == nil {
		return nil
	}
	var ssError *sserr.Error
	if errors.As(err, &ssError) {
		return ssError
	}
	if errors.Is(err, jwt.ErrTokenExpired) {
		return sserr.Wrap(err, sserr.CodeAuthenticationExpired, "passport: passport has expired")
	}
	return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "passport: passport verification failed")
}

// spanError records an error on the span and sets the span status.
func spanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
