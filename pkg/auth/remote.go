package auth

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// defaultAuthorityHost is the identity provider's login host.
const defaultAuthorityHost = "https://login.microsoftonline.com"

var defaultRemoteAlgorithms = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "PS256"}

// emailClaims are tried in order for a user's email-like identifier.
var emailClaims = []string{"preferred_username", "email", "upn", "unique_name"}

// ---------------------------------------------------------------------------
// RemoteConfig
// ---------------------------------------------------------------------------

// RemoteConfig configures a [RemoteTokenVerifier].
type RemoteConfig struct {
	// TenantID derives the authority, the default issuer allow-list and
	// the default JWKS URL.
	TenantID string `env:"TENANT_ID" yaml:"tenant_id" json:"tenant_id"`

	// Authority overrides the default "{host}/{tenant}" authority URL.
	Authority string `env:"AUTHORITY" yaml:"authority" json:"authority"`

	// Audience must match the aud claim (usually the application's client
	// id).
	Audience string `env:"AUDIENCE" yaml:"audience" json:"audience"`

	// Issuers is the accepted iss allow-list. Empty means
	// [RemoteConfig.AllowedIssuers] derives it from the tenant.
	Issuers []string `env:"ISSUERS" yaml:"issuers" json:"issuers"`

	// SubjectClaim names the claim carrying the stable user object id.
	SubjectClaim string `env:"SUBJECT_CLAIM" envDefault:"oid" yaml:"subject_claim" json:"subject_claim"`

	Algorithms []string      `env:"ALGORITHMS" yaml:"algorithms" json:"algorithms"`
	ClockSkew  time.Duration `env:"CLOCK_SKEW" envDefault:"30s" yaml:"clock_skew" json:"clock_skew"`

	KeySet KeySetConfig `env:"KEYSET" yaml:"keyset" json:"keyset"`
}

// DefaultRemoteConfig returns the defaults without tenant or audience.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		SubjectClaim: "oid",
		ClockSkew:    30 * time.Second,
		KeySet:       DefaultKeySetConfig(),
	}
}

// AuthorityURL returns the configured authority or the tenant default.
func (c *RemoteConfig) AuthorityURL() string {
	if c.Authority != "" {
		return strings.TrimRight(c.Authority, "/")
	}
	if c.TenantID == "" {
		return ""
	}
	return defaultAuthorityHost + "/" + c.TenantID
}

// AllowedIssuers returns the configured issuers, or the equivalent issuer
// strings the provider uses for the tenant: the v2.0 authority, the
// legacy STS issuer and the v2.0 login issuer.
func (c *RemoteConfig) AllowedIssuers() []string {
	if len(c.Issuers) > 0 {
		return slices.Clone(c.Issuers)
	}
	if c.TenantID == "" {
		return nil
	}
	issuers := []string{
		c.AuthorityURL() + "/v2.0",
		"https://sts.windows.net/" + c.TenantID + "/",
		defaultAuthorityHost + "/" + c.TenantID + "/v2.0",
	}
	slices.Sort(issuers)
	return slices.Compact(issuers)
}

// KeySetURL returns the configured JWKS URL or the tenant default.
func (c *RemoteConfig) KeySetURL() string {
	if c.KeySet.URL != "" {
		return c.KeySet.URL
	}
	if authority := c.AuthorityURL(); authority != "" {
		return authority + "/discovery/v2.0/keys"
	}
	return ""
}

// Validate checks the configuration and fills derived defaults.
func (c *RemoteConfig) Validate() *sserr.Error {
	if c.Audience == "" {
		return sserr.Validation("auth: remote audience must not be empty")
	}
	if len(c.AllowedIssuers()) == 0 {
		return sserr.Validation("auth: remote issuers or tenant id must be set")
	}
	if c.SubjectClaim == "" {
		c.SubjectClaim = "oid"
	}
	if len(c.Algorithms) == 0 {
		c.Algorithms = slices.Clone(defaultRemoteAlgorithms)
	}
	for _, alg := range c.Algorithms {
		if !slices.Contains(defaultRemoteAlgorithms, alg) {
			return sserr.Validationf("auth: remote algorithm %q is not supported", alg)
		}
	}
	if c.ClockSkew < 0 {
		return sserr.Validation("auth: clock skew must be non-negative")
	}
	c.KeySet.URL = c.KeySetURL()
	return c.KeySet.Validate()
}

// ---------------------------------------------------------------------------
// RemoteTokenVerifier
// ---------------------------------------------------------------------------

// RemoteTokenVerifier validates provider-issued tokens against keys from a
// [KeyResolver] and classifies them as user or service tokens.
type RemoteTokenVerifier struct {
	cfg     RemoteConfig
	keys    KeyResolver
	issuers []string
	parser  *jwt.Parser
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewRemoteTokenVerifier validates cfg and returns a verifier.
func NewRemoteTokenVerifier(cfg RemoteConfig, keys KeyResolver, logger *slog.Logger) (*RemoteTokenVerifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if keys == nil {
		return nil, sserr.Validation("auth: remote verifier requires a key resolver")
	}
	return &RemoteTokenVerifier{
		cfg:     cfg,
		keys:    keys,
		issuers: cfg.AllowedIssuers(),
		parser: jwt.NewParser(
			jwt.WithValidMethods(cfg.Algorithms),
			jwt.WithAudience(cfg.Audience),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(cfg.ClockSkew),
		),
		logger: loggerOrDefault(logger),
		tracer: otel.Tracer(tracerName),
	}, nil
}

// Verify validates signature, lifetime, audience and issuer, then
// classifies the claims.
func (v *RemoteTokenVerifier) Verify(ctx context.Context, token string) VerifyResult {
	ctx, span := startSpan(ctx, v.tracer, "auth.VerifyRemote")
	defer span.End()

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, sserr.InvalidToken("auth: token header missing kid")
		}
		span.SetAttributes(attribute.String("auth.kid", kid))
		return v.keys.GetKey(ctx, kid)
	})
	if err != nil {
		classified := classifyError(err)
		finishSpan(span, classified)
		return failedResult(classified)
	}

	iss, _ := claims.GetIssuer()
	if !slices.Contains(v.issuers, iss) {
		err := sserr.InvalidToken("auth: token issuer is not allowed").WithDetail("issuer", iss)
		finishSpan(span, err)
		return failedResult(err)
	}

	result := classifyClaims(claims, v.cfg.SubjectClaim)
	span.SetAttributes(attribute.String("auth.outcome", result.Kind().String()))
	if result.Failed() {
		finishSpan(span, result.Err)
	}
	return result
}

// classifyClaims decides between a user token (subject and email-like
// claim present) and a service token (application id with either the
// client-credentials marker appidacr=1 or app roles without delegated
// scopes).
func classifyClaims(claims jwt.MapClaims, subjectClaim string) VerifyResult {
	subject := stringClaim(claims, subjectClaim)
	email := NormalizeEmail(firstStringClaim(claims, emailClaims...))
	roles, rolesPresent := stringListClaim(claims, "roles")
	var exp time.Time
	if nd, err := claims.GetExpirationTime(); err == nil && nd != nil {
		exp = nd.Time
	}

	if subject != "" && email != "" {
		return userResult(RemoteClaims{
			Subject:      subject,
			Email:        email,
			DisplayName:  stringClaim(claims, "name"),
			Roles:        roles,
			RolesPresent: rolesPresent,
			ExpiresAt:    exp,
		})
	}

	appID := firstStringClaim(claims, "appid", "azp")
	_, hasScope := claims["scp"]
	if appID != "" && (stringClaim(claims, "appidacr") == "1" || (len(roles) > 0 && !hasScope)) {
		return serviceResult(ServiceClaims{AppID: appID, Roles: roles, ExpiresAt: exp})
	}

	return failedResult(sserr.UnsupportedIdentity(
		"auth: token is neither a user token nor a service token"))
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return strings.TrimSpace(s)
}

func firstStringClaim(claims jwt.MapClaims, names ...string) string {
	for _, name := range names {
		if s := stringClaim(claims, name); s != "" {
			return s
		}
	}
	return ""
}

// stringListClaim reads a claim that is a JSON array of strings or a
// single string.
func stringListClaim(claims jwt.MapClaims, name string) ([]string, bool) {
	raw, ok := claims[name]
	if !ok || raw == nil {
		return nil, false
	}
	switch v := raw.(type) {
	case string:
		if v = strings.TrimSpace(v); v != "" {
			return []string{v}, true
		}
		return nil, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out, true
	default:
		return nil, true
	}
}

// classifyError maps a parse error to an AUTH_xxx error. Errors that are
// already *sserr.Error (from the key resolver) pass through, so an
// unreachable key provider is not reported as a bad token.
func classifyError(err error) *sserr.Error {
	if err == nil {
		return nil
	}
	if e, ok := sserr.AsError(err); ok {
		return e
	}

	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return sserr.Wrap(err, sserr.CodeAuthenticationExpired, "auth: token has expired")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token is malformed")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token signature is invalid")
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token is not yet valid")
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token issued in the future")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token audience is invalid")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token issuer is invalid")
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token is missing a required claim")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token is unverifiable")
	default:
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token validation failed")
	}
}
