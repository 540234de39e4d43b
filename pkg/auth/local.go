package auth

import (
	"context"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// ---------------------------------------------------------------------------
// Secret
// ---------------------------------------------------------------------------

// Secret is a string that redacts itself when printed or serialized. Use
// [Secret.Value] where the raw value is needed.
type Secret string

const secretRedacted = "[REDACTED]"

func (s Secret) String() string   { return secretRedacted }
func (s Secret) GoString() string { return secretRedacted }

// Value returns the raw secret.
func (s Secret) Value() string { return string(s) }

// MarshalText implements encoding.TextMarshaler with the redacted form.
func (s Secret) MarshalText() ([]byte, error) { return []byte(secretRedacted), nil }

// ---------------------------------------------------------------------------
// LocalConfig
// ---------------------------------------------------------------------------

var localAlgorithms = []string{"HS256", "HS384", "HS512"}

// minLocalKeyBytes is the shortest accepted HMAC signing key.
const minLocalKeyBytes = 32

// LocalConfig configures a [LocalTokenVerifier].
type LocalConfig struct {
	SigningKey Secret `env:"SIGNING_KEY" yaml:"signing_key" json:"-"`

	// Algorithm is the single accepted HMAC algorithm.
	Algorithm string `env:"ALGORITHM" envDefault:"HS256" yaml:"algorithm" json:"algorithm"`

	// Issuer, when set, must match the iss claim.
	Issuer string `env:"ISSUER" yaml:"issuer" json:"issuer"`

	ClockSkew time.Duration `env:"CLOCK_SKEW" envDefault:"30s" yaml:"clock_skew" json:"clock_skew"`
}

// DefaultLocalConfig returns HS256 with a 30s clock skew and no key.
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{Algorithm: "HS256", ClockSkew: 30 * time.Second}
}

// Validate checks the configuration.
func (c *LocalConfig) Validate() *sserr.Error {
	if len(c.SigningKey.Value()) < minLocalKeyBytes {
		return sserr.Validationf("auth: local signing key must be at least %d bytes", minLocalKeyBytes)
	}
	if !slices.Contains(localAlgorithms, c.Algorithm) {
		return sserr.Validationf("auth: local algorithm %q is not an HMAC algorithm", c.Algorithm)
	}
	if c.ClockSkew < 0 {
		return sserr.Validation("auth: clock skew must be non-negative")
	}
	return nil
}

// ---------------------------------------------------------------------------
// LocalTokenVerifier
// ---------------------------------------------------------------------------

// LocalTokenVerifier validates tokens signed with the service's shared
// secret. The subject claim carries the user's email. It never touches the
// network.
type LocalTokenVerifier struct {
	cfg    LocalConfig
	parser *jwt.Parser
	tracer trace.Tracer
}

// NewLocalTokenVerifier validates cfg and returns a verifier.
func NewLocalTokenVerifier(cfg LocalConfig) (*LocalTokenVerifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := []jwt.ParserOption{
		// A single method blocks algorithm confusion with asymmetric keys.
		jwt.WithValidMethods([]string{cfg.Algorithm}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.ClockSkew),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &LocalTokenVerifier{
		cfg:    cfg,
		parser: jwt.NewParser(opts...),
		tracer: otel.Tracer(tracerName),
	}, nil
}

// Verify checks the token and returns [LocalClaims] or a failure.
func (v *LocalTokenVerifier) Verify(ctx context.Context, token string) VerifyResult {
	_, span := startSpan(ctx, v.tracer, "auth.VerifyLocal")
	defer span.End()

	claims := jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(v.cfg.SigningKey.Value()), nil
	})
	if err != nil {
		classified := classifyError(err)
		finishSpan(span, classified)
		return failedResult(classified)
	}

	email := NormalizeEmail(claims.Subject)
	if email == "" {
		err := sserr.InvalidToken("auth: local token has no subject")
		finishSpan(span, err)
		return failedResult(err)
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return localResult(LocalClaims{Email: email, ExpiresAt: exp})
}
