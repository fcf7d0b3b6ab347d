// Package grant verifies approval grants: short-lived EdDSA-signed tokens
// that authorize one approver to approve one session over one document.
package grant

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/countersign-io/countersign/internal/platform/errors"
)

// Environment variable names for grant verification configuration.
const (
	EnvGrantIssuer    = "COUNTERSIGN_GRANT_ISSUER"
	EnvGrantAudience  = "COUNTERSIGN_GRANT_AUDIENCE"
	EnvGrantPublicKey = "COUNTERSIGN_GRANT_PUBLIC_KEY"
)

// grantEnv holds raw env values before post-parse validation.
type grantEnv struct {
	Issuer    string `env:"COUNTERSIGN_GRANT_ISSUER"`
	Audience  string `env:"COUNTERSIGN_GRANT_AUDIENCE"`
	PublicKey string `env:"COUNTERSIGN_GRANT_PUBLIC_KEY"`
}

// Config defines how approval grants are verified.
type Config struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// Enabled reports whether grant verification is configured at all. An empty
// config means the deployment does not require grants on approval.
func (c Config) Enabled() bool {
	return c.Issuer != "" || c.Audience != "" || len(c.Key) > 0
}

// Expectation defines the identity an approval grant must be bound to.
type Expectation struct {
	SessionID      string
	DocumentDigest string
	ApproverRef    string
}

// Claims captures validated approval grant claims.
type Claims struct {
	Issuer         string
	Audience       []string
	ExpiresAt      time.Time
	NotBefore      time.Time
	IssuedAt       time.Time
	JWTID          string
	SessionID      string
	DocumentDigest string
	ApproverRef    string
}

// grantClaims is the internal claims type used for JWT parsing.
type grantClaims struct {
	jwt.RegisteredClaims
	SessionID      string `json:"session_id"`
	DocumentDigest string `json:"document_digest"`
	ApproverRef    string `json:"approver_ref"`
}

// LoadConfigFromEnv reads approval grant verification configuration. All
// three variables absent means grants are disabled; a partial set is a
// configuration error.
func LoadConfigFromEnv(now func() time.Time) (Config, error) {
	var raw grantEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse grant env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	publicKey := strings.TrimSpace(raw.PublicKey)
	if issuer == "" && audience == "" && publicKey == "" {
		return Config{}, nil
	}
	if issuer == "" {
		return Config{}, fmt.Errorf("COUNTERSIGN_GRANT_ISSUER is required")
	}
	if audience == "" {
		return Config{}, fmt.Errorf("COUNTERSIGN_GRANT_AUDIENCE is required")
	}
	if publicKey == "" {
		return Config{}, fmt.Errorf("COUNTERSIGN_GRANT_PUBLIC_KEY is required")
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return Config{}, fmt.Errorf("decode grant public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return Config{}, fmt.Errorf("grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return Config{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}, nil
}

// Validate verifies an approval grant token and checks it is bound to the
// expected session, document, and approver.
func Validate(grant string, expected Expectation, cfg Config) (Claims, error) {
	grant = strings.TrimSpace(grant)
	if grant == "" {
		return Claims{}, apperrors.New(apperrors.CodeGrantInvalid, "approval grant is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PublicKeySize {
		return Claims{}, errors.New("approval grant verifier is not configured")
	}

	var parsed grantClaims
	_, err := jwt.ParseWithClaims(grant, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != cfg.Issuer {
		return Claims{}, apperrors.WithMetadata(
			apperrors.CodeGrantMismatch,
			"approval grant issuer mismatch",
			map[string]string{"Field": "issuer"},
		)
	}
	if !audienceContains(parsed.Audience, cfg.Audience) {
		return Claims{}, apperrors.WithMetadata(
			apperrors.CodeGrantMismatch,
			"approval grant audience mismatch",
			map[string]string{"Field": "audience"},
		)
	}

	if parsed.ID == "" {
		return Claims{}, apperrors.New(apperrors.CodeGrantInvalid, "approval grant jti is required")
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, apperrors.New(apperrors.CodeGrantInvalid, "approval grant exp is required")
	}

	now := cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return Claims{}, apperrors.New(apperrors.CodeGrantExpired, "approval grant is expired")
	}
	if parsed.NotBefore != nil {
		nbf := parsed.NotBefore.Time.UTC()
		if now.Before(nbf) {
			return Claims{}, apperrors.New(apperrors.CodeGrantInvalid, "approval grant not active yet")
		}
	}

	if strings.TrimSpace(parsed.SessionID) == "" || parsed.SessionID != expected.SessionID {
		return Claims{}, apperrors.WithMetadata(
			apperrors.CodeGrantMismatch,
			"approval grant session mismatch",
			map[string]string{"Field": "session_id"},
		)
	}
	if strings.TrimSpace(parsed.DocumentDigest) == "" || parsed.DocumentDigest != expected.DocumentDigest {
		return Claims{}, apperrors.WithMetadata(
			apperrors.CodeGrantMismatch,
			"approval grant document mismatch",
			map[string]string{"Field": "document_digest"},
		)
	}
	if strings.TrimSpace(parsed.ApproverRef) == "" || parsed.ApproverRef != expected.ApproverRef {
		return Claims{}, apperrors.WithMetadata(
			apperrors.CodeGrantMismatch,
			"approval grant approver mismatch",
			map[string]string{"Field": "approver_ref"},
		)
	}

	claims := Claims{
		Issuer:         parsed.Issuer,
		Audience:       []string(parsed.Audience),
		ExpiresAt:      exp,
		JWTID:          parsed.ID,
		SessionID:      parsed.SessionID,
		DocumentDigest: parsed.DocumentDigest,
		ApproverRef:    parsed.ApproverRef,
	}
	if parsed.NotBefore != nil {
		claims.NotBefore = parsed.NotBefore.Time.UTC()
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// IssueInput carries the claims for a new approval grant.
type IssueInput struct {
	Issuer         string
	Audience       string
	JWTID          string
	SessionID      string
	DocumentDigest string
	ApproverRef    string
	IssuedAt       time.Time
	ExpiresAt      time.Time
}

// Issue signs an approval grant with the issuing private key.
func Issue(input IssueInput, key ed25519.PrivateKey) (string, error) {
	if len(key) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("grant private key must be %d bytes", ed25519.PrivateKeySize)
	}
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    input.Issuer,
			Audience:  jwt.ClaimStrings{input.Audience},
			ID:        input.JWTID,
			IssuedAt:  jwt.NewNumericDate(input.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(input.ExpiresAt),
		},
		SessionID:      input.SessionID,
		DocumentDigest: input.DocumentDigest,
		ApproverRef:    input.ApproverRef,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign approval grant: %w", err)
	}
	return signed, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeGrantInvalid, "approval grant signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeGrantInvalid, "approval grant alg is invalid")
	}
	return apperrors.New(apperrors.CodeGrantInvalid, "approval grant is invalid")
}

// audienceContains reports whether the audience list contains the given value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
