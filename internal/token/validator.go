// Package token classifies and validates bearer tokens.
//
// A bearer string is one of four variants: a signed JWT, an opaque provider
// token ("supabase_token_<uuid>"), a development token ("mock_token_" /
// "dev_token_"), or unknown. The validator is pure and synchronous; its only
// lookup is the in-process signing key ring.
package token

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/genstudio/authcore/internal/apperr"
)

// Variant tags the recognized bearer token shapes.
type Variant int

const (
	VariantUnknown Variant = iota
	VariantSignedJWT
	VariantProviderToken
	VariantDevToken
)

func (v Variant) String() string {
	switch v {
	case VariantSignedJWT:
		return "signed_jwt"
	case VariantProviderToken:
		return "provider_token"
	case VariantDevToken:
		return "dev_token"
	default:
		return "unknown"
	}
}

const (
	providerPrefix = "supabase_token_"
	mockPrefix     = "mock_token_"
	devPrefix      = "dev_token_"

	// Clock skew tolerated on nbf/iat. Expiry is strict: a token exactly at
	// exp is rejected.
	clockSkew = 30 * time.Second
)

// Identity is the validated output of the token validator.
type Identity struct {
	UserID    string
	Role      string
	ExpiresAt time.Time
	Variant   Variant
	Raw       string
}

// Config controls variant-1 validation and dev-token acceptance.
type Config struct {
	Issuer          string
	Audience        string
	AllowedAlgs     []string
	AllowMockTokens bool
	Production      bool
}

// Validator classifies and verifies bearer tokens.
type Validator struct {
	cfg  Config
	keys *KeyRing
	now  func() time.Time
}

// NewValidator creates a validator backed by the given key ring.
func NewValidator(cfg Config, keys *KeyRing) *Validator {
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"HS256", "RS256", "ES256"}
	}
	return &Validator{cfg: cfg, keys: keys, now: time.Now}
}

// Classify determines the variant without verifying anything.
func Classify(raw string) Variant {
	switch {
	case strings.HasPrefix(raw, providerPrefix):
		return VariantProviderToken
	case strings.HasPrefix(raw, mockPrefix), strings.HasPrefix(raw, devPrefix):
		return VariantDevToken
	case strings.Count(raw, ".") == 2:
		return VariantSignedJWT
	default:
		return VariantUnknown
	}
}

// Validate verifies the bearer string against the claimed user id and
// returns the resolved identity or a classified Unauthenticated error.
func (v *Validator) Validate(raw, claimedUserID string) (*Identity, error) {
	if raw == "" {
		return nil, apperr.Unauthenticated("token_malformed", "empty bearer token")
	}

	switch Classify(raw) {
	case VariantProviderToken:
		return v.validateProvider(raw, claimedUserID)
	case VariantDevToken:
		return v.validateDev(raw, claimedUserID)
	case VariantSignedJWT:
		return v.validateJWT(raw)
	default:
		return nil, apperr.Unauthenticated("token_malformed", "unrecognized token shape")
	}
}

// validateProvider accepts supabase_token_<uuid> as a trusted identity
// assertion; the carried uuid must equal the claimed user id.
func (v *Validator) validateProvider(raw, claimedUserID string) (*Identity, error) {
	carried := strings.TrimPrefix(raw, providerPrefix)
	if _, err := uuid.Parse(carried); err != nil {
		return nil, apperr.Unauthenticated("token_malformed", "provider token carries no uuid")
	}
	if carried != claimedUserID {
		return nil, apperr.Unauthenticated("token_malformed", "provider token uuid does not match claimed user")
	}
	return &Identity{
		UserID:    carried,
		Role:      "user",
		ExpiresAt: v.now().Add(time.Hour),
		Variant:   VariantProviderToken,
		Raw:       raw,
	}, nil
}

func (v *Validator) validateDev(raw, claimedUserID string) (*Identity, error) {
	if v.cfg.Production || !v.cfg.AllowMockTokens {
		return nil, apperr.Unauthenticated("token_rejected_in_production", "dev token refused")
	}
	carried := strings.TrimPrefix(strings.TrimPrefix(raw, mockPrefix), devPrefix)
	userID := claimedUserID
	if _, err := uuid.Parse(carried); err == nil {
		userID = carried
	}
	if userID == "" {
		return nil, apperr.Unauthenticated("token_malformed", "dev token without user id")
	}
	return &Identity{
		UserID:    userID,
		Role:      "user",
		ExpiresAt: v.now().Add(time.Hour),
		Variant:   VariantDevToken,
		Raw:       raw,
	}, nil
}

func (v *Validator) validateJWT(raw string) (*Identity, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, v.keyFor,
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithoutClaimsValidation(), // time/iss/aud checked below with exact semantics
	)
	if err != nil {
		switch {
		case strings.Contains(err.Error(), "signature"):
			return nil, apperr.Wrap(apperr.KindUnauthenticated, "token_signature_invalid", err, "signature verification failed")
		case strings.Contains(err.Error(), "signing method"):
			return nil, apperr.Wrap(apperr.KindUnauthenticated, "token_signature_invalid", err, "disallowed signing algorithm")
		default:
			return nil, apperr.Wrap(apperr.KindUnauthenticated, "token_malformed", err, "jwt parse failed")
		}
	}
	if !parsed.Valid {
		return nil, apperr.Unauthenticated("token_signature_invalid", "jwt invalid")
	}

	now := v.now()

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, apperr.Unauthenticated("token_malformed", "missing exp claim")
	}
	// Strict comparison: a token presented exactly at exp is expired.
	if !now.Before(exp.Time) {
		return nil, apperr.Unauthenticated("token_expired", "token expired")
	}

	if nbf, _ := claims.GetNotBefore(); nbf != nil && nbf.Time.After(now.Add(clockSkew)) {
		return nil, apperr.Unauthenticated("token_malformed", "token not yet valid")
	}
	if iat, _ := claims.GetIssuedAt(); iat != nil && iat.Time.After(now.Add(clockSkew)) {
		return nil, apperr.Unauthenticated("token_malformed", "token issued in the future")
	}

	if v.cfg.Issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != v.cfg.Issuer {
			return nil, apperr.Unauthenticated("token_issuer_unknown", "issuer mismatch")
		}
	}
	if v.cfg.Audience != "" {
		aud, _ := claims.GetAudience()
		if !containsAudience(aud, v.cfg.Audience) {
			return nil, apperr.Unauthenticated("token_audience_mismatch", "audience mismatch")
		}
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, apperr.Unauthenticated("token_malformed", "missing sub claim")
	}

	role := "user"
	if r, ok := claims["role"].(string); ok && r != "" {
		role = r
	}

	return &Identity{
		UserID:    sub,
		Role:      role,
		ExpiresAt: exp.Time,
		Variant:   VariantSignedJWT,
		Raw:       raw,
	}, nil
}

func (v *Validator) keyFor(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	return v.keys.Key(t.Method.Alg(), kid)
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
