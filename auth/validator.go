package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"medgate/core"

	"github.com/golang-jwt/jwt/v5"
)

const (
	bearerScheme = "bearer"
	// maxTokenLength bounds the work done on a single header
	maxTokenLength = 8 * 1024
)

var allowedMethods = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodHS384.Alg(),
	jwt.SigningMethodHS512.Alg(),
}

// Validator checks Authorization header values and resolves identities
type Validator struct {
	keys    KeyProvider
	issuer  string
	revoked *RevocationList
	now     func() time.Time
	parser  *jwt.Parser
}

// ValidatorOption configures a Validator
type ValidatorOption func(*Validator)

// WithIssuer requires the iss claim to match
func WithIssuer(issuer string) ValidatorOption {
	return func(v *Validator) { v.issuer = issuer }
}

// WithRevocationList rejects tokens whose jti was revoked
func WithRevocationList(rl *RevocationList) ValidatorOption {
	return func(v *Validator) { v.revoked = rl }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// NewValidator creates a token validator over a key provider
func NewValidator(keys KeyProvider, opts ...ValidatorOption) *Validator {
	v := &Validator{
		keys: keys,
		now:  time.Now,
		// Claims are checked by hand after the signature so that the
		// failure order is deterministic.
		parser: jwt.NewParser(
			jwt.WithValidMethods(allowedMethods),
			jwt.WithoutClaimsValidation(),
		),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate verifies a raw Authorization header value
func (v *Validator) Validate(header string) (*core.Identity, error) {
	claims, err := v.ValidateClaims(header)
	if err != nil {
		return nil, err
	}
	return claims.Identity(), nil
}

// ValidateClaims verifies a raw Authorization header value and returns its claims
func (v *Validator) ValidateClaims(header string) (*Claims, error) {
	if strings.TrimSpace(header) == "" {
		return nil, newError(KindMissing, "no authorization header", nil)
	}
	if hasControlChars(header) {
		return nil, newError(KindMalformed, "control characters in authorization header", nil)
	}

	scheme, token, _ := strings.Cut(header, " ")
	if !strings.EqualFold(scheme, bearerScheme) {
		return nil, newError(KindMissing, "unsupported authorization scheme", nil)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, newError(KindMissing, "empty bearer token", nil)
	}
	if err := checkCompactStructure(token); err != nil {
		return nil, err
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, v.keyFunc)
	if err != nil {
		return nil, classifyParseError(err)
	}
	if !parsed.Valid {
		return nil, newError(KindBadSignature, "token not valid", nil)
	}

	if err := v.checkClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *Validator) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.New("unexpected signing method")
	}
	kid, _ := token.Header["kid"].(string)
	key, ok := v.keys.Key(kid)
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return key, nil
}

func (v *Validator) checkClaims(c *Claims) error {
	now := v.now()
	if c.ExpiresAt == nil {
		return newError(KindMalformed, "token has no expiry", nil)
	}
	if !now.Before(c.ExpiresAt.Time) {
		return newError(KindExpired, "token has expired", nil)
	}
	if c.NotBefore != nil && now.Before(c.NotBefore.Time) {
		return newError(KindExpired, "token not yet valid", nil)
	}
	if c.Subject == "" {
		return newError(KindMalformed, "token has no subject", nil)
	}
	if v.issuer != "" && c.Issuer != v.issuer {
		return newError(KindBadSignature, "unexpected issuer", nil)
	}
	if v.revoked != nil && c.ID != "" && v.revoked.IsRevoked(c.ID) {
		return newError(KindRevoked, "token has been revoked", nil)
	}
	return nil
}

func classifyParseError(err error) *Error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return newError(KindMalformed, "token could not be decoded", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrSignatureInvalid):
		return newError(KindBadSignature, "signature verification failed", err)
	default:
		return newError(KindBadSignature, "token rejected", err)
	}
}

// checkCompactStructure requires three non-empty base64url segments
func checkCompactStructure(token string) error {
	if len(token) > maxTokenLength {
		return newError(KindMalformed, "token too long", nil)
	}
	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return newError(KindMalformed, "token is not three segments", nil)
	}
	for _, seg := range segments {
		if seg == "" {
			return newError(KindMalformed, "empty token segment", nil)
		}
		for i := 0; i < len(seg); i++ {
			if !isBase64URLChar(seg[i]) {
				return newError(KindMalformed, "invalid character in token", nil)
			}
		}
	}
	return nil
}

func isBase64URLChar(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_'
}

// hasControlChars reports NUL, C0 controls other than space, and DEL.
// Horizontal tab is rejected too: a header has no business carrying one.
func hasControlChars(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7f {
			return true
		}
	}
	return false
}
