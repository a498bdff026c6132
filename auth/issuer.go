package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Subject describes the principal a token is minted for
type Subject struct {
	ID         string
	Roles      []string
	TenantID   string
	BranchID   string
	SystemWide bool
}

// Issuer mints HS256 tokens signed with the primary key
type Issuer struct {
	keys   KeyProvider
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates a token issuer
func NewIssuer(keys KeyProvider, issuer string, ttl time.Duration) *Issuer {
	return &Issuer{keys: keys, issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue signs a new token and returns it with its claims
func (i *Issuer) Issue(sub Subject) (string, *Claims, error) {
	if sub.ID == "" {
		return "", nil, fmt.Errorf("cannot issue token without subject")
	}
	now := i.now()
	claims := &Claims{
		Roles:      append([]string(nil), sub.Roles...),
		TenantID:   sub.TenantID,
		BranchID:   sub.BranchID,
		SystemWide: sub.SystemWide,
		SessionID:  uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   sub.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.NewString(),
		},
	}

	kid, key := i.keys.Primary()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, claims, nil
}
