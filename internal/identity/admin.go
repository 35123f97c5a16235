// Package identity authenticates operators on the tracker's administrative
// routes with HMAC-signed JWT bearer tokens.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// RoleAdmin is the only role accepted on administrative routes.
const RoleAdmin = "admin"

// ErrNoSecret is returned when admin tokens are configured without a key.
var ErrNoSecret = errors.New("identity: admin signing secret is empty")

// AdminClaims are the JWT claims carried by an operator bearer token.
type AdminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// AdminTokens issues and verifies HS256 operator tokens used for the
// administrative routes (purge, manual anchoring).
type AdminTokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewAdminTokens creates an AdminTokens. ttl defaults to 12 hours.
func NewAdminTokens(secret []byte, issuer string, ttl time.Duration) (*AdminTokens, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	if ttl == 0 {
		ttl = 12 * time.Hour
	}
	return &AdminTokens{secret: secret, issuer: issuer, ttl: ttl}, nil
}

// Issue creates a signed admin token for subject.
func (a *AdminTokens) Issue(subject string) (string, error) {
	now := time.Now().UTC()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			ID:        uuid.New().String(),
		},
		Role: RoleAdmin,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an admin token, returning its claims.
func (a *AdminTokens) Verify(tokenStr string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&AdminClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return a.secret, nil
		},
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// TTL returns the configured token lifetime.
func (a *AdminTokens) TTL() time.Duration { return a.ttl }
