package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lalith-99/wirechat/internal/models"
)

// Claims is the payload inside every JWT token.
//
// The token carries the full resolved identity — (entity_id, role,
// tenant_id) — so the realtime plane never hits the database to answer
// "who is this connection". Username rides along because message sender
// snapshots need it.
//
// Why embed jwt.RegisteredClaims?
//   - It gives us standard JWT fields for free: ExpiresAt, IssuedAt, Issuer.
//   - Libraries and tooling (jwt.io debugger) recognize these fields.
type Claims struct {
	EntityID int64       `json:"entity_id"`
	Role     models.Role `json:"role"`
	TenantID int64       `json:"tenant_id"`
	Username string      `json:"username"`
	jwt.RegisteredClaims
}

// Identity converts the claims back into the domain identity type.
func (c *Claims) Identity() models.Identity {
	return models.Identity{
		ID:       c.EntityID,
		Role:     c.Role,
		TenantID: c.TenantID,
		Username: c.Username,
	}
}

// GenerateToken creates a signed JWT for a resolved identity.
//
// Why HS256 (HMAC-SHA256)?
//   - One shared secret, no key pair to manage — fine for a
//     single-service backend. Multiple verifying services would call
//     for RS256 so only the issuer holds the private key.
func GenerateToken(id models.Identity, secret string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := Claims{
		EntityID: id.ID,
		Role:     id.Role,
		TenantID: id.TenantID,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "wirechat",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signed, nil
}

// ParseToken validates a JWT string and extracts the claims.
//
// It verifies:
//  1. The signature matches our secret (not tampered with).
//  2. The token hasn't expired.
//  3. The signing method is HMAC — rejecting "none"/RSA tokens up front
//     prevents the classic JWT algorithm-confusion attack.
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if _, err := models.ParseRole(string(claims.Role)); err != nil {
		return nil, fmt.Errorf("invalid token claims: %w", err)
	}

	return claims, nil
}
