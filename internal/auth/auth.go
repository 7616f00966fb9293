package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims carried by tokens issued elsewhere. Gridbase does
// not authenticate; it only reads the already-authenticated context.
type Claims struct {
	jwt.RegisteredClaims
	Roles    []string `json:"roles"`
	TenantID string   `json:"tenant_id,omitempty"`
}

// UserContext is the per-request caller identity, set by the middleware and
// also handed to change subscribers as their visibility context.
type UserContext struct {
	ID       string   `json:"id"`
	Roles    []string `json:"roles"`
	TenantID string   `json:"tenant_id,omitempty"`
}

// HasRole checks whether the user has a specific role.
func (u *UserContext) HasRole(role string) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ParseAccessToken validates and parses a JWT, returning the claims.
func ParseAccessToken(tokenStr string, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
