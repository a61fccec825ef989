// Package auth issues and verifies control-plane tokens.
package auth

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
)

// Role identifies what a connected client is allowed to do.
type Role string

const (
	// RoleOperator may issue any command.
	RoleOperator Role = "operator"
	// RoleDisplay may only issue read-only and heartbeat commands.
	RoleDisplay Role = "display"
)

// Valid reports whether the role is a known one.
func (r Role) Valid() bool {
	return r == RoleOperator || r == RoleDisplay
}

// Claims extends registered claims with the client role and tenant.
type Claims struct {
	Role   Role   `json:"role"`
	Tenant string `json:"tenant,omitempty"`
	jwt.RegisteredClaims
}

// Issue creates a signed HS256 token string.
func Issue(secret []byte, subject string, role Role, tenant string, ttl time.Duration) (string, error) {
	claims := Claims{
		Role:   role,
		Tenant: tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// Parse validates a token string and returns its claims.
func Parse(secret []byte, token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if !claims.Role.Valid() {
		return nil, errors.Newf("unknown role %q", claims.Role)
	}

	return claims, nil
}
