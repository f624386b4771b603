package tenancy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("tenancy: invalid token")

// Claims are the agent token claims: sub is the user id.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// ParseToken verifies an HMAC-signed agent token.
func ParseToken(secret, tokenString string) (Identity, error) {
	if secret == "" {
		return Identity{}, fmt.Errorf("%w: auth not configured", ErrInvalidToken)
	}
	tokenString = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tokenString), "Bearer "))
	if tokenString == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrInvalidToken)
	}
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.TenantID) == "" || strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, fmt.Errorf("%w: tenant_id and sub claims required", ErrInvalidToken)
	}
	return Identity{TenantID: claims.TenantID, UserID: claims.Subject}, nil
}

// IssueToken signs a token for id valid for ttl.
func IssueToken(secret string, id Identity, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("tenancy: secret required")
	}
	now := time.Now()
	claims := Claims{
		TenantID: id.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
