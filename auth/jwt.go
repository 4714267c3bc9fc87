package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Claims is the JWT payload issued by the identity provider. Issuance lives
// outside this service; we only verify and extract the principal.
type Claims struct {
	UserID string `json:"sub"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// ValidateToken verifies an HS256 bearer token and resolves its principal.
func ValidateToken(secret, tokenString string) (Principal, error) {
	if secret == "" {
		return Principal{}, fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return Principal{}, ErrInvalidToken
	}

	return Principal{UserID: claims.UserID, Role: ParseRole(claims.Role)}, nil
}
