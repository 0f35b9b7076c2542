// Package auth verifies the session credentials issued by the identity
// provider. The sync server only consumes tokens; it never issues them.
package auth

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/finhorizon/plansync/internal/common"
)

// Claims carries the standard claims plus the stable user identifier the
// sync engine keys everything on.
type Claims struct {
	jwt.RegisteredClaims
	UserID string
}

// GetUserIDFromToken validates tokenString against secretKey (HS256) and
// returns the embedded user id. Expired or malformed tokens return
// common.ErrInvalidToken.
func GetUserIDFromToken(tokenString string, secretKey []byte) (string, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", common.ErrInvalidToken
	}

	if !token.Valid || claims.UserID == "" {
		return "", common.ErrInvalidToken
	}

	return claims.UserID, nil
}
