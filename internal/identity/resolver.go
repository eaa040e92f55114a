// Package identity resolves bearer tokens to internal user identities.
package identity

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"subsync/internal/types"
)

// Identity is the authenticated caller extracted from a verified token.
type Identity struct {
	UserID string
	Email  string
}

// TokenResolver verifies HS256-signed bearer tokens and extracts the
// caller's identity from the standard claims.
type TokenResolver struct {
	secret types.SecretString
}

// NewTokenResolver creates a TokenResolver with the given signing secret.
func NewTokenResolver(secret types.SecretString) *TokenResolver {
	return &TokenResolver{secret: secret}
}

// Resolve verifies the token and returns the identity it asserts. The
// subject claim carries the internal user id; an email claim is optional.
func (r *TokenResolver) Resolve(tokenString string) (*Identity, error) {
	if r.secret.IsZero() {
		return nil, types.NewAppError(
			types.ErrCodeConfigMissing,
			"IDENTITY_TOKEN_SECRET is not configured",
			nil,
		)
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(r.secret.Unmask()), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.NewAppError(
				types.ErrCodeAuthTokenExpired,
				"token has expired",
				err,
			)
		}
		return nil, types.NewAppError(
			types.ErrCodeAuthTokenInvalid,
			"token verification failed",
			err,
		)
	}
	if !token.Valid {
		return nil, types.NewAppError(
			types.ErrCodeAuthTokenInvalid,
			"token is not valid",
			nil,
		)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, types.NewAppError(
			types.ErrCodeNotFoundUser,
			"token carries no subject",
			err,
		)
	}

	identity := &Identity{UserID: subject}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}
	return identity, nil
}
