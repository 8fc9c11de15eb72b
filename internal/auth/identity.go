// Package auth carries the authenticated caller through a request context.
package auth

import (
	"context"
	"fmt"
	"strings"

	domainErrors "github.com/cassiomorais/checkoutsync/internal/domain/errors"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated caller. Token is the raw bearer token and is
// forwarded to the clinic backend on the caller's behalf.
type Identity struct {
	UserID string
	Token  string
}

type ctxKey struct{}

// Claims are the JWT claims issued by the clinic login service.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok && id.Token != ""
}

// ParseBearer validates an Authorization header value and returns the identity
// it carries.
func ParseBearer(header, secret string) (Identity, error) {
	if header == "" {
		return Identity{}, domainErrors.ErrMissingIdentity
	}
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenString == "" {
		return Identity{}, fmt.Errorf("%w: invalid authorization scheme", domainErrors.ErrUnauthorized)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token", domainErrors.ErrUnauthorized)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	return Identity{UserID: userID, Token: tokenString}, nil
}
