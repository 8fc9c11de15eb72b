package auth

import (
	"context"
	"testing"
	"time"

	domainErrors "github.com/cassiomorais/checkoutsync/internal/domain/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-that-is-at-least-32-characters"

func signToken(t *testing.T, claims jwt.Claims, secret string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestParseBearer_Valid(t *testing.T) {
	token := signToken(t, Claims{
		UserID:           "patient-7",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}, testSecret)

	id, err := ParseBearer("Bearer "+token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "patient-7", id.UserID)
	assert.Equal(t, token, id.Token)
}

func TestParseBearer_FallsBackToSubject(t *testing.T) {
	token := signToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "patient-9"}}, testSecret)

	id, err := ParseBearer("Bearer "+token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "patient-9", id.UserID)
}

func TestParseBearer_Rejections(t *testing.T) {
	expired := signToken(t, Claims{
		UserID:           "patient-7",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
	}, testSecret)
	wrongKey := signToken(t, Claims{UserID: "patient-7"}, "another-secret-that-is-also-32-chars!!")

	tests := []struct {
		name    string
		header  string
		wantErr error
	}{
		{"missing header", "", domainErrors.ErrMissingIdentity},
		{"basic scheme", "Basic dXNlcjpwYXNz", domainErrors.ErrUnauthorized},
		{"empty bearer", "Bearer ", domainErrors.ErrUnauthorized},
		{"garbage", "Bearer not-a-jwt", domainErrors.ErrUnauthorized},
		{"expired", "Bearer " + expired, domainErrors.ErrUnauthorized},
		{"wrong key", "Bearer " + wrongKey, domainErrors.ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBearer(tt.header, testSecret)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestIdentityContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{UserID: "u1", Token: "tok"})
	id, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "u1", id.UserID)

	_, ok = FromContext(WithIdentity(context.Background(), Identity{UserID: "u1"}))
	assert.False(t, ok)
}
