package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/faceattend-api/internal/models"
	appErrors "github.com/noah-isme/faceattend-api/pkg/errors"
)

func newTestAuth() *AuthService {
	return NewAuthService(nil, AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Minute, Issuer: "faceattend"})
}

func TestAuthServiceIssueAndValidate(t *testing.T) {
	svc := newTestAuth()
	token, expires, err := svc.IssueToken(models.User{ID: "user-1", Role: models.RoleTeacher, Email: "t@example.com"}, 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), expires, 5*time.Second)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.True(t, claims.HasRole(models.RoleAdmin, models.RoleTeacher))
}

func TestAuthServiceRejectsForeignSignature(t *testing.T) {
	other := NewAuthService(nil, AuthConfig{AccessTokenSecret: "other", Issuer: "faceattend"})
	token, _, err := other.IssueToken(models.User{ID: "user-1", Role: models.RoleAdmin}, 0)
	require.NoError(t, err)

	_, err = newTestAuth().ValidateToken(token)
	require.ErrorIs(t, err, appErrors.ErrUnauthorized)
}

func TestAuthServiceRejectsExpiredToken(t *testing.T) {
	svc := newTestAuth()
	claims := &models.JWTClaims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "faceattend",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	require.Error(t, err)
}

func TestAuthServiceRejectsWrongIssuer(t *testing.T) {
	other := NewAuthService(nil, AuthConfig{AccessTokenSecret: "secret", Issuer: "elsewhere"})
	token, _, err := other.IssueToken(models.User{ID: "user-1", Role: models.RoleStudent}, 0)
	require.NoError(t, err)

	_, err = newTestAuth().ValidateToken(token)
	require.Error(t, err)
}
