package service

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lyrics-approvals-api/internal/models"
	appErrors "github.com/noah-isme/lyrics-approvals-api/pkg/errors"
)

func signToken(t *testing.T, secret string, claims models.JWTClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestSessionServiceAuthenticate(t *testing.T) {
	svc := NewSessionService(SessionConfig{Secret: "s3cret", Issuer: "lyrics-backend"}, nil)
	token := signToken(t, "s3cret", models.JWTClaims{
		UserID: "admin-1",
		Role:   models.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "lyrics-backend",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	session, err := svc.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", session.UserID)
	assert.Equal(t, models.RoleAdmin, session.Role)
}

func TestSessionServiceFallsBackToSubject(t *testing.T) {
	svc := NewSessionService(SessionConfig{Secret: "s3cret"}, nil)
	token := signToken(t, "s3cret", models.JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-9"},
	})

	session, err := svc.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-9", session.UserID)
}

func TestSessionServiceRejectsInvalidTokens(t *testing.T) {
	svc := NewSessionService(SessionConfig{Secret: "s3cret", Issuer: "lyrics-backend"}, nil)
	valid := jwt.RegisteredClaims{Issuer: "lyrics-backend", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}

	tests := map[string]string{
		"wrong secret": signToken(t, "other", models.JWTClaims{UserID: "u", RegisteredClaims: valid}),
		"wrong issuer": signToken(t, "s3cret", models.JWTClaims{UserID: "u", RegisteredClaims: jwt.RegisteredClaims{Issuer: "elsewhere"}}),
		"expired": signToken(t, "s3cret", models.JWTClaims{UserID: "u", RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "lyrics-backend", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		}}),
		"no subject": signToken(t, "s3cret", models.JWTClaims{RegisteredClaims: valid}),
		"garbage":    "not-a-token",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Authenticate(token)
			require.ErrorIs(t, err, appErrors.ErrUnauthorized)
		})
	}
}

func TestSessionServiceCurrentSession(t *testing.T) {
	svc := NewSessionService(SessionConfig{Secret: "s3cret"}, nil)

	_, ok := svc.CurrentSession(context.Background())
	assert.False(t, ok)

	session, ok := svc.CurrentSession(adminContext())
	require.True(t, ok)
	assert.Equal(t, "admin-1", session.UserID)
}
