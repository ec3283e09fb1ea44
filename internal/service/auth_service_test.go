package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginAndVerify(t *testing.T) {
	svc, err := NewAuthService("top-secret", "correct horse", time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := svc.Login("correct horse")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Subject)
	assert.Equal(t, "boxoffice", claims.Issuer)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	svc, err := NewAuthService("top-secret", "correct horse", time.Hour)
	require.NoError(t, err)

	_, _, err = svc.Login("battery staple")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Login("")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerifyRejectsExpiredAndForeignTokens(t *testing.T) {
	svc, err := NewAuthService("top-secret", "correct horse", time.Minute)
	require.NoError(t, err)
	token, _, err := svc.Login("correct horse")
	require.NoError(t, err)

	svc.(*authService).now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "boxoffice",
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	svc.(*authService).now = time.Now
	_, err = svc.Verify(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewAuthServiceValidatesInput(t *testing.T) {
	_, err := NewAuthService("", "correct horse", time.Hour)
	assert.Error(t, err)
	_, err = NewAuthService("secret", "short", time.Hour)
	assert.Error(t, err)
}
