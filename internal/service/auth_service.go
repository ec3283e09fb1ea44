// Package service holds the operator authentication used by the HTTP surface.
package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenIssuer  = "boxoffice"
	tokenSubject = "operator"
)

var (
	// ErrInvalidCredentials indicates that the provided password is incorrect.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken indicates a bearer token that is malformed, expired or signed with another key.
	ErrInvalidToken = errors.New("invalid token")
)

// AuthService issues and checks bearer tokens for the single operator account.
type AuthService interface {
	Login(password string) (string, time.Time, error)
	Verify(token string) (*jwt.RegisteredClaims, error)
}

type authService struct {
	secret []byte
	hash   []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthService(secret, password string, ttl time.Duration) (AuthService, error) {
	secret = strings.TrimSpace(secret)
	password = strings.TrimSpace(password)
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if len(password) < 8 {
		return nil, errors.New("operator password must be at least 8 characters")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return &authService{
		secret: []byte(secret),
		hash:   hash,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

func (s *authService) Login(password string) (string, time.Time, error) {
	password = strings.TrimSpace(password)
	if password == "" {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(s.hash, []byte(password)); err != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}

	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   tokenSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expiresAt, nil
}

func (s *authService) Verify(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithSubject(tokenSubject),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}
