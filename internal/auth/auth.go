// Package auth verifies operator sessions. A session is an HS256 JWT scoped to
// one counter slug.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid operator token")
	ErrWrongCounter = errors.New("operator token is for another counter")
)

const issuer = "ticketd"

// Claims is the payload of an operator session.
type Claims struct {
	Slug string `json:"slug"`
	jwt.RegisteredClaims
}

// Authority signs and verifies operator sessions with one shared secret.
type Authority struct {
	secret []byte
	now    func() time.Time
}

// NewAuthority returns an Authority for secret. An empty secret is rejected.
func NewAuthority(secret string) (*Authority, error) {
	if secret == "" {
		return nil, errors.New("auth: session secret is empty")
	}
	return &Authority{secret: []byte(secret), now: time.Now}, nil
}

// Sign issues a session for slug that expires after ttl.
func (a *Authority) Sign(slug, operator string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Slug: slug,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses token and returns its claims.
func (a *Authority) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Slug == "" {
		return nil, fmt.Errorf("%w: missing slug", ErrInvalidToken)
	}
	return claims, nil
}

// Authorize verifies token and checks that it grants slug.
func (a *Authority) Authorize(token, slug string) (*Claims, error) {
	claims, err := a.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Slug != slug {
		return claims, ErrWrongCounter
	}
	return claims, nil
}
