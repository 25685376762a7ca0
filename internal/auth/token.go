// Package auth supplies and verifies the credential presented on the
// signaling channel.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/Call/internal/domain"
)

var (
	ErrNoCredential = errors.New("no credential")
	ErrBadToken     = errors.New("bad token")
)

// TokenProvider supplies the bearer credential for each connection attempt.
// It is consulted again on every reconnect so short-lived tokens can rotate.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed credential, e.g. one handed out by a login flow.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrNoCredential
	}
	return string(t), nil
}

// Claims carried by signaling tokens.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// Issuer mints HS256 tokens for one user.
type Issuer struct {
	secret []byte
	user   domain.User
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, user domain.User, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("empty secret")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: []byte(secret), user: user, ttl: ttl, now: time.Now}, nil
}

func (i *Issuer) Token(context.Context) (string, error) {
	now := i.now()
	claims := Claims{
		Name: i.user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(i.user.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verifier checks tokens on the relay side.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify returns the user the token was issued for.
func (v *Verifier) Verify(token string) (*domain.User, error) {
	if token == "" {
		return nil, ErrNoCredential
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	user, err := domain.UserFromClaims(claims.Subject, claims.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	return user, nil
}
