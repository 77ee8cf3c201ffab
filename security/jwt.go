// Package security provides token issuing and validation for the API
// surface.
package security

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// DefaultTokenLifetime is used when no expiration is requested.
const DefaultTokenLifetime = 24 * time.Hour

// JWTService signs and validates HS256 tokens.
type JWTService struct {
	secret []byte
	issuer string
}

// NewJWTService creates a token service. The secret must not be empty.
func NewJWTService(secret, issuer string) (*JWTService, error) {
	if secret == "" {
		return nil, fmt.Errorf("security: JWT secret is required")
	}
	if issuer == "" {
		issuer = "nowbridge"
	}
	return &JWTService{secret: []byte(secret), issuer: issuer}, nil
}

// GenerateToken issues a signed token for a subject.
func (j *JWTService) GenerateToken(subject string, expiration time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("security: subject is required")
	}
	if expiration == 0 {
		expiration = DefaultTokenLifetime
	}
	now := time.Now()

	token, err := jwt.NewBuilder().
		Subject(subject).
		Issuer(j.issuer).
		IssuedAt(now).
		Expiration(now.Add(expiration)).
		Build()
	if err != nil {
		return "", fmt.Errorf("security: build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return "", fmt.Errorf("security: sign token: %w", err)
	}
	return string(signed), nil
}

// ValidateToken parses and verifies a token, checking signature,
// issuer and expiry.
func (j *JWTService) ValidateToken(tokenString string) (jwt.Token, error) {
	token, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKey(jwa.HS256, j.secret),
		jwt.WithIssuer(j.issuer),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("security: parse token: %w", err)
	}
	return token, nil
}
